package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// URLGuard は外部URLの検証と、内部ネットワークに到達しないHTTPクライアントを提供する。
type URLGuard interface {
	// ValidatePublicURL はアバターURLなどユーザーが入力したURLを静的に検証する。
	// DNS解決は行わない。http/https以外、空ホスト、内部アドレスを拒否する。
	ValidatePublicURL(rawURL string) error

	// NewOutboundClient は生成AIなど外部APIの呼び出しに使うHTTPクライアントを生成する。
	// 接続先IPはDNS解決後にも検証される。
	NewOutboundClient(timeout time.Duration) *http.Client
}

var allowedSchemes = []string{"http", "https"}

// blockedNetworks は内部アドレスとして拒否するネットワーク範囲。
var blockedNetworks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16", // クラウドメタデータIPを含む
	"0.0.0.0/8",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
)

var blockedHostnames = []string{"localhost", "metadata.google.internal"}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	networks := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR %s: %v", cidr, err))
		}
		networks = append(networks, network)
	}
	return networks
}

type urlGuard struct{}

// NewURLGuard はURLGuardを生成する。
func NewURLGuard() *urlGuard {
	return &urlGuard{}
}

// ValidatePublicURL はURLを静的に検証する。
func (g *urlGuard) ValidatePublicURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("disallowed scheme: %q (allowed: %v)", parsed.Scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		for _, network := range blockedNetworks {
			if network.Contains(ip) {
				return fmt.Errorf("blocked IP address: %s", ip)
			}
		}
		return nil
	}

	lower := strings.ToLower(host)
	for _, blocked := range blockedHostnames {
		if lower == blocked {
			return fmt.Errorf("blocked host: %s", host)
		}
	}
	return nil
}

// NewOutboundClient はsafeurlでラップしたHTTPクライアントを生成する。
// HTTPSの443番ポートのみに接続できる。
func (g *urlGuard) NewOutboundClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(443).
		Build()

	return safeurl.Client(config).Client
}
