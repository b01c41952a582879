package supabase

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/hdtn-connect/internal/model"
)

// tokenClaims はアクセストークンのクレームを署名検証せずに取り出す。
// 署名の検証はストア側で行われるため、ここではスケジューリング用途にのみ使う。
func tokenClaims(accessToken string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return nil, fmt.Errorf("failed to parse access token: %w", err)
	}
	return claims, nil
}

// TokenSubject はアクセストークンのsubクレーム（ユーザーID）を返す。
func TokenSubject(accessToken string) (string, error) {
	claims, err := tokenClaims(accessToken)
	if err != nil {
		return "", err
	}
	return claims.GetSubject()
}

// normalizeSession はexpires_atが欠けたセッションに有効期限を補完する。
// トークンのexpクレーム、expires_inの順に参照する。
func normalizeSession(s *model.Session, now time.Time) {
	if s == nil || s.ExpiresAt != 0 {
		return
	}
	if claims, err := tokenClaims(s.AccessToken); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			s.ExpiresAt = exp.Unix()
			return
		}
	}
	if s.ExpiresIn > 0 {
		s.ExpiresAt = now.Add(time.Duration(s.ExpiresIn) * time.Second).Unix()
	}
}
