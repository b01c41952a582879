package ai

import (
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
)

// DefaultCacheMaxCost は翻訳キャッシュの既定の容量（テキストのバイト数）。
const DefaultCacheMaxCost = 1 << 20

// translationCache は翻訳結果を (言語, 原文) をキーに保持する。
// コストは訳文のバイト数。
type translationCache struct {
	cache *ristretto.Cache[string, string]
}

func newTranslationCache(maxCost int64) (*translationCache, error) {
	if maxCost <= 0 {
		maxCost = DefaultCacheMaxCost
	}
	// 1エントリ平均64バイトと見積もってカウンター数を決める。
	maxKeys := maxCost / 64
	if maxKeys < 100 {
		maxKeys = 100
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: maxKeys * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create translation cache: %w", err)
	}
	return &translationCache{cache: c}, nil
}

func translationKey(language, text string) string {
	return language + "\x00" + text
}

func (tc *translationCache) get(language, text string) (string, bool) {
	return tc.cache.Get(translationKey(language, text))
}

// set は訳文を保存する。ristrettoの書き込みは非同期のため、Waitで反映を待つ。
func (tc *translationCache) set(language, text, translated string) {
	tc.cache.Set(translationKey(language, text), translated, int64(len(translated)))
	tc.cache.Wait()
}

func (tc *translationCache) close() {
	tc.cache.Close()
}
