package supabase

import (
	"context"
	"time"
)

// statusClass はHTTPステータスコードに基づくリクエスト結果の分類。
type statusClass int

const (
	// statusOK は成功（2xx）。
	statusOK statusClass = iota
	// statusRetry は再試行可能（429/5xx）。
	statusRetry
	// statusFail は再試行しても結果が変わらない失敗。
	statusFail
)

const (
	// initialBackoff は指数バックオフの初回遅延。
	initialBackoff = 200 * time.Millisecond
	// maxBackoff は指数バックオフの最大遅延。
	maxBackoff = 2 * time.Second
)

// classifyStatus はHTTPステータスコードを分類する。
func classifyStatus(statusCode int) statusClass {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return statusOK
	case statusCode == 429:
		return statusRetry
	case statusCode >= 500:
		return statusRetry
	default:
		return statusFail
	}
}

// backoffDelay は試行回数に基づいて指数バックオフ遅延を計算する。
// 初回200ms、2倍ずつ増加、最大2秒。
func backoffDelay(attempt int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// sleepContext はdだけ待機する。ctxがキャンセルされた場合はその時点で戻る。
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
