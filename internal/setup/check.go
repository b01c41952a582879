// Package setup はprofilesテーブルへの接続確認と、セットアップ手順の案内を提供する。
package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/hitoshi/hdtn-connect/internal/profile"
)

// TableProber はprofilesテーブルの到達状況を返す。profile.Service が実装する。
type TableProber interface {
	Diagnose(ctx context.Context) profile.TableStatus
}

// Outcome は接続確認の結果。
type Outcome string

const (
	OutcomeReady         Outcome = "ready"
	OutcomeNotConfigured Outcome = "not_configured"
	OutcomeTableMissing  Outcome = "table_missing"
	OutcomeUnreachable   Outcome = "unreachable"
)

// Result は接続確認の結果と、利用者向けの対処手順。
type Result struct {
	Outcome     Outcome  `json:"outcome"`
	TableExists bool     `json:"table_exists"`
	Message     string   `json:"message"`
	Steps       []string `json:"steps"`
}

// 対処手順。
var (
	configureSteps = []string{
		"Create a Supabase project or open an existing one.",
		"Copy the project URL and the anon public key from Project Settings > API.",
		"Set SUPABASE_URL and SUPABASE_ANON_KEY and restart the server.",
	}
	createTableSteps = []string{
		"Open the Supabase Dashboard > SQL Editor > New Query.",
		"Paste the setup SQL (GET /api/setup/sql, or run `hdtn-connect migrate` with DATABASE_URL).",
		"Run the query, then reload the application.",
	}
	unreachableSteps = []string{
		"Check that SUPABASE_URL points at your project and the project is not paused.",
		"Check that SUPABASE_ANON_KEY belongs to the same project.",
		"Check network connectivity to the Supabase API and try again.",
	}
)

// Check はprofilesテーブルに最小限の読み取りを行い、結果を分類する。
func Check(ctx context.Context, configured bool, prober TableProber) Result {
	if !configured {
		return Result{
			Outcome: OutcomeNotConfigured,
			Message: "Supabase is not configured.",
			Steps:   configureSteps,
		}
	}

	switch prober.Diagnose(ctx) {
	case profile.TablePresent:
		return Result{
			Outcome:     OutcomeReady,
			TableExists: true,
			Message:     "Supabase connection and profiles table working.",
			Steps:       []string{},
		}
	case profile.TableMissing:
		return Result{
			Outcome: OutcomeTableMissing,
			Message: "The profiles table needs to be created.",
			Steps:   createTableSteps,
		}
	default:
		return Result{
			Outcome: OutcomeUnreachable,
			Message: "Could not read the profiles table.",
			Steps:   unreachableSteps,
		}
	}
}

// Run は接続確認を1回実行し、結果と対処手順をwに出力する。
// 確認の失敗は出力とログに残すのみで、エラーとしては返さない。
func Run(ctx context.Context, w io.Writer, configured bool, prober TableProber) Result {
	fmt.Fprintln(w, "Checking Supabase connection...")

	r := Check(ctx, configured, prober)
	if r.Outcome == OutcomeReady {
		fmt.Fprintf(w, "OK: %s\n", r.Message)
		return r
	}

	slog.Warn("setup check failed", slog.String("outcome", string(r.Outcome)))
	fmt.Fprintf(w, "FAIL: %s\n", r.Message)
	for i, step := range r.Steps {
		fmt.Fprintf(w, "  %d. %s\n", i+1, step)
	}
	return r
}
