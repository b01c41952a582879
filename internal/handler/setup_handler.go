package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/hdtn-connect/internal/middleware"
	"github.com/hitoshi/hdtn-connect/internal/model"
	"github.com/hitoshi/hdtn-connect/internal/profile"
)

// SetupServiceInterface はガイド付きセットアップ画面が必要とするサービスインターフェース。
// profile.Service が実装する。
type SetupServiceInterface interface {
	// Diagnose はprofilesテーブルの状態を判定する。
	Diagnose(ctx context.Context) profile.TableStatus
	// CreateTable はセットアップSQLのリモート実行を試みる。
	CreateTable(ctx context.Context) bool
}

// configResponse は構成状態のAPIレスポンス。
type configResponse struct {
	StoreConfigured bool `json:"store_configured"`
	AIConfigured    bool `json:"ai_configured"`
}

// setupStatusResponse はテーブル状態のAPIレスポンス。
type setupStatusResponse struct {
	TableExists bool   `json:"table_exists"`
	Status      string `json:"status"`
}

// SetupHandler は構成状態とデータベースセットアップのHTTPハンドラー。
type SetupHandler struct {
	service         SetupServiceInterface
	storeConfigured bool
	aiConfigured    bool
	setupSQL        string
}

// NewSetupHandler はSetupHandlerを生成する。
func NewSetupHandler(service SetupServiceInterface, storeConfigured, aiConfigured bool, setupSQL string) *SetupHandler {
	return &SetupHandler{
		service:         service,
		storeConfigured: storeConfigured,
		aiConfigured:    aiConfigured,
		setupSQL:        setupSQL,
	}
}

// GetConfig はバッキングストアとAIの構成状態を返す。
// GET /api/config
func (h *SetupHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, configResponse{
		StoreConfigured: h.storeConfigured,
		AIConfigured:    h.aiConfigured,
	})
}

// GetStatus はprofilesテーブルの存在を返す。
// GET /api/setup/status
func (h *SetupHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if !h.storeConfigured {
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewNotConfiguredError())
		return
	}
	status := h.service.Diagnose(r.Context())
	middleware.WriteJSON(w, http.StatusOK, setupStatusResponse{
		TableExists: status == profile.TablePresent,
		Status:      status.String(),
	})
}

// CreateTable はprofilesテーブルの作成を試みる。
// 最小権限の資格情報では失敗するのが通常で、その場合はcreated=falseを返す。
// POST /api/setup/table
func (h *SetupHandler) CreateTable(w http.ResponseWriter, r *http.Request) {
	if !h.storeConfigured {
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewNotConfiguredError())
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]bool{"created": h.service.CreateTable(r.Context())})
}

// GetSQL は手動セットアップ用のSQLを返す。
// GET /api/setup/sql
func (h *SetupHandler) GetSQL(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(h.setupSQL))
}
