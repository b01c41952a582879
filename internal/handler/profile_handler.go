package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/hdtn-connect/internal/middleware"
	"github.com/hitoshi/hdtn-connect/internal/model"
	"github.com/hitoshi/hdtn-connect/internal/profile"
)

// updateProfileRequest はプロフィール部分更新リクエストのボディ。
// skills_text はカンマ区切りのスキル入力で、skills と同時には指定できない。
type updateProfileRequest struct {
	FullName   *string                 `json:"full_name"`
	AvatarURL  *string                 `json:"avatar_url"`
	Bio        *string                 `json:"bio"`
	Skills     *[]string               `json:"skills"`
	SkillsText *string                 `json:"skills_text"`
	Location   *model.Location         `json:"location"`
	Education  *[]model.EducationEntry `json:"education"`
}

// toPatch はリクエストをパッチに変換する。IDのない学歴にはIDを割り当てる。
func (req updateProfileRequest) toPatch() (model.ProfilePatch, error) {
	patch := model.ProfilePatch{
		FullName:  req.FullName,
		AvatarURL: req.AvatarURL,
		Bio:       req.Bio,
		Skills:    req.Skills,
		Location:  req.Location,
	}
	if req.SkillsText != nil {
		skills := profile.ParseSkills(*req.SkillsText)
		patch.Skills = &skills
	}
	if req.Education != nil {
		entries, err := profile.NormalizeEducation(*req.Education)
		if err != nil {
			return model.ProfilePatch{}, err
		}
		patch.Education = &entries
	}
	return patch, nil
}

// addEducationRequest は学歴追加リクエストのボディ。
type addEducationRequest struct {
	Institution  string `json:"institution"`
	Degree       string `json:"degree"`
	FieldOfStudy string `json:"fieldOfStudy"`
	StartYear    string `json:"startYear"`
	EndYear      string `json:"endYear"`
}

// ProfileHandler はサインイン中ユーザーのプロフィール編集を扱うHTTPハンドラー。
type ProfileHandler struct {
	provider ControllerProvider
}

// NewProfileHandler はProfileHandlerを生成する。
func NewProfileHandler(provider ControllerProvider) *ProfileHandler {
	return &ProfileHandler{provider: provider}
}

// UpdateProfile はプロフィールを部分更新する。
// PATCH /api/profile
func (h *ProfileHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req updateProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Skills != nil && req.SkillsText != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("specify either skills or skills_text, not both"))
		return
	}
	patch, err := req.toPatch()
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("education ids must be unique"))
		return
	}
	if patch.IsEmpty() {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("no fields to update"))
		return
	}

	ctrl, ok := signedInController(h.provider, w, r)
	if !ok {
		return
	}

	updated := ctrl.UpdateProfile(r.Context(), patch)
	if updated == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewProfileUnavailableError())
		return
	}
	middleware.WriteJSON(w, http.StatusOK, updated)
}

// AddEducation は学歴を1件追加する。
// POST /api/profile/education
func (h *ProfileHandler) AddEducation(w http.ResponseWriter, r *http.Request) {
	var req addEducationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Institution == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("institution is required"))
		return
	}

	ctrl, ok := signedInController(h.provider, w, r)
	if !ok {
		return
	}

	updated := ctrl.AddEducation(r.Context(), req.Institution, req.Degree, req.FieldOfStudy, req.StartYear, req.EndYear)
	if updated == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewProfileUnavailableError())
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, updated)
}

// RemoveEducation は指定IDの学歴を削除する。
// DELETE /api/profile/education/{id}
func (h *ProfileHandler) RemoveEducation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("education id is required"))
		return
	}

	ctrl, ok := signedInController(h.provider, w, r)
	if !ok {
		return
	}

	updated := ctrl.RemoveEducation(r.Context(), id)
	if updated == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewProfileUnavailableError())
		return
	}
	middleware.WriteJSON(w, http.StatusOK, updated)
}

// signedInController はサインイン中のコントローラーを返す。匿名の場合は401を書き込む。
func signedInController(provider ControllerProvider, w http.ResponseWriter, r *http.Request) (SessionController, bool) {
	ctrl, ok := controllerFor(provider, w, r)
	if !ok {
		return nil, false
	}
	if ctrl.Snapshot().User == nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return nil, false
	}
	return ctrl, true
}
