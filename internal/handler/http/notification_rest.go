package httphandler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"notification-service/internal/domain"
	"notification-service/internal/repository"
	"notification-service/internal/usecase"
	"notification-service/pkg/response"
)

type NotificationHandler struct {
	uc     *usecase.NotificationUsecase
	logger *zap.Logger
}

func NewNotificationHandler(uc *usecase.NotificationUsecase, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{uc: uc, logger: logger}
}

// ----------------------
// Notification Handlers
// ----------------------

// List returns the caller's notifications, newest first.
// GET /api/notifications?limit=&offset=&unread=&type=&priority=
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.uc.List(r.Context(), UserID(r.Context()), parseListFilter(r))
	if err != nil {
		fail(w, err)
		return
	}
	if items == nil {
		items = []*domain.Notification{}
	}
	response.JSON(w, http.StatusOK, items)
}

// Get returns one notification the caller owns.
// GET /api/notifications/{id}
func (h *NotificationHandler) Get(w http.ResponseWriter, r *http.Request) {
	n, err := h.uc.Get(r.Context(), chi.URLParam(r, "id"), UserID(r.Context()))
	if err != nil {
		fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, n)
}

// MarkRead marks one notification read. Re-marking is a no-op, reported via
// the modified count.
// POST /api/notifications/{id}/read
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	modified, err := h.uc.MarkRead(r.Context(), chi.URLParam(r, "id"), UserID(r.Context()))
	if err != nil {
		fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]int64{"modified": modified})
}

// MarkManyRead marks a batch of notifications read.
// POST /api/notifications/read
func (h *NotificationHandler) MarkManyRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	modified, err := h.uc.MarkManyRead(r.Context(), req.IDs, UserID(r.Context()))
	if err != nil {
		fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]int64{"modified": modified})
}

// MarkAllRead marks everything unread as read.
// POST /api/notifications/read-all
func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	modified, err := h.uc.MarkAllRead(r.Context(), UserID(r.Context()))
	if err != nil {
		fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]int64{"modified": modified})
}

// Delete removes a notification from the caller's feed.
// DELETE /api/notifications/{id}
func (h *NotificationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.uc.Delete(r.Context(), chi.URLParam(r, "id"), UserID(r.Context())); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Unread returns the unread census grouped by type and priority.
// GET /api/notifications/unread
func (h *NotificationHandler) Unread(w http.ResponseWriter, r *http.Request) {
	counts, err := h.uc.Unread(r.Context(), UserID(r.Context()))
	if err != nil {
		fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, counts)
}

// TrackAction records an engagement event (impression, click, conversion).
// POST /api/notifications/{id}/track
func (h *NotificationHandler) TrackAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	snapshot, err := h.uc.TrackAction(r.Context(), chi.URLParam(r, "id"), UserID(r.Context()), req.Action)
	if err != nil {
		fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, snapshot)
}

// ----------------------
// Preference Handlers
// ----------------------

// GetPreferences seeds defaults for first-time callers.
// GET /api/preferences
func (h *NotificationHandler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	pref, err := h.uc.GetPreferences(r.Context(), UserID(r.Context()))
	if err != nil {
		fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, pref)
}

// UpdatePreferences replaces the caller's preference document.
// PUT /api/preferences
func (h *NotificationHandler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var pref domain.Preference
	if err := json.NewDecoder(r.Body).Decode(&pref); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	stored, err := h.uc.UpdatePreferences(r.Context(), UserID(r.Context()), &pref)
	if err != nil {
		fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, stored)
}

func parseListFilter(r *http.Request) repository.ListFilter {
	q := r.URL.Query()

	f := repository.ListFilter{UnreadOnly: q.Get("unread") == "true"}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))
	for _, t := range splitParam(q.Get("type")) {
		f.Types = append(f.Types, domain.NotificationType(t))
	}
	for _, p := range splitParam(q.Get("priority")) {
		f.Priorities = append(f.Priorities, domain.Priority(p))
	}
	return f
}

func splitParam(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
