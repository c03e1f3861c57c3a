package httphandler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"notification-service/internal/domain"
	"notification-service/internal/repository"
	"notification-service/internal/usecase"
	"notification-service/pkg/response"
)

// AdminHandler is the operator surface: queue introspection and control
// plus template management.
type AdminHandler struct {
	queueUC    *usecase.QueueAdminUsecase
	templateUC *usecase.TemplateUsecase
	logger     *zap.Logger
}

func NewAdminHandler(
	queueUC *usecase.QueueAdminUsecase,
	templateUC *usecase.TemplateUsecase,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		queueUC:    queueUC,
		templateUC: templateUC,
		logger:     logger,
	}
}

// ----------------------
// Queue Handlers
// ----------------------

// QueueStats returns a live queue census.
// GET /api/admin/queue/stats
func (h *AdminHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queueUC.Stats(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, stats)
}

// QueueHealth serves the cached health snapshot; ?refresh=true forces a
// rebuild.
// GET /api/admin/queue/health
func (h *AdminHandler) QueueHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := h.queueUC.Health(r.Context(), r.URL.Query().Get("refresh") == "true")
	if err != nil {
		fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, snap)
}

// ListJobs lists jobs in one state, newest finished first for terminal
// states.
// GET /api/admin/queue/jobs?state=failed&limit=50
func (h *AdminHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := h.queueUC.Jobs(r.Context(), r.URL.Query().Get("state"), limit)
	if err != nil {
		fail(w, err)
		return
	}
	if jobs == nil {
		jobs = []*domain.Job{}
	}
	response.JSON(w, http.StatusOK, jobs)
}

// GetJob returns one job with its payload and error history.
// GET /api/admin/queue/jobs/{id}
func (h *AdminHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.queueUC.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, job)
}

// RetryJob returns a failed job to its waiting lane with a fresh attempt
// budget.
// POST /api/admin/queue/jobs/{id}/retry
func (h *AdminHandler) RetryJob(w http.ResponseWriter, r *http.Request) {
	if err := h.queueUC.Retry(r.Context(), chi.URLParam(r, "id")); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveJob cancels a waiting or delayed job, or deletes a finished one.
// DELETE /api/admin/queue/jobs/{id}
func (h *AdminHandler) RemoveJob(w http.ResponseWriter, r *http.Request) {
	if err := h.queueUC.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PauseQueue stops dequeues; enqueues still land.
// POST /api/admin/queue/pause
func (h *AdminHandler) PauseQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.queueUC.Pause(r.Context()); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResumeQueue re-enables dequeues.
// POST /api/admin/queue/resume
func (h *AdminHandler) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.queueUC.Resume(r.Context()); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CleanupQueue runs the retention sweep now.
// POST /api/admin/queue/cleanup
func (h *AdminHandler) CleanupQueue(w http.ResponseWriter, r *http.Request) {
	removed, err := h.queueUC.CleanUp(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

// ----------------------
// Template Handlers
// ----------------------

// CreateTemplate stores a new template version after a compile check.
// POST /api/admin/templates
func (h *AdminHandler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var t domain.Template
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := h.templateUC.Create(r.Context(), &t)
	if err != nil {
		fail(w, err)
		return
	}
	response.JSON(w, http.StatusCreated, created)
}

// ListTemplates lists stored templates.
// GET /api/admin/templates?type=&active=&limit=&offset=
func (h *AdminHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.TemplateFilter{
		Type:       domain.NotificationType(q.Get("type")),
		ActiveOnly: q.Get("active") == "true",
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	items, err := h.templateUC.List(r.Context(), filter)
	if err != nil {
		fail(w, err)
		return
	}
	if items == nil {
		items = []*domain.Template{}
	}
	response.JSON(w, http.StatusOK, items)
}

// GetTemplate returns one template; no version means latest active.
// GET /api/admin/templates/{templateID}?version=
func (h *AdminHandler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := h.templateUC.Get(r.Context(), chi.URLParam(r, "templateID"), r.URL.Query().Get("version"))
	if err != nil {
		fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, t)
}

// SetTemplateActive toggles a version's active flag.
// POST /api/admin/templates/{templateID}/{version}/active
func (h *AdminHandler) SetTemplateActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.templateUC.SetActive(r.Context(), chi.URLParam(r, "templateID"), chi.URLParam(r, "version"), req.Active)
	if err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteTemplate removes one stored version.
// DELETE /api/admin/templates/{templateID}/{version}
func (h *AdminHandler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	err := h.templateUC.Delete(r.Context(), chi.URLParam(r, "templateID"), chi.URLParam(r, "version"))
	if err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ValidateTemplate checks template sources without storing anything.
// POST /api/admin/templates/validate
func (h *AdminHandler) ValidateTemplate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title   string                  `json:"title_template"`
		Message string                  `json:"message_template"`
		Actions []domain.ActionTemplate `json:"action_templates"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	response.JSON(w, http.StatusOK, h.templateUC.Validate(req.Title, req.Message, req.Actions))
}

// PreviewTemplate renders a stored template against sample variables.
// POST /api/admin/templates/{templateID}/preview
func (h *AdminHandler) PreviewTemplate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version   string                 `json:"version"`
		Variables map[string]interface{} `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	out, err := h.templateUC.Preview(r.Context(), chi.URLParam(r, "templateID"), req.Version, req.Variables)
	if err != nil {
		fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, out)
}

// TemplateUsage returns rolling render statistics for a version.
// GET /api/admin/templates/{templateID}/usage?version=
func (h *AdminHandler) TemplateUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := h.templateUC.Usage(r.Context(), chi.URLParam(r, "templateID"), r.URL.Query().Get("version"))
	if err != nil {
		fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, usage)
}

// InvalidateTemplateCache drops cached compiled units for a template.
// POST /api/admin/templates/{templateID}/invalidate
func (h *AdminHandler) InvalidateTemplateCache(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.templateUC.InvalidateCache(r.Context(), chi.URLParam(r, "templateID"), req.Version); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
