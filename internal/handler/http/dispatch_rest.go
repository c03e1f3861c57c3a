package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"notification-service/internal/dispatch"
	"notification-service/internal/domain"
	"notification-service/internal/queue"
	"notification-service/pkg/response"
)

// DispatchHandler is the producer surface: trusted services submit drafts
// here and get back a job id to track.
type DispatchHandler struct {
	disp   *dispatch.Dispatcher
	logger *zap.Logger
}

func NewDispatchHandler(disp *dispatch.Dispatcher, logger *zap.Logger) *DispatchHandler {
	return &DispatchHandler{disp: disp, logger: logger}
}

type enqueueOptions struct {
	MaxAttempts int   `json:"max_attempts,omitempty"`
	BackoffMS   int64 `json:"backoff_ms,omitempty"`
	DelayMS     int64 `json:"delay_ms,omitempty"`
	BatchSize   int   `json:"batch_size,omitempty"`
}

func (o enqueueOptions) toQueue() queue.EnqueueOptions {
	return queue.EnqueueOptions{
		MaxAttempts: o.MaxAttempts,
		Backoff:     time.Duration(o.BackoffMS) * time.Millisecond,
		Delay:       time.Duration(o.DelayMS) * time.Millisecond,
		BatchSize:   o.BatchSize,
	}
}

// Send enqueues one notification for one recipient.
// POST /api/dispatch/send
func (h *DispatchHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Draft   domain.Draft   `json:"draft"`
		Options enqueueOptions `json:"options"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	jobID, err := h.disp.EnqueueSingle(r.Context(), &req.Draft, req.Options.toQueue())
	if err != nil {
		fail(w, err)
		return
	}
	response.JSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// SendBatch enqueues independent drafts as one job.
// POST /api/dispatch/send/batch
func (h *DispatchHandler) SendBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Drafts  []domain.Draft `json:"drafts"`
		Options enqueueOptions `json:"options"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	jobID, err := h.disp.EnqueueBatch(r.Context(), req.Drafts, req.Options.toQueue())
	if err != nil {
		fail(w, err)
		return
	}
	response.JSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// SendBroadcast enqueues one draft for a list of recipients; the worker
// fans it out in sub-batches.
// POST /api/dispatch/send/broadcast
func (h *DispatchHandler) SendBroadcast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Draft        domain.Draft   `json:"draft"`
		RecipientIDs []string       `json:"recipient_ids"`
		Options      enqueueOptions `json:"options"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	jobID, err := h.disp.EnqueueBroadcast(r.Context(), &req.Draft, req.RecipientIDs, req.Options.toQueue())
	if err != nil {
		fail(w, err)
		return
	}
	h.logger.Info("broadcast accepted",
		zap.String("job_id", jobID),
		zap.Int("recipients", len(req.RecipientIDs)))
	response.JSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// SendDelayed schedules a send for a future time.
// POST /api/dispatch/send/delayed
func (h *DispatchHandler) SendDelayed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Draft     domain.Draft   `json:"draft"`
		ProcessAt time.Time      `json:"process_at"`
		Options   enqueueOptions `json:"options"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	jobID, err := h.disp.EnqueueDelayed(r.Context(), &req.Draft, req.ProcessAt, req.Options.toQueue())
	if err != nil {
		fail(w, err)
		return
	}
	response.JSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}
