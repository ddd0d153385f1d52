package handler

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-agent/internal/engine"
	"github.com/stemsi/exstem-agent/internal/repository"
	"github.com/stemsi/exstem-agent/internal/response"
)

// SystemHandler reports agent runtime figures and durable queue depths.
type SystemHandler struct {
	engine     *engine.Engine
	offline    *repository.OfflineAnswerRepository
	violations *repository.ViolationQueueRepository
	pending    *repository.PendingSubmissionRepository
	startTime  time.Time
	log        zerolog.Logger
}

func NewSystemHandler(e *engine.Engine, kv repository.KV, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		engine:     e,
		offline:    repository.NewOfflineAnswerRepository(kv),
		violations: repository.NewViolationQueueRepository(kv),
		pending:    repository.NewPendingSubmissionRepository(kv),
		startTime:  time.Now(),
		log:        log.With().Str("component", "system_handler").Logger(),
	}
}

type systemStatus struct {
	Uptime     string `json:"uptime"`
	GoVersion  string `json:"go_version"`
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`

	// Durable queues
	QueueOfflineAnswers int  `json:"queue_offline_answers"`
	QueueViolations     int  `json:"queue_violations"`
	PendingSubmission   bool `json:"pending_submission"`
}

// GetSystem godoc
// GET /api/v1/system
func (h *SystemHandler) GetSystem(c *gin.Context) {
	ctx := c.Request.Context()
	sid := h.engine.SubmissionID()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	st := systemStatus{
		Uptime:     formatDuration(time.Since(h.startTime)),
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  ms.HeapAlloc,
	}

	offline, err := h.offline.List(ctx, sid)
	if err != nil {
		h.log.Error().Err(err).Msg("List offline answers failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	violations, err := h.violations.List(ctx, sid)
	if err != nil {
		h.log.Error().Err(err).Msg("List violations failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	pending, err := h.pending.Get(ctx, sid)
	if err != nil {
		h.log.Error().Err(err).Msg("Get pending submission failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	st.QueueOfflineAnswers = len(offline)
	st.QueueViolations = len(violations)
	st.PendingSubmission = pending != nil

	response.Success(c, http.StatusOK, st)
}

// ---------- Helpers ----------

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
