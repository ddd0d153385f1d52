package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-agent/internal/autosave"
	"github.com/stemsi/exstem-agent/internal/engine"
	"github.com/stemsi/exstem-agent/internal/remote"
	"github.com/stemsi/exstem-agent/internal/response"
	"github.com/stemsi/exstem-agent/internal/submission"
	"github.com/stemsi/exstem-agent/internal/validator"
)

// SessionHandler serves the kiosk's answer, flag, save and submit actions.
type SessionHandler struct {
	engine *engine.Engine
	log    zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(e *engine.Engine, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		engine: e,
		log:    log.With().Str("component", "session_handler").Logger(),
	}
}

// setAnswerRequest accepts any JSON answer, including null or "" to clear it.
type setAnswerRequest struct {
	Answer json.RawMessage `json:"answer"`
}

// GetSession godoc
// GET /api/v1/session
// Returns status, remaining time, answer sync states, flags and violations.
func (h *SessionHandler) GetSession(c *gin.Context) {
	response.Success(c, http.StatusOK, h.engine.View())
}

// SetAnswer godoc
// PUT /api/v1/session/answers/:question_id
// Records the answer locally; autosave pushes it.
func (h *SessionHandler) SetAnswer(c *gin.Context) {
	questionID, ok := questionParam(c)
	if !ok {
		return
	}

	var req setAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	rec, err := h.engine.SetAnswer(questionID, req.Answer)
	if err != nil {
		h.failEngine(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"question_id": rec.QuestionID,
		"version":     rec.Version,
		"sync_state":  rec.SyncState,
	})
}

// FocusQuestion godoc
// POST /api/v1/session/questions/:question_id/focus
// Moves time-spent accounting to the question.
func (h *SessionHandler) FocusQuestion(c *gin.Context) {
	questionID, ok := questionParam(c)
	if !ok {
		return
	}
	if err := h.engine.FocusQuestion(questionID); err != nil {
		h.failEngine(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"question_id": questionID})
}

// ToggleFlag godoc
// POST /api/v1/session/questions/:question_id/flag
// Toggles the review flag; the remote store is updated synchronously.
func (h *SessionHandler) ToggleFlag(c *gin.Context) {
	questionID, ok := questionParam(c)
	if !ok {
		return
	}
	flagged, err := h.engine.ToggleFlag(c.Request.Context(), questionID)
	if err != nil {
		h.failEngine(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"question_id": questionID, "flagged": flagged})
}

// SaveNow godoc
// POST /api/v1/session/save
// Pushes every dirty answer and reports the outcome.
func (h *SessionHandler) SaveNow(c *gin.Context) {
	res, err := h.engine.SaveNow(c.Request.Context())
	if err != nil {
		h.failEngine(c, err)
		return
	}
	status := http.StatusOK
	if len(res.Pending) > 0 {
		status = http.StatusAccepted
	}
	response.Success(c, status, gin.H{
		"saved":    res.Saved,
		"pending":  res.Pending,
		"rejected": res.Rejected,
	})
}

// Submit godoc
// POST /api/v1/session/submit
// Validates required questions, flushes answers and submits the attempt.
func (h *SessionHandler) Submit(c *gin.Context) {
	result, err := h.engine.Submit(c.Request.Context())
	if err != nil {
		h.failEngine(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"status": h.engine.Status(),
		"result": result,
	})
}

func questionParam(c *gin.Context) (string, bool) {
	id := c.Param("question_id")
	if !validator.ValidQuestionID(id) {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return "", false
	}
	return id, true
}

// failEngine maps engine, autosave, submission and remote errors onto the
// bridge error catalogue.
func (h *SessionHandler) failEngine(c *gin.Context, err error) {
	var (
		verr *submission.ValidationError
		serr *submission.SubmitError
		aerr *autosave.SaveError
		rerr *remote.Error
	)
	switch {
	case errors.As(err, &verr):
		fields := make(map[string]string, len(verr.Missing))
		for _, id := range verr.Missing {
			fields[id] = "wajib diisi"
		}
		response.FailWithFields(c, http.StatusUnprocessableEntity, response.ErrRequiredUnanswered, fields)
	case errors.Is(err, engine.ErrInvalidQuestion):
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
	case errors.Is(err, engine.ErrNotActive), errors.Is(err, submission.ErrNotInProgress):
		response.Fail(c, http.StatusConflict, response.ErrSessionNotActive)
	case errors.Is(err, submission.ErrAlreadySubmitted):
		response.Fail(c, http.StatusConflict, response.ErrAlreadySubmitted)
	case errors.Is(err, submission.ErrExpired), errors.Is(err, autosave.ErrDeadline):
		response.Fail(c, http.StatusConflict, response.ErrTimeExpired)
	case errors.Is(err, submission.ErrFlushFailed):
		response.FailWithDetail(c, http.StatusServiceUnavailable, response.ErrSyncFailed, err.Error())
	case errors.As(err, &serr):
		response.FailWithDetail(c, http.StatusServiceUnavailable, response.ErrSubmitPending, serr.Error())
	case errors.As(err, &aerr) && aerr.Blocking():
		response.FailWithDetail(c, http.StatusUnprocessableEntity, response.ErrSaveBlocked, aerr.Error())
	case errors.As(err, &rerr):
		if rerr.Kind == remote.KindRetryable {
			response.FailWithDetail(c, http.StatusServiceUnavailable, response.ErrRemoteUnavailable, remote.ErrorMessage(err))
			return
		}
		response.FailWithDetail(c, http.StatusUnprocessableEntity, response.ErrRemoteRejected, remote.ErrorMessage(err))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		response.Fail(c, http.StatusServiceUnavailable, response.ErrRemoteUnavailable)
	default:
		h.log.Error().Err(err).Str("request_id", response.RequestIDFrom(c)).Msg("Unhandled session error")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}
