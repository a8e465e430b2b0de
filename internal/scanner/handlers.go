package scanner

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Aguti1902/iqmind-sub000/internal/logging"
	"github.com/Aguti1902/iqmind-sub000/internal/signals"
	"github.com/Aguti1902/iqmind-sub000/internal/store"
	"github.com/Aguti1902/iqmind-sub000/internal/validation"
)

// Handler provides HTTP endpoints for triggering evaluations.
type Handler struct {
	engine *Engine
}

// NewHandler creates an evaluation handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up evaluation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/evaluations/test-submission", h.TestSubmission)
	r.POST("/evaluations/support-email", h.SupportEmail)
	r.POST("/evaluations/users/:id", h.User)
}

// TestSubmissionRequest is one completed test session from the test UI.
type TestSubmissionRequest struct {
	UserID string `json:"userId"`
	Email  string `json:"email" binding:"required"`
	// No required binding: a zero elapsed time is a legitimate (and maximally
	// suspicious) submission, and required rejects zero values.
	TimeElapsedSeconds int    `json:"timeElapsedSeconds"`
	CorrectAnswers     int    `json:"correctAnswers"`
	TotalQuestions     int    `json:"totalQuestions" binding:"required"`
	Answers            []*int `json:"answers"`
}

// TestSubmission evaluates a completed test session.
func (h *Handler) TestSubmission(c *gin.Context) {
	var req TestSubmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !validation.ValidEmail(req.Email) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid email"})
		return
	}
	if req.TimeElapsedSeconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "timeElapsedSeconds must not be negative"})
		return
	}

	out, err := h.engine.EvaluateTestSubmission(c.Request.Context(), signals.TestTelemetry{
		UserID:             req.UserID,
		Email:              req.Email,
		TimeElapsedSeconds: req.TimeElapsedSeconds,
		CorrectAnswers:     req.CorrectAnswers,
		TotalQuestions:     req.TotalQuestions,
		Answers:            req.Answers,
	})
	if err != nil {
		logging.L(c.Request.Context()).Error("test submission evaluation failed",
			"user_id", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "evaluation failed"})
		return
	}
	c.JSON(http.StatusOK, outcomeResponse(out))
}

// SupportEmailRequest is one inbound support email.
type SupportEmailRequest struct {
	From    string `json:"from" binding:"required"`
	Subject string `json:"subject"`
	Body    string `json:"body" binding:"required"`
}

// SupportEmail evaluates an inbound support email for complaint signals.
func (h *Handler) SupportEmail(c *gin.Context) {
	var req SupportEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out, err := h.engine.EvaluateComplaint(c.Request.Context(),
		req.From, validation.Sanitize(req.Subject), validation.Sanitize(req.Body))
	if err != nil {
		logging.L(c.Request.Context()).Error("complaint evaluation failed",
			"from", req.From, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "evaluation failed"})
		return
	}
	c.JSON(http.StatusOK, outcomeResponse(out))
}

// User runs the account collectors over one user on demand.
func (h *Handler) User(c *gin.Context) {
	out, err := h.engine.EvaluateUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		logging.L(c.Request.Context()).Error("user evaluation failed",
			"user_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "evaluation failed"})
		return
	}
	c.JSON(http.StatusOK, outcomeResponse(out))
}

func outcomeResponse(out *Outcome) gin.H {
	resp := gin.H{
		"signals": out.Signals,
		"action":  out.Action,
	}
	if out.Signals == nil {
		resp["signals"] = []signals.RiskSignal{}
	}
	if out.Result != nil && out.Result.Downgraded {
		resp["downgraded"] = true
		resp["downgradeReason"] = out.Result.Reason
	}
	return resp
}
