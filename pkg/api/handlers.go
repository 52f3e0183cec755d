package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/verityhq/verity/pkg/models"
	"github.com/verityhq/verity/pkg/store"
)

// startQuery handles POST /api/v1/queries: verify membership, create the
// session, initialize progress, schedule the pipeline, return immediately.
func (s *Server) startQuery(c *gin.Context) {
	userID := extractUser(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "authentication required"})
		return
	}

	var req StartQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	mode := models.SessionMode(req.Mode)
	if req.Mode == "" {
		mode = models.ModeAnswer
	}
	if !models.ValidMode(mode) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "mode must be \"answer\" or \"draft\""})
		return
	}

	ctx := c.Request.Context()
	member, err := s.store.IsMember(ctx, userID, req.WorkspaceID)
	if err != nil {
		s.internalError(c, "membership check failed", err)
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: store.ErrForbidden.Error()})
		return
	}

	session := &models.Session{
		ID:          uuid.NewString(),
		WorkspaceID: req.WorkspaceID,
		UserID:      userID,
		Query:       req.Query,
		Mode:        mode,
		Status:      models.SessionStatusProcessing,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		s.internalError(c, "session creation failed", err)
		return
	}
	if err := s.store.SetProgress(ctx, models.ProgressRecord{
		SessionID: session.ID,
		Phase:     models.PhaseRetrieval,
		Status:    models.ProgressPending,
	}); err != nil {
		s.internalError(c, "progress initialization failed", err)
		return
	}

	s.scheduler.Schedule(session, req.History)

	c.JSON(http.StatusAccepted, StartQueryResponse{
		SessionID: session.ID,
		Status:    string(models.SessionStatusProcessing),
	})
}

// getSession handles GET /api/v1/sessions/:id. Status is the sole truth
// source for readiness; response is empty until completed.
func (s *Server) getSession(c *gin.Context) {
	session, ok := s.authorizeSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, session)
}

// getProgress handles GET /api/v1/sessions/:id/progress.
func (s *Server) getProgress(c *gin.Context) {
	session, ok := s.authorizeSession(c)
	if !ok {
		return
	}
	record, err := s.store.GetProgress(c.Request.Context(), session.ID)
	if err != nil {
		s.mapStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// getLedger handles GET /api/v1/sessions/:id/ledger: the latest judged
// claims and evidence.
func (s *Server) getLedger(c *gin.Context) {
	session, ok := s.authorizeSession(c)
	if !ok {
		return
	}
	ledger, err := s.store.GetLedger(c.Request.Context(), session.ID)
	if err != nil {
		s.mapStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, ledger)
}

// cancelSession handles POST /api/v1/sessions/:id/cancel.
func (s *Server) cancelSession(c *gin.Context) {
	session, ok := s.authorizeSession(c)
	if !ok {
		return
	}
	if session.Status != models.SessionStatusProcessing {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "session already finished"})
		return
	}
	if !s.scheduler.CancelSession(session.ID) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "session is not running on this instance"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": session.ID, "status": "cancelling"})
}

// authorizeSession loads the session from the :id parameter and enforces
// workspace membership. On failure it writes the error response and returns
// ok=false.
func (s *Server) authorizeSession(c *gin.Context) (*models.Session, bool) {
	userID := extractUser(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "authentication required"})
		return nil, false
	}

	ctx := c.Request.Context()
	session, err := s.store.GetSession(ctx, c.Param("id"))
	if err != nil {
		s.mapStoreError(c, err)
		return nil, false
	}

	member, err := s.store.IsMember(ctx, userID, session.WorkspaceID)
	if err != nil {
		s.internalError(c, "membership check failed", err)
		return nil, false
	}
	if !member {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: store.ErrForbidden.Error()})
		return nil, false
	}
	return session, true
}

func (s *Server) mapStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, store.ErrForbidden):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: err.Error()})
	default:
		s.internalError(c, "store operation failed", err)
	}
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	slog.Error(msg, "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
}
