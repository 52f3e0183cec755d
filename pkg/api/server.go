// Package api exposes the query API over HTTP: starting verification
// sessions and polling their status, progress, and evidence ledger.
package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/verityhq/verity/pkg/database"
	"github.com/verityhq/verity/pkg/models"
	"github.com/verityhq/verity/pkg/store"
)

// SessionStore is the persistence surface the handlers read and write.
// Implemented by store.Store.
type SessionStore interface {
	IsMember(ctx context.Context, userID, workspaceID string) (bool, error)
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	GetProgress(ctx context.Context, sessionID string) (*models.ProgressRecord, error)
	GetLedger(ctx context.Context, sessionID string) (*store.Ledger, error)
	SetProgress(ctx context.Context, record models.ProgressRecord) error
}

// Scheduler hands accepted sessions to the execution queue.
// Implemented by queue.Runner.
type Scheduler interface {
	Schedule(session *models.Session, history []models.ConversationTurn)
	CancelSession(sessionID string) bool
	ActiveCount() int
}

// Server is the HTTP API server.
type Server struct {
	store     SessionStore
	scheduler Scheduler
	db        *sql.DB // health checks only; nil in handler tests
}

// NewServer creates the API server.
func NewServer(store SessionStore, scheduler Scheduler, db *sql.DB) *Server {
	return &Server{store: store, scheduler: scheduler, db: db}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), securityHeaders(), requestLogger())

	router.GET("/health", s.health)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/queries", s.startQuery)
		v1.GET("/sessions/:id", s.getSession)
		v1.GET("/sessions/:id/progress", s.getProgress)
		v1.GET("/sessions/:id/ledger", s.getLedger)
		v1.POST("/sessions/:id/cancel", s.cancelSession)
	}

	return router
}

func (s *Server) health(c *gin.Context) {
	activeSessions := s.scheduler.ActiveCount()
	if s.db == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "active_sessions": activeSessions})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.db)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": dbHealth})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"database":        dbHealth,
		"active_sessions": activeSessions,
	})
}
