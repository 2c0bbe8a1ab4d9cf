// Package api provides the submit-and-poll HTTP surface: a question enters
// the saga pipeline here and its terminal result is read back from the
// state store.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nadermedhet148/sql-insight-engine/pkg/account"
	"github.com/nadermedhet148/sql-insight-engine/pkg/broker"
	"github.com/nadermedhet148/sql-insight-engine/pkg/saga"
	"github.com/nadermedhet148/sql-insight-engine/pkg/state"
)

// Users is the account-store surface the API needs.
type Users interface {
	GetUser(ctx context.Context, userID int64) (*account.User, error)
	GetDBConfig(ctx context.Context, userID int64) (saga.DBConfig, error)
	DecrementQuota(ctx context.Context, userID int64) error
	RefundQuota(ctx context.Context, userID int64) error
	LogUsage(ctx context.Context, userID int64, queryText string) error
}

// Publisher publishes the Initiated message.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg broker.Metadated) error
}

// States is the state-store surface the API needs.
type States interface {
	MarkPending(ctx context.Context, sagaID string, initial map[string]any) error
	GetStatus(ctx context.Context, sagaID string) (string, error)
	GetResult(ctx context.Context, sagaID string) (map[string]any, error)
}

// QueryRequest is the body of POST /users/:user_id/query/async.
type QueryRequest struct {
	Question string `json:"question" binding:"required"`
}

// QueryAsyncResponse acknowledges an accepted question.
type QueryAsyncResponse struct {
	SagaID         string `json:"saga_id"`
	Status         string `json:"status"`
	Message        string `json:"message"`
	StatusEndpoint string `json:"status_endpoint"`
}

// QueryStatusResponse reports saga progress to the poller.
type QueryStatusResponse struct {
	SagaID  string         `json:"saga_id"`
	Status  string         `json:"status"`
	Result  map[string]any `json:"result,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Server wires the handlers' dependencies.
type Server struct {
	users     Users
	publisher Publisher
	states    States
	logger    *slog.Logger
}

// NewServer creates the API server.
func NewServer(users Users, publisher Publisher, states States) *Server {
	return &Server{
		users:     users,
		publisher: publisher,
		states:    states,
		logger:    slog.Default(),
	}
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	users := router.Group("/users")
	users.POST("/:user_id/query/async", s.handleQueryAsync)
	users.GET("/:user_id/query/status/:saga_id", s.handleQueryStatus)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}

// handleQueryAsync validates the user, consumes quota, and starts the saga.
func (s *Server) handleQueryAsync(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid user id"})
		return
	}

	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	ctx := c.Request.Context()

	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, account.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "User not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}

	dbCfg, err := s.users.GetDBConfig(ctx, userID)
	if err != nil {
		if errors.Is(err, account.ErrNoDBConfig) {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Database not configured for this user"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}

	if err := s.users.DecrementQuota(ctx, userID); err != nil {
		if errors.Is(err, account.ErrQuotaExceeded) {
			c.JSON(http.StatusForbidden, gin.H{"detail": "Query quota exceeded"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}

	sagaID := uuid.NewString()
	log := s.logger.With("saga_id", sagaID, "user_id", userID)
	log.Info("New async query request", "question", req.Question)

	msg := &saga.InitiatedMessage{
		Envelope: saga.Envelope{
			SagaID:    sagaID,
			UserID:    userID,
			AccountID: user.AccountID,
			Question:  req.Question,
		},
		DBConfig: dbCfg,
	}

	if err := s.states.MarkPending(ctx, sagaID, map[string]any{
		"question":   req.Question,
		"user_id":    userID,
		"account_id": user.AccountID,
	}); err != nil {
		log.Warn("Failed to mark saga pending", "error", err)
	}

	if err := s.publisher.Publish(ctx, broker.QueueGenerateQuery, msg); err != nil {
		log.Error("Failed to publish to saga queue", "error", err)
		if refundErr := s.users.RefundQuota(ctx, userID); refundErr != nil {
			log.Warn("Failed to refund quota", "error", refundErr)
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"detail": fmt.Sprintf("Failed to initiate query processing: %v", err),
		})
		return
	}

	if err := s.users.LogUsage(ctx, userID, req.Question); err != nil {
		log.Warn("Failed to write usage log", "error", err)
	}

	log.Info("Saga started")
	c.JSON(http.StatusOK, QueryAsyncResponse{
		SagaID:         sagaID,
		Status:         "processing",
		Message:        "Query is being processed asynchronously",
		StatusEndpoint: fmt.Sprintf("/users/%d/query/status/%s", userID, sagaID),
	})
}

// handleQueryStatus reports the saga's current state.
func (s *Server) handleQueryStatus(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid user id"})
		return
	}
	sagaID := c.Param("saga_id")
	ctx := c.Request.Context()

	if _, err := s.users.GetUser(ctx, userID); err != nil {
		if errors.Is(err, account.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "User not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}

	status, err := s.states.GetStatus(ctx, sagaID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	result, err := s.states.GetResult(ctx, sagaID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}

	resp := QueryStatusResponse{SagaID: sagaID, Status: status, Result: result}
	switch {
	case status == state.StatusCompleted && result != nil:
		resp.Message = "Query completed successfully"
	case status == state.StatusError && result != nil:
		if msg, ok := result["error_message"].(string); ok && msg != "" {
			resp.Message = msg
		} else {
			resp.Message = "Query processing failed"
		}
	default:
		resp.Status = state.StatusPending
		resp.Message = "Query is still being processed"
	}
	c.JSON(http.StatusOK, resp)
}
