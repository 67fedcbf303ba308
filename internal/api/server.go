package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Mohammed3MG/ainbox/internal/accounts"
	"github.com/Mohammed3MG/ainbox/internal/auth"
	mirrorsqlite "github.com/Mohammed3MG/ainbox/internal/mirror/sqlite"
	"github.com/Mohammed3MG/ainbox/internal/sync"
)

// Engine is the part of the scheduler the HTTP layer drives.
type Engine interface {
	Status() sync.Status
	ReconcileAccount(ctx context.Context, accountID int64) (*sync.Result, error)
	Nudge(ctx context.Context, accountID int64) bool
}

// Server exposes account linking, on-demand reconciliation, mirror
// inspection and the provider push webhooks.
type Server struct {
	engine   Engine
	registry *accounts.Registry
	mirror   *mirrorsqlite.Store
	verifier *auth.Verifier
	log      *zap.Logger
}

// NewServer wires the HTTP surface. verifier may be nil, which leaves
// the API endpoints unauthenticated; the push webhooks always are.
func NewServer(engine Engine, registry *accounts.Registry, mirror *mirrorsqlite.Store, verifier *auth.Verifier, log *zap.Logger) *Server {
	return &Server{
		engine:   engine,
		registry: registry,
		mirror:   mirror,
		verifier: verifier,
		log:      log,
	}
}

// Router builds the gin handler.
func (s *Server) Router() *gin.Engine {
	r := gin.Default()

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	push := r.Group("/push")
	{
		push.POST("/gmail", s.handleGmailPush)
		push.POST("/outlook", s.handleOutlookPush)
	}

	api := r.Group("/api")
	if s.verifier != nil {
		api.Use(s.requireUser)
	}
	{
		api.GET("/status", s.handleStatus)
		api.GET("/accounts", s.handleListAccounts)
		api.POST("/accounts", s.handleLinkAccount)
		api.POST("/accounts/:id/reconcile", s.handleReconcile)
		api.GET("/accounts/:id/counts", s.handleCounts)
		api.GET("/accounts/:id/messages", s.handleMessages)
	}

	return r
}

func (s *Server) requireUser(c *gin.Context) {
	user, err := s.verifier.UserFromRequest(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
		return
	}
	c.Set("user", user)
	c.Next()
}

func (s *Server) handleStatus(c *gin.Context) {
	states, err := s.mirror.SyncStates(c.Request.Context())
	if err != nil {
		s.log.Error("list sync states", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sync states"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"scheduler": s.engine.Status(),
		"accounts":  states,
	})
}

func (s *Server) handleListAccounts(c *gin.Context) {
	accts, err := s.registry.List(c.Request.Context())
	if err != nil {
		s.log.Error("list accounts", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list accounts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"accounts": accts, "count": len(accts)})
}

type linkRequest struct {
	Email         string `json:"email" binding:"required,email"`
	Provider      string `json:"provider" binding:"required"`
	CredentialRef string `json:"credential_ref" binding:"required"`
}

func (s *Server) handleLinkAccount(c *gin.Context) {
	var req linkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	provider := strings.ToUpper(req.Provider)
	switch sync.ProviderName(provider) {
	case sync.ProviderGoogle, sync.ProviderMicrosoft:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider must be GOOGLE or MICROSOFT"})
		return
	}

	account, err := s.registry.Link(c.Request.Context(), req.Email, provider, req.CredentialRef)
	if err != nil {
		s.log.Error("link account", zap.String("email", req.Email), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to link account"})
		return
	}

	c.JSON(http.StatusCreated, account)
}

func (s *Server) handleReconcile(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}

	res, err := s.engine.ReconcileAccount(c.Request.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, sync.ErrBusy):
			status = http.StatusConflict
		case errors.Is(err, sync.ErrUnknownAccount):
			status = http.StatusNotFound
		case errors.Is(err, sync.ErrAuthExpired), errors.Is(err, sync.ErrProviderUnavailable):
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, res)
}

func (s *Server) handleCounts(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	counts, err := s.mirror.CachedCounts(ctx, id)
	if err != nil {
		s.log.Error("load counts", zap.Int64("account_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load counts"})
		return
	}
	if counts == nil {
		// Never reconciled; fall back to the mirror's own aggregate.
		counts, err = s.mirror.AggregateCounts(ctx, id, sync.InboxLabel)
		if err != nil {
			s.log.Error("aggregate counts", zap.Int64("account_id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load counts"})
			return
		}
	}

	c.JSON(http.StatusOK, counts)
}

func (s *Server) handleMessages(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	msgs, err := s.mirror.ListMessages(c.Request.Context(), id, limit)
	if err != nil {
		s.log.Error("list messages", zap.Int64("account_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

// pubsubEnvelope is the Pub/Sub push wrapper around a Gmail watch
// notification.
type pubsubEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type gmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// handleGmailPush ingests a Gmail watch notification. The response is
// always 204: Pub/Sub redelivers on anything else, and a notification
// that cannot be matched to an account will not match on retry either.
func (s *Server) handleGmailPush(c *gin.Context) {
	defer c.Status(http.StatusNoContent)

	var env pubsubEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		s.log.Warn("gmail push: bad envelope", zap.Error(err))
		return
	}

	raw, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		s.log.Warn("gmail push: bad payload encoding", zap.Error(err))
		return
	}

	var note gmailNotification
	if err := json.Unmarshal(raw, &note); err != nil || note.EmailAddress == "" {
		s.log.Warn("gmail push: bad notification", zap.Error(err))
		return
	}

	account, err := s.registry.GetByEmail(c.Request.Context(), note.EmailAddress)
	if err != nil {
		s.log.Warn("gmail push: unknown mailbox", zap.String("email", note.EmailAddress))
		return
	}

	started := s.engine.Nudge(c.Request.Context(), account.ID)
	s.log.Debug("gmail push",
		zap.Int64("account_id", account.ID),
		zap.Uint64("history_id", note.HistoryID),
		zap.Bool("pass_started", started))
}

// handleOutlookPush ingests Graph change notifications. Subscription
// validation echoes the token back as plain text; notifications are
// acknowledged with 202 and the triggered passes run in the
// background. clientState carries the account id, set when the
// subscription was created.
func (s *Server) handleOutlookPush(c *gin.Context) {
	if token := c.Query("validationToken"); token != "" {
		c.String(http.StatusOK, token)
		return
	}

	var payload struct {
		Value []struct {
			ClientState string `json:"clientState"`
		} `json:"value"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		s.log.Warn("outlook push: bad payload", zap.Error(err))
		c.Status(http.StatusAccepted)
		return
	}

	for _, n := range payload.Value {
		id, err := strconv.ParseInt(n.ClientState, 10, 64)
		if err != nil {
			s.log.Warn("outlook push: bad client state", zap.String("client_state", n.ClientState))
			continue
		}
		started := s.engine.Nudge(c.Request.Context(), id)
		s.log.Debug("outlook push", zap.Int64("account_id", id), zap.Bool("pass_started", started))
	}

	c.Status(http.StatusAccepted)
}

func accountID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return 0, false
	}
	return id, true
}
