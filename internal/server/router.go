// Package server exposes the local projection over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/shelfsync/internal/content"
	"github.com/MarcoPoloResearchLab/shelfsync/internal/engine"
)

const (
	subjectContextKey = "shelfsync_subject"
	groupContextKey   = "shelfsync_group"

	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingContentService = errors.New("content service dependency required")
	errMissingGroupDirectory = errors.New("group directory dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator checks a bearer token and returns its subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// GroupDirectory resolves the groups the engine is synchronizing.
type GroupDirectory interface {
	Groups() []engine.GroupStatus
	Group(groupID string) (content.Group, bool)
}

// ContentPublisher posts local activities to the node.
type ContentPublisher interface {
	PublishPost(ctx context.Context, group content.Group, draft content.PostDraft) (content.Post, error)
	PublishComment(ctx context.Context, group content.Group, draft content.CommentDraft) (content.Comment, error)
}

type Dependencies struct {
	Tokens    TokenValidator
	Content   *content.Service
	Publisher ContentPublisher
	Groups    GroupDirectory
	Realtime  *RealtimeDispatcher
	// Metrics is served on /metrics when set.
	Metrics           prometheus.Gatherer
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Content == nil {
		return nil, errMissingContentService
	}
	if deps.Groups == nil {
		return nil, errMissingGroupDirectory
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:    deps.Tokens,
		content:   deps.Content,
		publisher: deps.Publisher,
		groups:    deps.Groups,
		realtime:  realtime,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{})))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/groups", handler.handleListGroups)

	group := protected.Group("/groups/:groupID")
	group.Use(handler.resolveGroup)
	group.GET("/posts", handler.handleListPosts)
	group.POST("/posts", handler.handlePublishPost)
	group.GET("/posts/:postID/comments", handler.handleListComments)
	group.POST("/comments", handler.handlePublishComment)
	group.GET("/books", handler.handleListBooks)
	group.GET("/books/:objectID/file", handler.serveBuffer(content.BufferBookFile))
	group.GET("/books/:objectID/embedded-cover", handler.serveBuffer(content.BufferEmbeddedCover))
	group.GET("/covers/:objectID/image", handler.serveBuffer(content.BufferCoverImage))
	group.GET("/notifications", handler.handleListNotifications)
	group.GET("/profiles/:address", handler.handleProfile)
	group.GET("/stream", handler.handleStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	tokens    TokenValidator
	content   *content.Service
	publisher ContentPublisher
	groups    GroupDirectory
	realtime  *RealtimeDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "groups": len(h.groups.Groups())})
}

// authorizeRequest accepts a bearer header, or an access_token query parameter
// for EventSource clients that cannot set headers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	} else if header == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

func (h *httpHandler) resolveGroup(c *gin.Context) {
	group, ok := h.groups.Group(c.Param("groupID"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown_group"})
		return
	}
	c.Set(groupContextKey, group)
	c.Next()
}

func currentGroup(c *gin.Context) content.Group {
	value, _ := c.Get(groupContextKey)
	group, _ := value.(content.Group)
	return group
}
