package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/shelfsync/internal/activity"
	"github.com/MarcoPoloResearchLab/shelfsync/internal/content"
)

func (h *httpHandler) handleListGroups(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"groups": h.groups.Groups()})
}

func queryLimit(c *gin.Context) (int, bool) {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, false
	}
	return limit, true
}

func (h *httpHandler) handleListPosts(c *gin.Context) {
	group := currentGroup(c)
	limit, ok := queryLimit(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}
	order := content.OrderRecent
	switch strings.ToLower(strings.TrimSpace(c.Query("order"))) {
	case "", string(content.OrderRecent):
	case string(content.OrderHot):
		order = content.OrderHot
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_order"})
		return
	}

	posts, err := h.content.ListPosts(c.Request.Context(), group.ID, content.PostQuery{Order: order, Limit: limit})
	if err != nil {
		h.logger.Error("failed to list posts", zap.String("group_id", group.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	response := make([]postPayload, 0, len(posts))
	for _, post := range posts {
		response = append(response, newPostPayload(post))
	}
	c.JSON(http.StatusOK, gin.H{"posts": response})
}

func (h *httpHandler) handleListComments(c *gin.Context) {
	group := currentGroup(c)
	comments, err := h.content.ListComments(c.Request.Context(), group.ID, c.Param("postID"))
	if err != nil {
		h.logger.Error("failed to list comments", zap.String("group_id", group.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	response := make([]commentPayload, 0, len(comments))
	for _, comment := range comments {
		response = append(response, newCommentPayload(comment))
	}
	c.JSON(http.StatusOK, gin.H{"comments": response})
}

type publishPostRequest struct {
	Title   string           `json:"title"`
	Content string           `json:"content"`
	Images  []activity.Image `json:"images"`
}

type publishCommentRequest struct {
	InReplyTo string           `json:"in_reply_to"`
	Content   string           `json:"content"`
	Images    []activity.Image `json:"images"`
}

func (h *httpHandler) handlePublishPost(c *gin.Context) {
	if h.publisher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "publishing_disabled"})
		return
	}
	var request publishPostRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	group := currentGroup(c)
	post, err := h.publisher.PublishPost(c.Request.Context(), group, content.PostDraft{
		Title:   request.Title,
		Content: request.Content,
		Images:  request.Images,
	})
	if err != nil {
		h.writePublishError(c, group.ID, err)
		return
	}
	c.JSON(http.StatusAccepted, newPostPayload(post))
}

func (h *httpHandler) handlePublishComment(c *gin.Context) {
	if h.publisher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "publishing_disabled"})
		return
	}
	var request publishCommentRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	group := currentGroup(c)
	comment, err := h.publisher.PublishComment(c.Request.Context(), group, content.CommentDraft{
		InReplyTo: request.InReplyTo,
		Content:   request.Content,
		Images:    request.Images,
	})
	if err != nil {
		h.writePublishError(c, group.ID, err)
		return
	}
	c.JSON(http.StatusAccepted, newCommentPayload(comment))
}

func (h *httpHandler) writePublishError(c *gin.Context, groupID string, err error) {
	if errors.Is(err, content.ErrParentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "parent_not_found"})
		return
	}
	var serviceErr *content.ServiceError
	if errors.As(err, &serviceErr) {
		code := serviceErr.Code()
		switch {
		case strings.HasSuffix(code, ".empty_content"), strings.HasSuffix(code, ".missing_parent_id"), strings.HasSuffix(code, ".missing_user"):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": code})
			return
		case strings.HasSuffix(code, ".post_failed"):
			h.logger.Warn("node rejected activity", zap.String("group_id", groupID), zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "node_unavailable"})
			return
		}
	}
	h.logger.Error("failed to publish activity", zap.String("group_id", groupID), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "publish_failed"})
}

func (h *httpHandler) handleListBooks(c *gin.Context) {
	group := currentGroup(c)
	books, err := h.content.ListBooks(c.Request.Context(), group.ID)
	if err != nil {
		h.logger.Error("failed to list books", zap.String("group_id", group.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	response := make([]bookPayload, 0, len(books))
	for _, book := range books {
		response = append(response, newBookPayload(book))
	}
	c.JSON(http.StatusOK, gin.H{"books": response})
}

func (h *httpHandler) serveBuffer(kind content.BufferKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		group := currentGroup(c)
		buffer, err := h.content.ObjectBuffer(c.Request.Context(), group.ID, c.Param("objectID"), kind)
		if errors.Is(err, content.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		if err != nil {
			h.logger.Error("failed to load buffer", zap.String("group_id", group.ID), zap.String("kind", string(kind)), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
			return
		}
		mediaType := buffer.MediaType
		if mediaType == "" {
			mediaType = "application/octet-stream"
		}
		c.Data(http.StatusOK, mediaType, buffer.Buffer)
	}
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	group := currentGroup(c)
	limit, ok := queryLimit(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}
	notifications, err := h.content.ListNotifications(c.Request.Context(), group.ID, limit)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.String("group_id", group.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	response := make([]notificationPayload, 0, len(notifications))
	for _, notification := range notifications {
		response = append(response, newNotificationPayload(notification))
	}
	c.JSON(http.StatusOK, gin.H{"notifications": response})
}

func (h *httpHandler) handleProfile(c *gin.Context) {
	group := currentGroup(c)
	profile, err := h.content.Profile(c.Request.Context(), group.ID, c.Param("address"))
	if errors.Is(err, content.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load profile", zap.String("group_id", group.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	c.JSON(http.StatusOK, newProfilePayload(profile))
}
