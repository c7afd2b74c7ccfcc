package content

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// PostOrder selects the ranking used by ListPosts.
type PostOrder string

const (
	OrderRecent PostOrder = "recent"
	OrderHot    PostOrder = "hot"
)

// PostQuery filters ListPosts.
type PostQuery struct {
	Order PostOrder
	Limit int
}

// BookView joins a book with its latest metadata and cover.
type BookView struct {
	Book     Book
	Metadata *BookMetadata
	Cover    *Cover
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// ListPosts returns visible posts of a group.
func (s *Service) ListPosts(ctx context.Context, groupID string, query PostQuery) ([]Post, error) {
	order := "timestamp_ns DESC"
	if query.Order == OrderHot {
		order = "hot_score DESC, timestamp_ns DESC"
	}
	var posts []Post
	if err := s.db.WithContext(ctx).
		Where("group_id = ? AND deleted = ?", groupID, false).
		Order(order).
		Limit(clampLimit(query.Limit)).
		Find(&posts).Error; err != nil {
		s.logError(opListPosts, "query_failed", err, zap.String("group_id", groupID))
		return nil, newServiceError(opListPosts, "query_failed", err)
	}
	return posts, nil
}

// ListComments returns the visible comments of a post in feed order.
func (s *Service) ListComments(ctx context.Context, groupID, postID string) ([]Comment, error) {
	var comments []Comment
	if err := s.db.WithContext(ctx).
		Where("group_id = ? AND post_id = ? AND deleted = ?", groupID, postID, false).
		Order("timestamp_ns ASC").
		Find(&comments).Error; err != nil {
		s.logError(opListComments, "query_failed", err, zap.String("group_id", groupID), zap.String("post_id", postID))
		return nil, newServiceError(opListComments, "query_failed", err)
	}
	return comments, nil
}

// ListBooks returns every known book of a group, complete or not.
func (s *Service) ListBooks(ctx context.Context, groupID string) ([]BookView, error) {
	db := s.db.WithContext(ctx)
	var books []Book
	if err := db.Where("group_id = ?", groupID).Order("timestamp_ns DESC").Find(&books).Error; err != nil {
		s.logError(opListBooks, "books_query_failed", err, zap.String("group_id", groupID))
		return nil, newServiceError(opListBooks, "books_query_failed", err)
	}
	var metadata []BookMetadata
	if err := db.Where("group_id = ?", groupID).Find(&metadata).Error; err != nil {
		s.logError(opListBooks, "metadata_query_failed", err, zap.String("group_id", groupID))
		return nil, newServiceError(opListBooks, "metadata_query_failed", err)
	}
	var covers []Cover
	if err := db.Where("group_id = ? AND complete = ?", groupID, true).Order("timestamp_ns DESC").Find(&covers).Error; err != nil {
		s.logError(opListBooks, "covers_query_failed", err, zap.String("group_id", groupID))
		return nil, newServiceError(opListBooks, "covers_query_failed", err)
	}

	metadataByBook := make(map[string]*BookMetadata, len(metadata))
	for index := range metadata {
		metadataByBook[metadata[index].BookID] = &metadata[index]
	}
	coverByBook := make(map[string]*Cover, len(covers))
	for index := range covers {
		if _, ok := coverByBook[covers[index].BookID]; !ok {
			coverByBook[covers[index].BookID] = &covers[index]
		}
	}

	views := make([]BookView, 0, len(books))
	for _, book := range books {
		views = append(views, BookView{
			Book:     book,
			Metadata: metadataByBook[book.BookID],
			Cover:    coverByBook[book.BookID],
		})
	}
	return views, nil
}

// ObjectBuffer returns a reassembled artifact, or ErrNotFound.
func (s *Service) ObjectBuffer(ctx context.Context, groupID, objectID string, kind BufferKind) (MultipartBuffer, error) {
	var buffer MultipartBuffer
	err := s.db.WithContext(ctx).
		Where("group_id = ? AND object_id = ? AND kind = ?", groupID, objectID, kind).
		Take(&buffer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return MultipartBuffer{}, ErrNotFound
	}
	if err != nil {
		s.logError(opObjectBuffer, "query_failed", err, zap.String("group_id", groupID), zap.String("object_id", objectID))
		return MultipartBuffer{}, newServiceError(opObjectBuffer, "query_failed", err)
	}
	return buffer, nil
}

// ListNotifications returns the newest notifications for the local user.
func (s *Service) ListNotifications(ctx context.Context, groupID string, limit int) ([]Notification, error) {
	var notifications []Notification
	if err := s.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("created_at_ms DESC, id DESC").
		Limit(clampLimit(limit)).
		Find(&notifications).Error; err != nil {
		s.logError(opListNotification, "query_failed", err, zap.String("group_id", groupID))
		return nil, newServiceError(opListNotification, "query_failed", err)
	}
	return notifications, nil
}

// Profile returns the stored profile of a user, or ErrNotFound.
func (s *Service) Profile(ctx context.Context, groupID, userAddress string) (Profile, error) {
	var profile Profile
	err := s.db.WithContext(ctx).
		Where("group_id = ? AND user_address = ?", groupID, userAddress).
		Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		s.logError(opProfile, "query_failed", err, zap.String("group_id", groupID))
		return Profile{}, newServiceError(opProfile, "query_failed", err)
	}
	return profile, nil
}
