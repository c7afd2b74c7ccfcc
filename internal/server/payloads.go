package server

import (
	"encoding/json"

	"github.com/MarcoPoloResearchLab/shelfsync/internal/content"
)

type postPayload struct {
	PostID       string          `json:"post_id"`
	TrxID        string          `json:"trx_id"`
	UserAddress  string          `json:"user_address"`
	TimestampNs  int64           `json:"timestamp_ns"`
	Status       string          `json:"status"`
	Title        string          `json:"title"`
	Content      string          `json:"content"`
	Images       json.RawMessage `json:"images"`
	CommentCount int64           `json:"comment_count"`
	LikeCount    int64           `json:"like_count"`
	DislikeCount int64           `json:"dislike_count"`
	HotScore     float64         `json:"hot_score"`
	Liked        bool            `json:"liked"`
	Disliked     bool            `json:"disliked"`
}

type commentPayload struct {
	CommentID    string          `json:"comment_id"`
	PostID       string          `json:"post_id"`
	ThreadID     string          `json:"thread_id,omitempty"`
	ReplyID      string          `json:"reply_id,omitempty"`
	TrxID        string          `json:"trx_id"`
	UserAddress  string          `json:"user_address"`
	TimestampNs  int64           `json:"timestamp_ns"`
	Status       string          `json:"status"`
	Content      string          `json:"content"`
	Images       json.RawMessage `json:"images"`
	CommentCount int64           `json:"comment_count"`
	LikeCount    int64           `json:"like_count"`
	DislikeCount int64           `json:"dislike_count"`
	Liked        bool            `json:"liked"`
	Disliked     bool            `json:"disliked"`
}

type bookMetadataPayload struct {
	Description string          `json:"description,omitempty"`
	SubTitle    string          `json:"sub_title,omitempty"`
	ISBN        string          `json:"isbn,omitempty"`
	Author      string          `json:"author,omitempty"`
	Publisher   string          `json:"publisher,omitempty"`
	PublishDate string          `json:"publish_date,omitempty"`
	Languages   json.RawMessage `json:"languages"`
	Series      string          `json:"series,omitempty"`
	SeriesIndex string          `json:"series_index,omitempty"`
	Categories  json.RawMessage `json:"categories"`
}

type bookPayload struct {
	BookID           string               `json:"book_id"`
	Name             string               `json:"name"`
	MediaType        string               `json:"media_type"`
	Size             int64                `json:"size"`
	UserAddress      string               `json:"user_address"`
	Status           string               `json:"status"`
	Complete         bool                 `json:"complete"`
	IntegrityFailed  bool                 `json:"integrity_failed"`
	EpubTitle        string               `json:"epub_title,omitempty"`
	EpubAuthor       string               `json:"epub_author,omitempty"`
	EpubLanguage     string               `json:"epub_language,omitempty"`
	HasEmbeddedCover bool                 `json:"has_embedded_cover"`
	CoverID          string               `json:"cover_id,omitempty"`
	Metadata         *bookMetadataPayload `json:"metadata,omitempty"`
}

type notificationPayload struct {
	ID          int64  `json:"id"`
	TrxID       string `json:"trx_id"`
	Type        string `json:"type"`
	ObjectID    string `json:"object_id"`
	ObjectType  string `json:"object_type"`
	FromUser    string `json:"from_user"`
	Read        bool   `json:"read"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

type profilePayload struct {
	UserAddress     string `json:"user_address"`
	Name            string `json:"name"`
	AvatarMediaType string `json:"avatar_media_type,omitempty"`
	AvatarB64       string `json:"avatar_b64,omitempty"`
	TimestampNs     int64  `json:"timestamp_ns"`
}

func rawJSON(value string, fallback string) json.RawMessage {
	if value == "" || !json.Valid([]byte(value)) {
		return json.RawMessage(fallback)
	}
	return json.RawMessage(value)
}

func newPostPayload(post content.Post) postPayload {
	return postPayload{
		PostID:       post.PostID,
		TrxID:        post.TrxID,
		UserAddress:  post.UserAddress,
		TimestampNs:  post.TimestampNanos,
		Status:       string(post.Status),
		Title:        post.Title,
		Content:      post.Content,
		Images:       rawJSON(post.ImagesJSON, "[]"),
		CommentCount: post.CommentCount,
		LikeCount:    post.LikeCount,
		DislikeCount: post.DislikeCount,
		HotScore:     post.HotScore,
		Liked:        post.Liked,
		Disliked:     post.Disliked,
	}
}

func newCommentPayload(comment content.Comment) commentPayload {
	return commentPayload{
		CommentID:    comment.CommentID,
		PostID:       comment.PostID,
		ThreadID:     comment.ThreadID,
		ReplyID:      comment.ReplyID,
		TrxID:        comment.TrxID,
		UserAddress:  comment.UserAddress,
		TimestampNs:  comment.TimestampNanos,
		Status:       string(comment.Status),
		Content:      comment.Content,
		Images:       rawJSON(comment.ImagesJSON, "[]"),
		CommentCount: comment.CommentCount,
		LikeCount:    comment.LikeCount,
		DislikeCount: comment.DislikeCount,
		Liked:        comment.Liked,
		Disliked:     comment.Disliked,
	}
}

func newBookPayload(view content.BookView) bookPayload {
	book := view.Book
	payload := bookPayload{
		BookID:           book.BookID,
		Name:             book.Name,
		MediaType:        book.MediaType,
		Size:             book.Size,
		UserAddress:      book.UserAddress,
		Status:           string(book.Status),
		Complete:         book.Complete,
		IntegrityFailed:  book.IntegrityFailed,
		EpubTitle:        book.EpubTitle,
		EpubAuthor:       book.EpubAuthor,
		EpubLanguage:     book.EpubLanguage,
		HasEmbeddedCover: book.HasEmbeddedCover,
	}
	if view.Cover != nil {
		payload.CoverID = view.Cover.CoverID
	}
	if metadata := view.Metadata; metadata != nil {
		payload.Metadata = &bookMetadataPayload{
			Description: metadata.Description,
			SubTitle:    metadata.SubTitle,
			ISBN:        metadata.ISBN,
			Author:      metadata.Author,
			Publisher:   metadata.Publisher,
			PublishDate: metadata.PublishDate,
			Languages:   rawJSON(metadata.LanguagesJSON, "[]"),
			Series:      metadata.Series,
			SeriesIndex: metadata.SeriesIndex,
			Categories:  rawJSON(metadata.CategoriesJSON, "[]"),
		}
	}
	return payload
}

func newNotificationPayload(notification content.Notification) notificationPayload {
	return notificationPayload{
		ID:          notification.ID,
		TrxID:       notification.TrxID,
		Type:        string(notification.Type),
		ObjectID:    notification.ObjectID,
		ObjectType:  string(notification.ObjectType),
		FromUser:    notification.FromUser,
		Read:        notification.Read,
		CreatedAtMs: notification.CreatedAtMs,
	}
}

func newProfilePayload(profile content.Profile) profilePayload {
	return profilePayload{
		UserAddress:     profile.UserAddress,
		Name:            profile.Name,
		AvatarMediaType: profile.AvatarMediaType,
		AvatarB64:       profile.AvatarB64,
		TimestampNs:     profile.TimestampNanos,
	}
}
