package content

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/shelfsync/internal/activity"
)

const (
	opPublisherNew   = "content.publisher.new"
	opPublishPost    = "content.publish_post"
	opPublishComment = "content.publish_comment"
)

var (
	errMissingService  = errors.New("content service is required")
	errMissingPoster   = errors.New("activity poster is required")
	errMissingUser     = errors.New("local user address is required")
	errEmptyContent    = errors.New("content or images are required")
	errMissingParentID = errors.New("parent identifier is required")

	// ErrParentNotFound reports a comment whose parent is not stored locally.
	ErrParentNotFound = errors.New("content: parent not found")
)

// ActivityPoster submits an encoded activity to the node and returns its trxId.
type ActivityPoster interface {
	PostActivity(ctx context.Context, groupID string, payload []byte) (string, error)
}

// PublisherConfig wires the optimistic publisher.
type PublisherConfig struct {
	Service    *Service
	Poster     ActivityPoster
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Publisher posts local activities to the node and records them optimistically
// as pending rows until the feed confirms them.
type Publisher struct {
	service    *Service
	poster     ActivityPoster
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// PostDraft is a new top-level post.
type PostDraft struct {
	Title   string
	Content string
	Images  []activity.Image
}

// CommentDraft is a new comment replying to a post or comment.
type CommentDraft struct {
	InReplyTo string
	Content   string
	Images    []activity.Image
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Service == nil {
		return nil, newServiceError(opPublisherNew, "missing_service", errMissingService)
	}
	if cfg.Poster == nil {
		return nil, newServiceError(opPublisherNew, "missing_poster", errMissingPoster)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Publisher{
		service:    cfg.Service,
		poster:     cfg.Poster,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// PublishPost submits a post and stores it with status pending.
func (p *Publisher) PublishPost(ctx context.Context, group Group, draft PostDraft) (Post, error) {
	if group.UserAddress == "" {
		return Post{}, newServiceError(opPublishPost, "missing_user", errMissingUser)
	}
	if strings.TrimSpace(draft.Content) == "" && len(draft.Images) == 0 {
		return Post{}, newServiceError(opPublishPost, "empty_content", errEmptyContent)
	}
	postID, err := p.idProvider.NewID()
	if err != nil {
		return Post{}, newServiceError(opPublishPost, "id_generation_failed", err)
	}
	value := activity.Post{PostID: postID, Title: strings.TrimSpace(draft.Title), Content: draft.Content, Images: draft.Images}
	if err := p.publish(ctx, opPublishPost, group, value); err != nil {
		return Post{}, err
	}

	var stored Post
	if err := p.service.db.WithContext(ctx).Where("group_id = ? AND post_id = ?", group.ID, postID).Take(&stored).Error; err != nil {
		return Post{}, newServiceError(opPublishPost, "reload_failed", err)
	}
	return stored, nil
}

// PublishComment submits a comment and stores it with status pending. The
// parent must already be stored so the thread position is known.
func (p *Publisher) PublishComment(ctx context.Context, group Group, draft CommentDraft) (Comment, error) {
	if group.UserAddress == "" {
		return Comment{}, newServiceError(opPublishComment, "missing_user", errMissingUser)
	}
	parentID := strings.TrimSpace(draft.InReplyTo)
	if parentID == "" {
		return Comment{}, newServiceError(opPublishComment, "missing_parent_id", errMissingParentID)
	}
	if strings.TrimSpace(draft.Content) == "" && len(draft.Images) == 0 {
		return Comment{}, newServiceError(opPublishComment, "empty_content", errEmptyContent)
	}
	db := p.service.db.WithContext(ctx)
	var parents int64
	if err := db.Model(&Post{}).Where("group_id = ? AND post_id = ?", group.ID, parentID).Count(&parents).Error; err != nil {
		return Comment{}, newServiceError(opPublishComment, "parent_lookup_failed", err)
	}
	if parents == 0 {
		if err := db.Model(&Comment{}).Where("group_id = ? AND comment_id = ?", group.ID, parentID).Count(&parents).Error; err != nil {
			return Comment{}, newServiceError(opPublishComment, "parent_lookup_failed", err)
		}
	}
	if parents == 0 {
		return Comment{}, newServiceError(opPublishComment, "parent_not_found", ErrParentNotFound)
	}

	commentID, err := p.idProvider.NewID()
	if err != nil {
		return Comment{}, newServiceError(opPublishComment, "id_generation_failed", err)
	}
	value := activity.Comment{CommentID: commentID, InReplyTo: parentID, Content: draft.Content, Images: draft.Images}
	if err := p.publish(ctx, opPublishComment, group, value); err != nil {
		return Comment{}, err
	}

	var stored Comment
	if err := db.Where("group_id = ? AND comment_id = ?", group.ID, commentID).Take(&stored).Error; err != nil {
		return Comment{}, newServiceError(opPublishComment, "reload_failed", err)
	}
	return stored, nil
}

func (p *Publisher) publish(ctx context.Context, operation string, group Group, value activity.Activity) error {
	payload, err := activity.Encode(value)
	if err != nil {
		return newServiceError(operation, "encode_failed", err)
	}
	trxID, err := p.poster.PostActivity(ctx, group.ID, payload)
	if err != nil {
		p.logger.Error("publish to node failed",
			zap.String("operation", operation),
			zap.String("group_id", group.ID),
			zap.Error(err))
		return newServiceError(operation, "post_failed", err)
	}

	item := activity.Classified{
		Trx: activity.Transaction{
			TrxID:          trxID,
			GroupID:        group.ID,
			SenderAddress:  group.UserAddress,
			TimestampNanos: p.clock().UTC().UnixNano(),
			Payload:        payload,
		},
		Activity: value,
	}
	if _, err := p.service.applyLocal(ctx, group, item); err != nil {
		if errors.Is(err, errMissingDependency) {
			return newServiceError(operation, "parent_not_found", ErrParentNotFound)
		}
		p.logger.Error("store optimistic row failed",
			zap.String("operation", operation),
			zap.String("group_id", group.ID),
			zap.String("trx_id", trxID),
			zap.Error(err))
		return newServiceError(operation, "store_failed", err)
	}
	return nil
}
