package content

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingGroupID  = errors.New("group identifier is required")
	noOpLogger         = zap.NewNop()

	// ErrNotFound reports that a requested object is not stored locally.
	ErrNotFound = errors.New("content: not found")
)

// ServiceError carries a stable operation.reason code for a failed store call.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "content.service.new"
	opApply            = "content.apply"
	opCombine          = "content.combine"
	opIncomplete       = "content.incomplete_objects"
	opCursor           = "content.cursor"
	opAdvanceCursor    = "content.advance_cursor"
	opDuePending       = "content.due_pending"
	opReschedulePend   = "content.reschedule_pending"
	opDueEmpty         = "content.due_empty"
	opRescheduleEmpty  = "content.reschedule_empty"
	opMarkEmptyDue     = "content.mark_empty_due"
	opDropEmpty        = "content.drop_empty"
	opListPosts        = "content.list_posts"
	opListComments     = "content.list_comments"
	opListBooks        = "content.list_books"
	opObjectBuffer     = "content.object_buffer"
	opListNotification = "content.list_notifications"
	opProfile          = "content.profile"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Group identifies a synchronized group and the local user's address in it.
type Group struct {
	ID          string
	UserAddress string
}

// ServiceConfig wires the content store dependencies.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service is the local materialized view of every group's feed.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// Cursor returns the last processed transaction id of a group, empty when none.
func (s *Service) Cursor(ctx context.Context, groupID string) (string, error) {
	if groupID == "" {
		return "", newServiceError(opCursor, "missing_group_id", errMissingGroupID)
	}
	var cursor GroupCursor
	err := s.db.WithContext(ctx).Where("group_id = ?", groupID).Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		s.logError(opCursor, "query_failed", err, zap.String("group_id", groupID))
		return "", newServiceError(opCursor, "query_failed", err)
	}
	return cursor.LastTrxID, nil
}

// AdvanceCursor moves the group cursor to trxID.
func (s *Service) AdvanceCursor(ctx context.Context, groupID, trxID string) error {
	if groupID == "" {
		return newServiceError(opAdvanceCursor, "missing_group_id", errMissingGroupID)
	}
	cursor := GroupCursor{
		GroupID:          groupID,
		LastTrxID:        trxID,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "group_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_trx_id", "updated_at_s"}),
	}).Create(&cursor).Error
	if err != nil {
		s.logError(opAdvanceCursor, "upsert_failed", err, zap.String("group_id", groupID), zap.String("trx_id", trxID))
		return newServiceError(opAdvanceCursor, "upsert_failed", err)
	}
	return nil
}

// DuePending lists waiting pending transactions whose next attempt is due.
func (s *Service) DuePending(ctx context.Context, groupID string, now time.Time, limit int) ([]PendingTransaction, error) {
	var rows []PendingTransaction
	err := s.db.WithContext(ctx).
		Where("group_id = ? AND status = ? AND next_attempt_at_ms <= ?", groupID, PendingWaiting, now.UnixMilli()).
		Order("timestamp_ns ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		s.logError(opDuePending, "query_failed", err, zap.String("group_id", groupID))
		return nil, newServiceError(opDuePending, "query_failed", err)
	}
	return rows, nil
}

// ReschedulePending records a failed reprocessing attempt.
func (s *Service) ReschedulePending(ctx context.Context, groupID, trxID string, attempts int, nextAttempt time.Time, status PendingState, reason string) error {
	err := s.db.WithContext(ctx).Model(&PendingTransaction{}).
		Where("group_id = ? AND trx_id = ?", groupID, trxID).
		Updates(map[string]any{
			"attempts":           attempts,
			"next_attempt_at_ms": nextAttempt.UnixMilli(),
			"status":             status,
			"last_reason":        reason,
		}).Error
	if err != nil {
		s.logError(opReschedulePend, "update_failed", err, zap.String("group_id", groupID), zap.String("trx_id", trxID))
		return newServiceError(opReschedulePend, "update_failed", err)
	}
	return nil
}

// DueEmpty lists unresolved empty transactions whose next check is due.
func (s *Service) DueEmpty(ctx context.Context, groupID string, now time.Time, limit int) ([]EmptyTransaction, error) {
	var rows []EmptyTransaction
	err := s.db.WithContext(ctx).
		Where("group_id = ? AND status = ? AND next_attempt_at_ms <= ?", groupID, EmptyUnresolved, now.UnixMilli()).
		Order("first_seen_at_ms ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		s.logError(opDueEmpty, "query_failed", err, zap.String("group_id", groupID))
		return nil, newServiceError(opDueEmpty, "query_failed", err)
	}
	return rows, nil
}

// RescheduleEmpty records a re-fetch that still returned no payload.
func (s *Service) RescheduleEmpty(ctx context.Context, groupID, trxID string, attempts int, nextAttempt time.Time, status EmptyState) error {
	err := s.db.WithContext(ctx).Model(&EmptyTransaction{}).
		Where("group_id = ? AND trx_id = ?", groupID, trxID).
		Updates(map[string]any{
			"attempts":           attempts,
			"last_checked_at_ms": s.clock().UTC().UnixMilli(),
			"next_attempt_at_ms": nextAttempt.UnixMilli(),
			"status":             status,
		}).Error
	if err != nil {
		s.logError(opRescheduleEmpty, "update_failed", err, zap.String("group_id", groupID), zap.String("trx_id", trxID))
		return newServiceError(opRescheduleEmpty, "update_failed", err)
	}
	return nil
}

// MarkEmptyDue makes an unresolved empty record due immediately and reports
// whether such a record exists.
func (s *Service) MarkEmptyDue(ctx context.Context, groupID, trxID string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&EmptyTransaction{}).
		Where("group_id = ? AND trx_id = ? AND status = ?", groupID, trxID, EmptyUnresolved).
		Update("next_attempt_at_ms", 0)
	if result.Error != nil {
		s.logError(opMarkEmptyDue, "update_failed", result.Error, zap.String("group_id", groupID), zap.String("trx_id", trxID))
		return false, newServiceError(opMarkEmptyDue, "update_failed", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// DropEmpty deletes empty records whose re-fetched payload failed classification.
func (s *Service) DropEmpty(ctx context.Context, groupID string, trxIDs []string) error {
	if len(trxIDs) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Where("group_id = ? AND trx_id IN ?", groupID, trxIDs).
		Delete(&EmptyTransaction{}).Error
	if err != nil {
		s.logError(opDropEmpty, "delete_failed", err, zap.String("group_id", groupID))
		return newServiceError(opDropEmpty, "delete_failed", err)
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("content service error", attrs...)
}
