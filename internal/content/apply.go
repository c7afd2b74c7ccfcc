package content

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/shelfsync/internal/activity"
)

// errMissingDependency aborts a local publish whose parent is not stored.
var errMissingDependency = errors.New("content: dependency not stored locally")

// ApplyOptions tunes one Apply call.
type ApplyOptions struct {
	// Reprocess marks a retry of stored pending transactions; deferrals do not
	// queue new pending rows.
	Reprocess bool
}

type stageFunc func(*batchTx, []activity.Classified) error

type stage struct {
	kind  activity.Kind
	apply stageFunc
}

// applyStages fixes the handler order so dependencies applied in the same
// batch are visible to the handlers that need them.
var applyStages = []stage{
	{kind: activity.KindBookSummary, apply: (*batchTx).applyBookSummaries},
	{kind: activity.KindCoverSummary, apply: (*batchTx).applyCoverSummaries},
	{kind: activity.KindBookSegment, apply: (*batchTx).applyBookSegments},
	{kind: activity.KindCoverSegment, apply: (*batchTx).applyCoverSegments},
	{kind: activity.KindBookMetadata, apply: (*batchTx).applyBookMetadata},
	{kind: activity.KindProfile, apply: (*batchTx).applyProfiles},
	{kind: activity.KindPost, apply: (*batchTx).applyPosts},
	{kind: activity.KindComment, apply: (*batchTx).applyComments},
	{kind: activity.KindCounter, apply: (*batchTx).applyCounters},
	{kind: activity.KindDelete, apply: (*batchTx).applyDeletes},
	{kind: activity.KindEmpty, apply: (*batchTx).applyEmpty},
}

// Apply routes a classified batch to one handler per kind. Each handler runs in
// its own store transaction; a failing handler is logged, does not stop later
// handlers, and is reported through the returned error so callers keep the
// cursor in place.
func (s *Service) Apply(ctx context.Context, group Group, batch []activity.Classified, opts ApplyOptions) (BatchReport, error) {
	if group.ID == "" {
		return BatchReport{}, newServiceError(opApply, "missing_group_id", errMissingGroupID)
	}

	byKind := make(map[activity.Kind][]activity.Classified)
	for _, item := range dedupeByTrxID(batch) {
		byKind[item.Kind()] = append(byKind[item.Kind()], item)
	}

	var report BatchReport
	var failures []error
	for _, current := range applyStages {
		items := byKind[current.kind]
		if len(items) == 0 {
			continue
		}
		stageReport, err := s.runStage(ctx, group, current, items, opts, StatusSynced, false)
		if err != nil {
			s.logError(opApply, "handler_failed", err,
				zap.String("group_id", group.ID),
				zap.String("kind", string(current.kind)),
				zap.Int("batch_size", len(items)))
			failures = append(failures, fmt.Errorf("%s: %w", current.kind, err))
			continue
		}
		report.merge(stageReport)
	}

	if len(failures) > 0 {
		return report, newServiceError(opApply, "handler_failed", errors.Join(failures...))
	}
	return report, nil
}

// applyLocal records a locally published activity as a pending row.
func (s *Service) applyLocal(ctx context.Context, group Group, item activity.Classified) (Result, error) {
	for _, current := range applyStages {
		if current.kind != item.Kind() {
			continue
		}
		report, err := s.runStage(ctx, group, current, []activity.Classified{item}, ApplyOptions{}, StatusPending, true)
		if err != nil {
			return Result{}, err
		}
		if len(report.Results) != 1 {
			return Result{}, fmt.Errorf("content: expected one result, got %d", len(report.Results))
		}
		return report.Results[0], nil
	}
	return Result{}, fmt.Errorf("content: no handler for %s", item.Kind())
}

func (s *Service) runStage(ctx context.Context, group Group, current stage, items []activity.Classified, opts ApplyOptions, status SyncStatus, local bool) (BatchReport, error) {
	var state *batchTx
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state = &batchTx{
			tx:     tx,
			group:  group,
			opts:   opts,
			status: status,
			local:  local,
			now:    s.clock().UTC(),
		}
		if err := current.apply(state, items); err != nil {
			return err
		}
		return state.settle(current.kind, items)
	})
	if err != nil {
		return BatchReport{}, err
	}
	return BatchReport{
		Results:       state.results,
		TouchedBooks:  state.touchedBooks,
		TouchedCovers: state.touchedCovers,
		Woken:         state.woken,
	}, nil
}

func dedupeByTrxID(batch []activity.Classified) []activity.Classified {
	seen := make(map[string]struct{}, len(batch))
	unique := make([]activity.Classified, 0, len(batch))
	for _, item := range batch {
		if _, ok := seen[item.Trx.TrxID]; ok {
			continue
		}
		seen[item.Trx.TrxID] = struct{}{}
		unique = append(unique, item)
	}
	return unique
}

// batchTx is the state of one handler invocation inside its store transaction.
type batchTx struct {
	tx     *gorm.DB
	group  Group
	opts   ApplyOptions
	status SyncStatus
	local  bool
	now    time.Time

	results       []Result
	touchedBooks  []string
	touchedCovers []string
	woken         int
}

func (b *batchTx) record(item activity.Classified, outcome Outcome, reason Reason) {
	b.results = append(b.results, Result{
		TrxID:   item.Trx.TrxID,
		Kind:    item.Kind(),
		Outcome: outcome,
		Reason:  reason,
	})
}

// syncedRow is the identity shared by every optimistic-capable row.
type syncedRow struct {
	TrxID       string
	UserAddress string
	Status      SyncStatus
}

// reconcile handles a transaction whose object already exists. A pending row
// flips to synced only for the same trxId sent by the same address.
func (b *batchTx) reconcile(item activity.Classified, row syncedRow, flip func() error) error {
	if row.Status != StatusPending || row.TrxID != item.Trx.TrxID || b.local {
		b.record(item, OutcomeDuplicate, "")
		return nil
	}
	if row.UserAddress != item.Trx.SenderAddress {
		b.record(item, OutcomeRejected, ReasonSenderMismatch)
		return nil
	}
	if err := flip(); err != nil {
		return err
	}
	b.record(item, OutcomeSynced, "")
	return nil
}

func (b *batchTx) flipStatus(model any, keyColumn, keyValue string) error {
	return b.tx.Model(model).
		Where("group_id = ? AND "+keyColumn+" = ? AND status = ?", b.group.ID, keyValue, StatusPending).
		Update("status", StatusSynced).Error
}

// deferItem queues a transaction whose dependency is not yet local.
func (b *batchTx) deferItem(item activity.Classified, reason Reason, dependencyID string) error {
	if b.local {
		return fmt.Errorf("%w: %s", errMissingDependency, reason)
	}
	if b.opts.Reprocess {
		b.record(item, OutcomeStillPending, reason)
		return nil
	}
	row := PendingTransaction{
		GroupID:         b.group.ID,
		TrxID:           item.Trx.TrxID,
		Kind:            string(item.Kind()),
		Payload:         item.Trx.Payload,
		SenderPubKey:    item.Trx.SenderPubKey,
		SenderAddress:   item.Trx.SenderAddress,
		TimestampNanos:  item.Trx.TimestampNanos,
		NextAttemptAtMs: b.now.UnixMilli(),
		Status:          PendingWaiting,
		LastReason:      string(reason),
		DependencyID:    dependencyID,
	}
	if err := b.tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return err
	}
	b.record(item, OutcomeDeferred, reason)
	return nil
}

// wakeDependents makes pending rows waiting on ids due now and restarts their
// retry budget, abandoned rows included.
func (b *batchTx) wakeDependents(ids []string) error {
	if b.local || len(ids) == 0 {
		return nil
	}
	result := b.tx.Model(&PendingTransaction{}).
		Where("group_id = ? AND dependency_id IN ? AND last_reason IN ?", b.group.ID, ids,
			[]string{string(ReasonMissingParent), string(ReasonMissingTarget)}).
		Updates(map[string]any{
			"status":             PendingWaiting,
			"attempts":           0,
			"next_attempt_at_ms": b.now.UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	b.woken += int(result.RowsAffected)
	return nil
}

// notify writes a notification when another user acted on the local user's object.
func (b *batchTx) notify(item activity.Classified, kind NotificationType, objectID string, objectType ObjectType, owner string) error {
	local := b.group.UserAddress
	if local == "" || owner != local || item.Trx.SenderAddress == local {
		return nil
	}
	row := Notification{
		GroupID:     b.group.ID,
		TrxID:       item.Trx.TrxID,
		Type:        kind,
		ObjectID:    objectID,
		ObjectType:  objectType,
		FromUser:    item.Trx.SenderAddress,
		ToUser:      owner,
		CreatedAtMs: b.now.UnixMilli(),
	}
	return b.tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// settle deletes pending and empty rows resolved by this handler call so they
// disappear atomically with the side effects that resolved them.
func (b *batchTx) settle(kind activity.Kind, items []activity.Classified) error {
	if kind != activity.KindEmpty {
		trxIDs := make([]string, 0, len(items))
		for _, item := range items {
			trxIDs = append(trxIDs, item.Trx.TrxID)
		}
		if err := b.tx.Where("group_id = ? AND trx_id IN ?", b.group.ID, trxIDs).Delete(&EmptyTransaction{}).Error; err != nil {
			return err
		}
	}

	resolved := make([]string, 0, len(b.results))
	for _, result := range b.results {
		if !result.Waiting() {
			resolved = append(resolved, result.TrxID)
		}
	}
	if len(resolved) == 0 {
		return nil
	}
	return b.tx.Where("group_id = ? AND trx_id IN ?", b.group.ID, resolved).Delete(&PendingTransaction{}).Error
}
