package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/shelfsync/internal/activity"
	"github.com/MarcoPoloResearchLab/shelfsync/internal/content"
	"github.com/MarcoPoloResearchLab/shelfsync/internal/node"
)

const (
	queuePending = "pending"
	queueEmpty   = "empty"

	sourcePage  = "page"
	sourceFetch = "fetch_one"
)

type worker struct {
	engine   *Engine
	info     node.GroupInfo
	group    content.Group
	template activity.Template
	wake     chan struct{}

	mu        sync.Mutex
	status    GroupStatus
	needSweep bool
}

func newWorker(engine *Engine, info node.GroupInfo, template activity.Template) *worker {
	return &worker{
		engine:   engine,
		info:     info,
		group:    content.Group{ID: info.GroupID, UserAddress: info.UserAddress},
		template: template,
		wake:     make(chan struct{}, 1),
		status: GroupStatus{
			GroupID:     info.GroupID,
			GroupName:   info.GroupName,
			AppKey:      info.AppKey,
			Template:    template,
			UserAddress: info.UserAddress,
		},
		needSweep: true,
	}
}

func (w *worker) logger() *zap.Logger {
	return w.engine.logger.With(zap.String("group_id", w.group.ID))
}

func (w *worker) jumpIn() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) lazy() bool {
	w.mu.Lock()
	caughtUp := w.status.CaughtUp
	w.mu.Unlock()
	return caughtUp && w.engine.streamConnected()
}

func (w *worker) snapshot() GroupStatus {
	w.mu.Lock()
	status := w.status
	w.mu.Unlock()
	status.Lazy = status.CaughtUp && w.engine.streamConnected()
	return status
}

func (w *worker) run(ctx context.Context) {
	for {
		w.cycle(ctx)
		if ctx.Err() != nil {
			return
		}

		interval := w.engine.config.PollInterval
		if w.lazy() {
			interval = w.engine.config.LazyInterval
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// cycle runs one sync pass. Store work runs detached from ctx so a stop never
// interrupts a handler transaction; node calls observe ctx.
func (w *worker) cycle(ctx context.Context) {
	started := w.engine.clock()
	store := context.WithoutCancel(ctx)

	if w.takeSweep() {
		if err := w.recoverIncomplete(store); err != nil {
			w.markSweep()
		}
	}
	if err := w.reprocessPending(store); err != nil {
		w.logger().Warn("pending reprocessing failed", zap.Error(err))
	}
	if err := w.resolveEmpty(ctx, store); err != nil && ctx.Err() == nil {
		w.logger().Warn("empty resolution failed", zap.Error(err))
	}
	if ctx.Err() != nil {
		return
	}

	err := w.pollPage(ctx, store)
	result := "ok"
	if err != nil {
		result = "error"
		if ctx.Err() != nil {
			return
		}
		w.logger().Warn("sync cycle failed", zap.Error(err))
	}
	w.engine.metrics.observeCycle(result, w.engine.clock().Sub(started).Seconds())

	w.mu.Lock()
	w.status.Cycles++
	w.status.LastCycleAt = w.engine.clock().UTC()
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}
	w.mu.Unlock()
}

// pollPage fetches the next page after the cursor, applies it and advances
// the cursor when every handler call succeeded. The cursor and the caught-up
// check follow the node's raw page, so malformed entries are skipped without
// stalling the group.
func (w *worker) pollPage(ctx, store context.Context) error {
	service := w.engine.service
	cursor, err := service.Cursor(store, w.group.ID)
	if err != nil {
		return err
	}
	pageSize := w.engine.config.PageSize
	page, err := w.engine.node.FetchPage(ctx, w.group.ID, cursor, pageSize)
	if err != nil {
		return err
	}
	w.engine.metrics.observeFetched(sourcePage, len(page.Transactions))
	if page.Malformed > 0 {
		w.engine.metrics.observeRejected(string(w.template), page.Malformed)
	}

	if len(page.Transactions) > 0 {
		classified, rejected := activity.ClassifyBatch(w.template, page.Transactions)
		w.noteRejected(store, rejected)

		report, applyErr := service.Apply(store, w.group, classified, content.ApplyOptions{})
		w.engine.metrics.observeReport(report)
		completed := w.combine(store, report)
		w.publish(report, completed)
		w.followWoken(report)
		if applyErr != nil {
			return applyErr
		}
	}
	if page.LastTrxID != "" && page.LastTrxID != cursor {
		if err := service.AdvanceCursor(store, w.group.ID, page.LastTrxID); err != nil {
			return err
		}
		cursor = page.LastTrxID
	}

	caughtUp := page.RawCount < pageSize
	w.mu.Lock()
	wasCaughtUp := w.status.CaughtUp
	w.status.CaughtUp = caughtUp
	w.status.Cursor = cursor
	w.mu.Unlock()
	w.engine.metrics.setCaughtUp(w.group.ID, caughtUp)
	if caughtUp && !wasCaughtUp {
		w.logger().Info("group caught up", zap.String("cursor", cursor))
		w.engine.fireCaughtUp(w.group.ID)
	}
	return nil
}

// reprocessPending replays due pending rows. Rows still missing their
// dependency are rescheduled with backoff until the retry policy gives up.
func (w *worker) reprocessPending(store context.Context) error {
	service := w.engine.service
	policy := w.engine.config.Retry
	now := w.engine.clock()
	rows, err := service.DuePending(store, w.group.ID, now, w.engine.config.RetryBatch)
	if err != nil || len(rows) == 0 {
		return err
	}

	batch := make([]activity.Classified, 0, len(rows))
	for _, row := range rows {
		trx := activity.Transaction{
			TrxID:          row.TrxID,
			GroupID:        row.GroupID,
			SenderPubKey:   row.SenderPubKey,
			SenderAddress:  row.SenderAddress,
			TimestampNanos: row.TimestampNanos,
			Payload:        row.Payload,
		}
		parsed, err := activity.Classify(w.template, trx)
		if err != nil {
			w.logger().Warn("abandoning unclassifiable pending transaction", zap.String("trx_id", row.TrxID), zap.Error(err))
			if err := service.ReschedulePending(store, w.group.ID, row.TrxID, row.Attempts+1, now, content.PendingAbandoned, string(content.ReasonUnrecognized)); err != nil {
				return err
			}
			w.engine.metrics.observeRetry(queuePending, string(content.PendingAbandoned))
			continue
		}
		batch = append(batch, activity.Classified{Trx: trx, Activity: parsed})
	}

	report, err := service.Apply(store, w.group, batch, content.ApplyOptions{Reprocess: true})
	w.engine.metrics.observeReport(report)
	completed := w.combine(store, report)
	w.publish(report, completed)
	w.followWoken(report)
	if err != nil {
		return err
	}

	for _, row := range rows {
		result, ok := report.ResultFor(row.TrxID)
		if !ok {
			continue
		}
		if !result.Waiting() {
			w.engine.metrics.observeRetry(queuePending, "resolved")
			continue
		}
		attempts := row.Attempts + 1
		status := content.PendingWaiting
		if policy.Exhausted(attempts) {
			status = content.PendingAbandoned
			w.logger().Warn("abandoning pending transaction",
				zap.String("trx_id", row.TrxID),
				zap.Int("attempts", attempts),
				zap.String("reason", string(result.Reason)))
		}
		next := now.Add(policy.Delay(attempts))
		if err := service.ReschedulePending(store, w.group.ID, row.TrxID, attempts, next, status, string(result.Reason)); err != nil {
			return err
		}
		w.engine.metrics.observeRetry(queuePending, string(status))
	}
	return nil
}

// resolveEmpty re-fetches due empty transactions one by one and applies the
// ones whose payload has arrived.
func (w *worker) resolveEmpty(ctx, store context.Context) error {
	service := w.engine.service
	policy := w.engine.config.Retry
	now := w.engine.clock()
	rows, err := service.DueEmpty(store, w.group.ID, now, w.engine.config.RetryBatch)
	if err != nil || len(rows) == 0 {
		return err
	}

	var filled []activity.Transaction
	for _, row := range rows {
		trx, err := w.engine.node.FetchOne(ctx, w.group.ID, row.TrxID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger().Debug("re-fetch failed", zap.String("trx_id", row.TrxID), zap.Error(err))
		}
		if err == nil && trx != nil && !trx.IsEmpty() {
			filled = append(filled, *trx)
			continue
		}
		attempts := row.Attempts + 1
		status := content.EmptyUnresolved
		if policy.Exhausted(attempts) {
			status = content.EmptyAbandoned
			w.logger().Warn("abandoning empty transaction", zap.String("trx_id", row.TrxID), zap.Int("attempts", attempts))
		}
		if err := service.RescheduleEmpty(store, w.group.ID, row.TrxID, attempts, now.Add(policy.Delay(attempts)), status); err != nil {
			return err
		}
		w.engine.metrics.observeRetry(queueEmpty, string(status))
	}
	if len(filled) == 0 {
		return nil
	}
	w.engine.metrics.observeFetched(sourceFetch, len(filled))

	classified, rejected := activity.ClassifyBatch(w.template, filled)
	w.noteRejected(store, rejected)
	report, err := service.Apply(store, w.group, classified, content.ApplyOptions{})
	w.engine.metrics.observeReport(report)
	completed := w.combine(store, report)
	w.publish(report, completed)
	w.followWoken(report)
	if err != nil {
		return err
	}
	for range classified {
		w.engine.metrics.observeRetry(queueEmpty, "resolved")
	}
	return nil
}

// noteRejected drops empty records for transactions whose payload arrived but
// matched no schema; they can never resolve.
func (w *worker) noteRejected(store context.Context, rejected []activity.Transaction) {
	if len(rejected) == 0 {
		return
	}
	w.engine.metrics.observeRejected(string(w.template), len(rejected))
	trxIDs := make([]string, 0, len(rejected))
	for _, trx := range rejected {
		trxIDs = append(trxIDs, trx.TrxID)
	}
	w.logger().Debug("unrecognized transactions", zap.Strings("trx_ids", trxIDs))
	if err := w.engine.service.DropEmpty(store, w.group.ID, trxIDs); err != nil {
		w.logger().Warn("drop empty records failed", zap.Error(err))
	}
}

// followWoken schedules another cycle when applied posts or comments made
// waiting pending rows due.
func (w *worker) followWoken(report content.BatchReport) {
	if report.Woken > 0 {
		w.jumpIn()
	}
}

type completedObjects struct {
	books  []string
	covers []string
}

func (w *worker) combine(store context.Context, report content.BatchReport) completedObjects {
	var completed completedObjects
	completed.books = w.combineParent(store, content.ParentBook, report.TouchedBooks)
	completed.covers = w.combineParent(store, content.ParentCover, report.TouchedCovers)
	return completed
}

func (w *worker) combineParent(store context.Context, parent content.ParentType, ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	results, err := w.engine.service.Combine(store, w.group.ID, parent, ids)
	w.engine.metrics.observeCombine(results)
	if err != nil {
		w.logger().Warn("combine failed", zap.String("parent", string(parent)), zap.Error(err))
		w.markSweep()
	}
	var completed []string
	for _, result := range results {
		switch result.Outcome {
		case content.CombineCompleted:
			completed = append(completed, result.ObjectID)
		case content.CombineIntegrityFailed:
			w.logger().Error("segment integrity check failed",
				zap.String("parent", string(result.Parent)),
				zap.String("object_id", result.ObjectID))
		}
	}
	return completed
}

// recoverIncomplete re-runs the combiner over every incomplete object.
func (w *worker) recoverIncomplete(store context.Context) error {
	books, covers, err := w.engine.service.IncompleteObjects(store, w.group.ID)
	if err != nil {
		w.logger().Warn("incomplete object sweep failed", zap.Error(err))
		return err
	}
	completed := completedObjects{
		books:  w.combineParent(store, content.ParentBook, books),
		covers: w.combineParent(store, content.ParentCover, covers),
	}
	w.publish(content.BatchReport{}, completed)
	return nil
}

func (w *worker) publish(report content.BatchReport, completed completedObjects) {
	event := ChangeEvent{
		GroupID:         w.group.ID,
		Kinds:           report.AppliedKinds(),
		CompletedBooks:  completed.books,
		CompletedCovers: completed.covers,
		Timestamp:       w.engine.clock().UTC(),
	}
	if event.Empty() {
		return
	}
	w.engine.events.Publish(event)
}

func (w *worker) takeSweep() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	needed := w.needSweep
	w.needSweep = false
	return needed
}

func (w *worker) markSweep() {
	w.mu.Lock()
	w.needSweep = true
	w.mu.Unlock()
}
