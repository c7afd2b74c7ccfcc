package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/shelfsync/internal/activity"
	"github.com/MarcoPoloResearchLab/shelfsync/internal/content"
	"github.com/MarcoPoloResearchLab/shelfsync/internal/node"
)

const (
	testGroupID  = "group-1"
	localAddress = "0xlocal"
	aliceAddress = "0xalice"
)

var fixedNow = time.Unix(1700000600, 0).UTC()

type fakeNode struct {
	mu        sync.Mutex
	groups    []node.GroupInfo
	feed      map[string][]activity.Transaction
	malformed map[string]bool
	refetch   map[string]activity.Transaction
	listErrs  int
	listCalls int
	pageErr   error
	delay     time.Duration
	pages     int
	active    int32
	maxSeen   int32
	fetchOne  int
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		groups:    []node.GroupInfo{{GroupID: testGroupID, GroupName: "Posts", AppKey: "group_post", UserAddress: localAddress}},
		feed:      make(map[string][]activity.Transaction),
		malformed: make(map[string]bool),
		refetch:   make(map[string]activity.Transaction),
	}
}

// ListGroups fails for the first listErrs calls.
func (f *fakeNode) ListGroups(context.Context) ([]node.GroupInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listCalls <= f.listErrs {
		return nil, errors.New("connection refused")
	}
	return append([]node.GroupInfo(nil), f.groups...), nil
}

func (f *fakeNode) setGroups(groups ...node.GroupInfo) {
	f.mu.Lock()
	f.groups = groups
	f.mu.Unlock()
}

// FetchPage serves the feed after startTrx. Entries marked malformed count
// toward the raw page but are left out of the decoded transactions.
func (f *fakeNode) FetchPage(_ context.Context, groupID, startTrx string, limit int) (node.Page, error) {
	current := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if current <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, current) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages++
	if f.pageErr != nil {
		return node.Page{}, f.pageErr
	}
	feed := f.feed[groupID]
	start := 0
	if startTrx != "" {
		for index, trx := range feed {
			if trx.TrxID == startTrx {
				start = index + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(feed) {
		end = len(feed)
	}
	page := node.Page{RawCount: end - start}
	for _, trx := range feed[start:end] {
		page.LastTrxID = trx.TrxID
		if f.malformed[trx.TrxID] {
			page.Malformed++
			continue
		}
		page.Transactions = append(page.Transactions, trx)
	}
	return page, nil
}

func (f *fakeNode) FetchOne(_ context.Context, _ string, trxID string) (*activity.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchOne++
	trx, ok := f.refetch[trxID]
	if !ok {
		return nil, nil
	}
	return &trx, nil
}

func (f *fakeNode) append(trxs ...activity.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feed[testGroupID] = append(f.feed[testGroupID], trxs...)
}

type fakeStream struct {
	connected atomic.Bool
}

func (s *fakeStream) Run(ctx context.Context, _ func(node.Notification)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *fakeStream) Connected() bool {
	return s.connected.Load()
}

type recordingSink struct {
	mu     sync.Mutex
	events []ChangeEvent
}

func (s *recordingSink) Publish(event ChangeEvent) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *recordingSink) snapshot() []ChangeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChangeEvent(nil), s.events...)
}

type harness struct {
	engine  *Engine
	service *content.Service
	db      *gorm.DB
	node    *fakeNode
	stream  *fakeStream
	sink    *recordingSink
	metrics *Metrics
}

func newHarness(t *testing.T, config Config) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:shelfsync_engine_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(content.Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	clock := func() time.Time { return fixedNow }
	service, err := content.NewService(content.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}

	fake := newFakeNode()
	stream := &fakeStream{}
	sink := &recordingSink{}
	metrics := NewMetrics(prometheus.NewRegistry())
	engine, err := New(Options{
		Service: service,
		Node:    fake,
		Stream:  stream,
		Config:  config,
		Metrics: metrics,
		Events:  sink,
		Clock:   clock,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	return &harness{engine: engine, service: service, db: db, node: fake, stream: stream, sink: sink, metrics: metrics}
}

// workerFor builds a worker without starting goroutines so cycles can be
// driven step by step.
func (h *harness) workerFor(t *testing.T) *worker {
	t.Helper()
	info := h.node.groups[0]
	template, err := activity.TemplateForAppKey(info.AppKey)
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	current := newWorker(h.engine, info, template)
	h.engine.mu.Lock()
	h.engine.workers[info.GroupID] = current
	h.engine.mu.Unlock()
	return current
}

func transaction(t *testing.T, trxID, sender string, offset int, value activity.Activity) activity.Transaction {
	t.Helper()
	trx := activity.Transaction{
		TrxID:          trxID,
		GroupID:        testGroupID,
		SenderAddress:  sender,
		TimestampNanos: fixedNow.UnixNano() + int64(offset)*int64(time.Second),
	}
	if value != nil {
		payload, err := activity.Encode(value)
		if err != nil {
			t.Fatalf("encode %T: %v", value, err)
		}
		trx.Payload = payload
	}
	return trx
}

func (h *harness) cursor(t *testing.T) string {
	t.Helper()
	cursor, err := h.service.Cursor(context.Background(), testGroupID)
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	return cursor
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", description)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.engine.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestCycleAppliesPageAndAdvancesCursor(t *testing.T) {
	h := newHarness(t, Config{PageSize: 20})
	h.node.append(
		transaction(t, "trx-comment", aliceAddress, 1, activity.Comment{CommentID: "c-1", InReplyTo: "post-1", Content: "first"}),
		transaction(t, "trx-post", aliceAddress, 0, activity.Post{PostID: "post-1", Content: "hello"}),
	)
	var caughtUp []string
	h.engine.OnGroupCaughtUp(func(groupID string) { caughtUp = append(caughtUp, groupID) })
	current := h.workerFor(t)

	current.cycle(context.Background())

	if got := h.cursor(t); got != "trx-post" {
		t.Fatalf("expected cursor at last trx, got %q", got)
	}
	var post content.Post
	if err := h.db.Where("group_id = ? AND post_id = ?", testGroupID, "post-1").Take(&post).Error; err != nil {
		t.Fatalf("load post: %v", err)
	}
	if post.CommentCount != 1 {
		t.Fatalf("expected comment resolved within the page, got %d", post.CommentCount)
	}
	status, ok := h.engine.Status(testGroupID)
	if !ok || !status.CaughtUp || status.Cycles != 1 || status.LastError != "" {
		t.Fatalf("unexpected status %#v", status)
	}
	if len(caughtUp) != 1 || caughtUp[0] != testGroupID {
		t.Fatalf("expected one caught-up signal, got %v", caughtUp)
	}
	events := h.sink.snapshot()
	if len(events) != 1 || events[0].GroupID != testGroupID || len(events[0].Kinds) != 2 {
		t.Fatalf("unexpected change events %#v", events)
	}

	current.cycle(context.Background())
	if len(caughtUp) != 1 {
		t.Fatalf("caught-up must fire only on the transition, got %v", caughtUp)
	}
}

func TestCyclePagesUntilShortPage(t *testing.T) {
	h := newHarness(t, Config{PageSize: 2})
	for index := 0; index < 3; index++ {
		h.node.append(transaction(t, fmt.Sprintf("trx-%d", index), aliceAddress, index, activity.Post{PostID: fmt.Sprintf("post-%d", index), Content: "x"}))
	}
	current := h.workerFor(t)

	current.cycle(context.Background())
	if status, _ := h.engine.Status(testGroupID); status.CaughtUp || status.Cursor != "trx-1" {
		t.Fatalf("expected full page without catch-up, got %#v", status)
	}
	current.cycle(context.Background())
	if status, _ := h.engine.Status(testGroupID); !status.CaughtUp || status.Cursor != "trx-2" {
		t.Fatalf("expected caught up at trx-2, got %#v", status)
	}
}

func TestCycleSkipsPastMalformedEntries(t *testing.T) {
	h := newHarness(t, Config{PageSize: 2})
	h.node.append(
		transaction(t, "trx-bad-1", aliceAddress, 0, nil),
		transaction(t, "trx-bad-2", aliceAddress, 1, nil),
		transaction(t, "trx-post", aliceAddress, 2, activity.Post{PostID: "post-1", Content: "after the noise"}),
	)
	h.node.malformed["trx-bad-1"] = true
	h.node.malformed["trx-bad-2"] = true
	current := h.workerFor(t)

	current.cycle(context.Background())
	if status, _ := h.engine.Status(testGroupID); status.CaughtUp || status.Cursor != "trx-bad-2" {
		t.Fatalf("a full page of malformed entries must move the cursor without catching up, got %#v", status)
	}
	if got := h.cursor(t); got != "trx-bad-2" {
		t.Fatalf("expected stored cursor past malformed entries, got %q", got)
	}

	current.cycle(context.Background())
	if status, _ := h.engine.Status(testGroupID); !status.CaughtUp || status.Cursor != "trx-post" {
		t.Fatalf("expected caught up at trx-post, got %#v", status)
	}
	var post content.Post
	if err := h.db.Where("group_id = ? AND post_id = ?", testGroupID, "post-1").Take(&post).Error; err != nil {
		t.Fatalf("post behind malformed entries must be applied: %v", err)
	}
}

func TestCyclePartlyMalformedFullPageIsNotCaughtUp(t *testing.T) {
	h := newHarness(t, Config{PageSize: 2})
	h.node.append(
		transaction(t, "trx-post-0", aliceAddress, 0, activity.Post{PostID: "post-0", Content: "x"}),
		transaction(t, "trx-bad", aliceAddress, 1, nil),
		transaction(t, "trx-post-2", aliceAddress, 2, activity.Post{PostID: "post-2", Content: "y"}),
	)
	h.node.malformed["trx-bad"] = true
	var caughtUp int
	h.engine.OnGroupCaughtUp(func(string) { caughtUp++ })
	current := h.workerFor(t)

	current.cycle(context.Background())
	if status, _ := h.engine.Status(testGroupID); status.CaughtUp || status.Cursor != "trx-bad" || caughtUp != 0 {
		t.Fatalf("full raw page must not report caught up, got %#v", status)
	}
	current.cycle(context.Background())
	if status, _ := h.engine.Status(testGroupID); !status.CaughtUp || status.Cursor != "trx-post-2" || caughtUp != 1 {
		t.Fatalf("expected caught up at trx-post-2, got %#v", status)
	}
}

func TestCycleKeepsCursorWhenHandlerFails(t *testing.T) {
	h := newHarness(t, Config{PageSize: 20})
	h.node.append(
		transaction(t, "trx-post", aliceAddress, 0, activity.Post{PostID: "post-1", Content: "hello"}),
		transaction(t, "trx-like", aliceAddress, 1, activity.Counter{ObjectID: "post-1", CounterKind: activity.CounterLike}),
	)
	if err := h.db.Migrator().DropTable(&content.Counter{}); err != nil {
		t.Fatalf("drop counters: %v", err)
	}
	current := h.workerFor(t)

	current.cycle(context.Background())
	if got := h.cursor(t); got != "" {
		t.Fatalf("cursor must stay when a handler fails, got %q", got)
	}
	status, _ := h.engine.Status(testGroupID)
	if status.LastError == "" {
		t.Fatalf("expected cycle error in status")
	}

	if err := h.db.AutoMigrate(&content.Counter{}); err != nil {
		t.Fatalf("restore counters: %v", err)
	}
	current.cycle(context.Background())
	if got := h.cursor(t); got != "trx-like" {
		t.Fatalf("expected cursor after retry, got %q", got)
	}
	var post content.Post
	if err := h.db.Where("group_id = ? AND post_id = ?", testGroupID, "post-1").Take(&post).Error; err != nil {
		t.Fatalf("load post: %v", err)
	}
	if post.LikeCount != 1 {
		t.Fatalf("replayed page must count the like once, got %d", post.LikeCount)
	}
}

func TestPendingRetriesEndAbandoned(t *testing.T) {
	h := newHarness(t, Config{PageSize: 20, Retry: RetryPolicy{MaxAttempts: 2}})
	h.node.append(transaction(t, "trx-orphan", aliceAddress, 0, activity.Comment{CommentID: "c-1", InReplyTo: "missing", Content: "?"}))
	current := h.workerFor(t)

	loadPending := func() content.PendingTransaction {
		t.Helper()
		var row content.PendingTransaction
		if err := h.db.Where("group_id = ? AND trx_id = ?", testGroupID, "trx-orphan").Take(&row).Error; err != nil {
			t.Fatalf("load pending: %v", err)
		}
		return row
	}

	current.cycle(context.Background())
	if row := loadPending(); row.Attempts != 0 || row.Status != content.PendingWaiting {
		t.Fatalf("unexpected initial pending row %#v", row)
	}
	current.cycle(context.Background())
	if row := loadPending(); row.Attempts != 1 || row.Status != content.PendingWaiting || row.LastReason != string(content.ReasonMissingParent) {
		t.Fatalf("unexpected pending row after first retry %#v", row)
	}
	current.cycle(context.Background())
	if row := loadPending(); row.Attempts != 2 || row.Status != content.PendingAbandoned {
		t.Fatalf("expected abandoned after max attempts, got %#v", row)
	}
	current.cycle(context.Background())
	if row := loadPending(); row.Attempts != 2 {
		t.Fatalf("abandoned rows must not be retried, got %#v", row)
	}
}

func TestPendingResolvesWhenParentArrives(t *testing.T) {
	h := newHarness(t, Config{PageSize: 20, Retry: RetryPolicy{MaxAttempts: 5}})
	h.node.append(transaction(t, "trx-comment", aliceAddress, 1, activity.Comment{CommentID: "c-1", InReplyTo: "post-1", Content: "early"}))
	current := h.workerFor(t)
	current.cycle(context.Background())

	h.node.append(transaction(t, "trx-post", aliceAddress, 0, activity.Post{PostID: "post-1", Content: "late"}))
	current.cycle(context.Background())
	current.cycle(context.Background())

	var pending int64
	if err := h.db.Model(&content.PendingTransaction{}).Count(&pending).Error; err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if pending != 0 {
		t.Fatalf("expected pending row consumed, got %d", pending)
	}
	var post content.Post
	if err := h.db.Where("group_id = ? AND post_id = ?", testGroupID, "post-1").Take(&post).Error; err != nil {
		t.Fatalf("load post: %v", err)
	}
	if post.CommentCount != 1 {
		t.Fatalf("expected comment attached, got %d", post.CommentCount)
	}
}

func TestParentArrivalWakesBackedOffComment(t *testing.T) {
	h := newHarness(t, Config{PageSize: 20, Retry: RetryPolicy{BaseDelay: time.Hour, MaxDelay: time.Hour, MaxAttempts: 1}})
	h.node.append(transaction(t, "trx-comment", aliceAddress, 1, activity.Comment{CommentID: "c-1", InReplyTo: "post-1", Content: "early"}))
	current := h.workerFor(t)
	current.cycle(context.Background())
	current.cycle(context.Background())

	var row content.PendingTransaction
	if err := h.db.Where("group_id = ? AND trx_id = ?", testGroupID, "trx-comment").Take(&row).Error; err != nil {
		t.Fatalf("load pending: %v", err)
	}
	if row.Status != content.PendingAbandoned || row.DependencyID != "post-1" {
		t.Fatalf("expected abandoned row waiting on post-1, got %#v", row)
	}

	h.node.append(transaction(t, "trx-post", aliceAddress, 0, activity.Post{PostID: "post-1", Content: "late"}))
	current.cycle(context.Background())
	if len(current.wake) != 1 {
		t.Fatalf("an arriving parent must schedule another cycle")
	}
	<-current.wake
	current.cycle(context.Background())

	var post content.Post
	if err := h.db.Where("group_id = ? AND post_id = ?", testGroupID, "post-1").Take(&post).Error; err != nil {
		t.Fatalf("load post: %v", err)
	}
	if post.CommentCount != 1 {
		t.Fatalf("expected comment attached without waiting out its backoff, got %d", post.CommentCount)
	}
	var pending int64
	if err := h.db.Model(&content.PendingTransaction{}).Count(&pending).Error; err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if pending != 0 {
		t.Fatalf("expected pending row consumed, got %d", pending)
	}
}

func TestEmptyTransactionResolvedAfterNotify(t *testing.T) {
	h := newHarness(t, Config{PageSize: 20, Retry: RetryPolicy{BaseDelay: time.Hour, MaxAttempts: 5}})
	h.node.append(transaction(t, "trx-late", aliceAddress, 0, nil))
	current := h.workerFor(t)
	current.cycle(context.Background())

	var record content.EmptyTransaction
	if err := h.db.Where("group_id = ? AND trx_id = ?", testGroupID, "trx-late").Take(&record).Error; err != nil {
		t.Fatalf("expected empty record: %v", err)
	}
	if got := h.cursor(t); got != "trx-late" {
		t.Fatalf("empty transactions still advance the cursor, got %q", got)
	}

	current.cycle(context.Background())
	if err := h.db.Where("group_id = ? AND trx_id = ?", testGroupID, "trx-late").Take(&record).Error; err != nil {
		t.Fatalf("reload empty record: %v", err)
	}
	if record.Attempts != 1 || record.NextAttemptAtMs <= fixedNow.UnixMilli() {
		t.Fatalf("expected backoff after failed re-fetch, got %#v", record)
	}

	h.node.mu.Lock()
	h.node.refetch["trx-late"] = transaction(t, "trx-late", aliceAddress, 0, activity.Post{PostID: "post-late", Content: "arrived"})
	h.node.mu.Unlock()
	h.engine.Notify(context.Background(), testGroupID, "trx-late")
	if len(current.wake) != 1 {
		t.Fatalf("notify for an empty record must wake the worker")
	}
	<-current.wake

	current.cycle(context.Background())
	var remaining int64
	if err := h.db.Model(&content.EmptyTransaction{}).Count(&remaining).Error; err != nil {
		t.Fatalf("count empty: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected empty record resolved, got %d", remaining)
	}
	var post content.Post
	if err := h.db.Where("group_id = ? AND post_id = ?", testGroupID, "post-late").Take(&post).Error; err != nil {
		t.Fatalf("expected post from re-fetched payload: %v", err)
	}
}

func TestEmptyTransactionAbandoned(t *testing.T) {
	h := newHarness(t, Config{PageSize: 20, Retry: RetryPolicy{MaxAttempts: 2}})
	h.node.append(transaction(t, "trx-never", aliceAddress, 0, nil))
	current := h.workerFor(t)
	for index := 0; index < 4; index++ {
		current.cycle(context.Background())
	}

	var record content.EmptyTransaction
	if err := h.db.Where("group_id = ? AND trx_id = ?", testGroupID, "trx-never").Take(&record).Error; err != nil {
		t.Fatalf("load empty record: %v", err)
	}
	if record.Status != content.EmptyAbandoned || record.Attempts != 2 {
		t.Fatalf("expected abandoned record, got %#v", record)
	}
	if h.node.fetchOne != 2 {
		t.Fatalf("expected two re-fetches, got %d", h.node.fetchOne)
	}
	if got := testutil.ToFloat64(h.metrics.retries.WithLabelValues(queueEmpty, string(content.EmptyAbandoned))); got != 1 {
		t.Fatalf("expected abandoned retry metric, got %v", got)
	}
}

func TestRecoverySweepCombinesStoredSegments(t *testing.T) {
	h := newHarness(t, Config{PageSize: 20})
	bookGroup := node.GroupInfo{GroupID: testGroupID, GroupName: "Books", AppKey: "group_book", UserAddress: localAddress}
	h.node.groups = []node.GroupInfo{bookGroup}

	part := []byte("whole book")
	summary := activity.BookSummary{
		BookID:    "book-1",
		Name:      "book.txt",
		MediaType: "text/plain",
		Summary: activity.FileSummary{
			SHA256:   sha256Hex(part),
			Size:     int64(len(part)),
			Segments: []activity.SegmentRef{{ID: "seg-1", SHA256: sha256Hex(part)}},
		},
	}
	segment := activity.BookSegment{Segment: activity.Segment{SegmentID: "seg-1", ParentID: "book-1", Buffer: part}}
	batch := []activity.Classified{
		{Trx: transaction(t, "trx-summary", aliceAddress, 0, summary), Activity: summary},
		{Trx: transaction(t, "trx-seg", aliceAddress, 1, segment), Activity: segment},
	}
	if _, err := h.service.Apply(context.Background(), content.Group{ID: testGroupID, UserAddress: localAddress}, batch, content.ApplyOptions{}); err != nil {
		t.Fatalf("seed apply: %v", err)
	}

	current := h.workerFor(t)
	current.cycle(context.Background())

	var book content.Book
	if err := h.db.Where("group_id = ? AND book_id = ?", testGroupID, "book-1").Take(&book).Error; err != nil {
		t.Fatalf("load book: %v", err)
	}
	if !book.Complete {
		t.Fatalf("expected recovery sweep to complete the book")
	}
	events := h.sink.snapshot()
	if len(events) != 1 || len(events[0].CompletedBooks) != 1 || events[0].CompletedBooks[0] != "book-1" {
		t.Fatalf("expected completion event, got %#v", events)
	}
}

func TestJumpInNeverOverlapsCycles(t *testing.T) {
	h := newHarness(t, Config{PageSize: 20, PollInterval: time.Hour, LazyInterval: time.Hour})
	h.node.delay = 5 * time.Millisecond
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "group worker", func() bool { _, ok := h.engine.Status(testGroupID); return ok })

	var wg sync.WaitGroup
	for index := 0; index < 50; index++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !h.engine.JumpIn(testGroupID) {
				t.Errorf("jump in for a known group must succeed")
			}
		}()
	}
	wg.Wait()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.engine.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if max := atomic.LoadInt32(&h.node.maxSeen); max != 1 {
		t.Fatalf("cycles overlapped: %d concurrent fetches", max)
	}
	h.node.mu.Lock()
	pages := h.node.pages
	h.node.mu.Unlock()
	if pages < 2 || pages > 51 {
		t.Fatalf("expected jump-ins to collapse into a few cycles, got %d", pages)
	}
	if h.engine.JumpIn("unknown") {
		t.Fatalf("unknown group must report false")
	}
}

func TestLazyModeNeedsConnectedStream(t *testing.T) {
	h := newHarness(t, Config{PageSize: 20})
	current := h.workerFor(t)
	current.cycle(context.Background())

	if status, _ := h.engine.Status(testGroupID); !status.CaughtUp || status.Lazy {
		t.Fatalf("caught up without socket must not be lazy: %#v", status)
	}
	h.stream.connected.Store(true)
	if status, _ := h.engine.Status(testGroupID); !status.Lazy {
		t.Fatalf("expected lazy mode with connected socket: %#v", status)
	}

	h.engine.Notify(context.Background(), testGroupID, "trx-anything")
	if len(current.wake) != 1 {
		t.Fatalf("notify must wake a lazy group")
	}
}

func TestStartSkipsUnsupportedGroups(t *testing.T) {
	h := newHarness(t, Config{PollInterval: time.Hour, LazyInterval: time.Hour})
	h.node.groups = append(h.node.groups, node.GroupInfo{GroupID: "group-chat", AppKey: "group_chat"})
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.stop(t)

	waitFor(t, "group worker", func() bool { return len(h.engine.Groups()) > 0 })
	groups := h.engine.Groups()
	if len(groups) != 1 || groups[0].GroupID != testGroupID || groups[0].Template != activity.TemplatePost {
		t.Fatalf("unexpected groups %#v", groups)
	}
	if err := h.engine.Start(context.Background()); err == nil {
		t.Fatalf("second start must fail")
	}
}

func TestStartRetriesUnreachableNode(t *testing.T) {
	h := newHarness(t, Config{PollInterval: time.Hour, LazyInterval: time.Hour, GroupsInterval: 10 * time.Millisecond})
	h.node.listErrs = 3
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("start must not fail while the node is down: %v", err)
	}
	defer h.stop(t)

	waitFor(t, "group after node recovery", func() bool { _, ok := h.engine.Status(testGroupID); return ok })
	h.node.mu.Lock()
	calls := h.node.listCalls
	h.node.mu.Unlock()
	if calls < 4 {
		t.Fatalf("expected discovery to retry past failures, got %d calls", calls)
	}
}

func TestDiscoveryPicksUpNewGroups(t *testing.T) {
	h := newHarness(t, Config{PollInterval: time.Hour, LazyInterval: time.Hour, GroupsInterval: 10 * time.Millisecond})
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.stop(t)
	waitFor(t, "first group", func() bool { return len(h.engine.Groups()) == 1 })
	first, _ := h.engine.Status(testGroupID)

	h.node.setGroups(
		h.node.groups[0],
		node.GroupInfo{GroupID: "group-books", GroupName: "Books", AppKey: "group_book", UserAddress: localAddress},
	)
	waitFor(t, "second group", func() bool { return len(h.engine.Groups()) == 2 })

	books, ok := h.engine.Status("group-books")
	if !ok || books.Template != activity.TemplateBook {
		t.Fatalf("unexpected book group %#v", books)
	}
	if again, _ := h.engine.Status(testGroupID); again.GroupName != first.GroupName {
		t.Fatalf("known group must keep its worker, got %#v", again)
	}
}

func TestEngineRestartsAfterStop(t *testing.T) {
	h := newHarness(t, Config{PollInterval: time.Hour, LazyInterval: time.Hour})
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "group worker", func() bool { return len(h.engine.Groups()) == 1 })
	h.stop(t)
	if groups := h.engine.Groups(); len(groups) != 0 {
		t.Fatalf("stopped engine must drop its workers, got %#v", groups)
	}

	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer h.stop(t)
	waitFor(t, "group worker after restart", func() bool { return len(h.engine.Groups()) == 1 })
	if !h.engine.JumpIn(testGroupID) {
		t.Fatalf("restarted engine must accept jump-ins")
	}
}
