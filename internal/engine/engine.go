// Package engine drives per-group synchronization: polling the node feed,
// applying classified transactions, reassembling files, and retrying
// transactions that wait on dependencies or payloads.
package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/shelfsync/internal/activity"
	"github.com/MarcoPoloResearchLab/shelfsync/internal/content"
	"github.com/MarcoPoloResearchLab/shelfsync/internal/node"
)

const (
	defaultPollInterval = 1 * time.Second
	defaultLazyInterval = 10 * time.Second
	defaultPageSize     = 20
	defaultRetryBatch   = 50
	defaultGroupsPeriod = 10 * time.Second
)

var (
	errMissingService = errors.New("content service is required")
	errMissingNode    = errors.New("node client is required")
	errAlreadyStarted = errors.New("engine already started")
	errNotStarted     = errors.New("engine not started")
)

// Node is the fetch side of the node collaborator.
type Node interface {
	ListGroups(ctx context.Context) ([]node.GroupInfo, error)
	FetchPage(ctx context.Context, groupID, startTrx string, limit int) (node.Page, error)
	FetchOne(ctx context.Context, groupID, trxID string) (*activity.Transaction, error)
}

// PushChannel is the trx-id notification feed.
type PushChannel interface {
	Run(ctx context.Context, handle func(node.Notification)) error
	Connected() bool
}

// Config tunes polling and retries.
type Config struct {
	PollInterval   time.Duration
	LazyInterval   time.Duration
	PageSize       int
	RetryBatch     int
	Retry          RetryPolicy
	// GroupsInterval spaces group discovery passes, including retries after
	// the node could not be reached.
	GroupsInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.LazyInterval <= 0 {
		c.LazyInterval = defaultLazyInterval
	}
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	if c.RetryBatch <= 0 {
		c.RetryBatch = defaultRetryBatch
	}
	if c.GroupsInterval <= 0 {
		c.GroupsInterval = defaultGroupsPeriod
	}
	if c.Retry == (RetryPolicy{}) {
		c.Retry = DefaultRetryPolicy()
	}
	return c
}

// Options wires the engine.
type Options struct {
	Service *content.Service
	Node    Node
	// Stream is optional; without it groups never enter lazy mode.
	Stream  PushChannel
	Config  Config
	Metrics *Metrics
	Events  EventSink
	Clock   func() time.Time
	Logger  *zap.Logger
}

// GroupStatus is a snapshot of one group's sync progress.
type GroupStatus struct {
	GroupID     string            `json:"group_id"`
	GroupName   string            `json:"group_name"`
	AppKey      string            `json:"app_key"`
	Template    activity.Template `json:"template"`
	UserAddress string            `json:"user_address"`
	Cursor      string            `json:"cursor"`
	CaughtUp    bool              `json:"caught_up"`
	Lazy        bool              `json:"lazy"`
	Cycles      int64             `json:"cycles"`
	LastCycleAt time.Time         `json:"last_cycle_at"`
	LastError   string            `json:"last_error,omitempty"`
}

// Engine is the content task manager: one worker goroutine per group.
type Engine struct {
	service *content.Service
	node    Node
	stream  PushChannel
	config  Config
	metrics *Metrics
	events  EventSink
	clock   func() time.Time
	logger  *zap.Logger

	mu        sync.RWMutex
	workers   map[string]*worker
	skipped   map[string]struct{}
	caughtUp  []func(groupID string)
	cancel    context.CancelFunc
	runCtx    context.Context
	waitGroup sync.WaitGroup
}

func New(opts Options) (*Engine, error) {
	if opts.Service == nil {
		return nil, errMissingService
	}
	if opts.Node == nil {
		return nil, errMissingNode
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := opts.Events
	if events == nil {
		events = discardSink{}
	}
	return &Engine{
		service: opts.Service,
		node:    opts.Node,
		stream:  opts.Stream,
		config:  opts.Config.withDefaults(),
		metrics: opts.Metrics,
		events:  events,
		clock:   clock,
		logger:  logger,
		workers: make(map[string]*worker),
		skipped: make(map[string]struct{}),
	}, nil
}

// OnGroupCaughtUp registers a callback fired when a group's poll first returns
// a short page after having been behind.
func (e *Engine) OnGroupCaughtUp(callback func(groupID string)) {
	if callback == nil {
		return
	}
	e.mu.Lock()
	e.caughtUp = append(e.caughtUp, callback)
	e.mu.Unlock()
}

// Start launches group discovery and the push channel reader and returns.
// Discovery lists the node's groups at once and then every GroupsInterval,
// starting a worker for each newly seen recognised group. An unreachable node
// is retried on the same interval and never fails Start.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		cancel()
		return errAlreadyStarted
	}
	e.cancel = cancel
	e.runCtx = runCtx
	e.waitGroup.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.waitGroup.Done()
		e.discoverLoop(runCtx)
	}()

	if e.stream != nil {
		e.waitGroup.Add(1)
		go func() {
			defer e.waitGroup.Done()
			if err := e.stream.Run(runCtx, e.handleNotification); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("push channel stopped", zap.Error(err))
			}
		}()
	}
	e.logger.Info("sync engine started")
	return nil
}

func (e *Engine) discoverLoop(ctx context.Context) {
	ticker := time.NewTicker(e.config.GroupsInterval)
	defer ticker.Stop()
	for {
		if err := e.discoverGroups(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("group discovery failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// discoverGroups starts workers for groups not seen before. Known groups keep
// their running worker.
func (e *Engine) discoverGroups(ctx context.Context) error {
	groups, err := e.node.ListGroups(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	for _, info := range groups {
		if _, known := e.workers[info.GroupID]; known {
			continue
		}
		if _, skipped := e.skipped[info.GroupID]; skipped {
			continue
		}
		template, err := activity.TemplateForAppKey(info.AppKey)
		if err != nil {
			e.skipped[info.GroupID] = struct{}{}
			e.logger.Warn("skipping group with unsupported app key",
				zap.String("group_id", info.GroupID),
				zap.String("app_key", info.AppKey))
			continue
		}
		current := newWorker(e, info, template)
		e.workers[info.GroupID] = current
		e.waitGroup.Add(1)
		go func() {
			defer e.waitGroup.Done()
			current.run(ctx)
		}()
		e.logger.Info("group worker started",
			zap.String("group_id", info.GroupID),
			zap.String("template", string(template)))
	}
	return nil
}

// Stop cancels discovery, the workers and the push channel and waits for
// them to exit or for ctx to expire. In-flight store transactions finish
// before a worker returns. A fully stopped engine can be started again.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel == nil {
		return errNotStarted
	}
	cancel()

	done := make(chan struct{})
	go func() {
		e.waitGroup.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.mu.Lock()
	e.cancel = nil
	e.runCtx = nil
	e.workers = make(map[string]*worker)
	e.skipped = make(map[string]struct{})
	e.mu.Unlock()
	e.logger.Info("sync engine stopped")
	return nil
}

// JumpIn schedules an immediate cycle for the group. A cycle already running
// is never overlapped; the request collapses into the next one. It reports
// whether the group is known.
func (e *Engine) JumpIn(groupID string) bool {
	current := e.worker(groupID)
	if current == nil {
		return false
	}
	current.jumpIn()
	return true
}

// Notify handles a push notification for (groupID, trxID): an unresolved empty
// record becomes due at once, and the worker is woken when the record exists
// or the group is idling in lazy mode.
func (e *Engine) Notify(ctx context.Context, groupID, trxID string) {
	current := e.worker(groupID)
	if current == nil {
		return
	}
	due, err := e.service.MarkEmptyDue(ctx, groupID, trxID)
	if err != nil {
		e.logger.Warn("mark empty record due failed",
			zap.String("group_id", groupID),
			zap.String("trx_id", trxID),
			zap.Error(err))
	}
	if due || current.lazy() {
		current.jumpIn()
	}
}

func (e *Engine) handleNotification(notification node.Notification) {
	e.metrics.observeNotification()
	e.mu.RLock()
	ctx := e.runCtx
	e.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}
	e.Notify(ctx, notification.GroupID, notification.TrxID)
}

// Groups returns status snapshots for every running group, ordered by id.
func (e *Engine) Groups() []GroupStatus {
	e.mu.RLock()
	statuses := make([]GroupStatus, 0, len(e.workers))
	for _, current := range e.workers {
		statuses = append(statuses, current.snapshot())
	}
	e.mu.RUnlock()
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].GroupID < statuses[j].GroupID })
	return statuses
}

// Status returns the snapshot for one group.
func (e *Engine) Status(groupID string) (GroupStatus, bool) {
	current := e.worker(groupID)
	if current == nil {
		return GroupStatus{}, false
	}
	return current.snapshot(), true
}

// Group returns the content group for a running group id.
func (e *Engine) Group(groupID string) (content.Group, bool) {
	current := e.worker(groupID)
	if current == nil {
		return content.Group{}, false
	}
	return current.group, true
}

func (e *Engine) worker(groupID string) *worker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.workers[groupID]
}

func (e *Engine) fireCaughtUp(groupID string) {
	e.mu.RLock()
	callbacks := append([]func(string){}, e.caughtUp...)
	e.mu.RUnlock()
	for _, callback := range callbacks {
		callback(groupID)
	}
}

func (e *Engine) streamConnected() bool {
	return e.stream != nil && e.stream.Connected()
}
