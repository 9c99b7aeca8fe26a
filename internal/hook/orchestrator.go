package hook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"hookAuction/internal/executor"
	"hookAuction/internal/filter"
	"hookAuction/internal/metrics"
	"hookAuction/internal/model"
	"hookAuction/internal/storage"
	"hookAuction/internal/variables"
)

// Auctions looks up the read-model auction of a filter.
type Auctions interface {
	Auction(ctx context.Context, filterHash common.Hash) (model.Auction, bool, error)
}

// Processor turns a template and event into a multicall.
type Processor interface {
	Process(tpl model.TransactionTemplate, ev model.DetectedEvent, user common.Address) (*model.ProcessedMulticall, error)
}

// Executor broadcasts multicalls from the automation wallet.
type Executor interface {
	Address() common.Address
	Execute(ctx context.Context, hookID string, mc *model.ProcessedMulticall) (executor.Result, error)
}

// Registrar adds and removes feed filters.
type Registrar interface {
	Register(f model.EventFilter, eventABI string) (common.Hash, error)
	Unregister(hash common.Hash) bool
}

// ExecutionDropped is the execution metric status of work shed while every
// worker was busy.
const ExecutionDropped = "dropped"

type Config struct {
	Workers     int64
	DedupWindow int
}

type Deps struct {
	Hooks     storage.HookStore
	Events    storage.EventStore
	Journal   *storage.EventJournal
	Auctions  Auctions
	Processor Processor
	Executor  Executor
	Registrar Registrar
	Metrics   *metrics.Metrics
}

// Orchestrator routes detected events to the hooks of the current auction
// winner and runs their executions off the ingestion path.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	seen   *lru.Cache
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	logger *zap.Logger
	now    func() time.Time
}

func New(cfg Config, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Hooks == nil || deps.Auctions == nil || deps.Processor == nil || deps.Executor == nil {
		return nil, fmt.Errorf("hooks, auctions, processor and executor are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 4096
	}
	seen, err := lru.New(cfg.DedupWindow)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		seen:   seen,
		sem:    semaphore.NewWeighted(cfg.Workers),
		logger: logger,
		now:    time.Now,
	}, nil
}

// AddHook validates tpl against the hook's event ABI, stores it as a new
// template version pinned by the hook, and starts watching the filter.
func (o *Orchestrator) AddHook(ctx context.Context, hook model.Hook, tpl model.TransactionTemplate) (model.Hook, error) {
	if !hook.Filter.Biddable() {
		return model.Hook{}, fmt.Errorf("hook filter needs a contract address and topic0")
	}
	if hook.Owner == (common.Address{}) {
		return model.Hook{}, fmt.Errorf("hook owner is required")
	}
	if err := variables.ValidateTemplate(tpl, hook.EventABI); err != nil {
		return model.Hook{}, err
	}

	latest, err := o.deps.Hooks.GetTemplate(ctx, tpl.ID, 0)
	switch {
	case err == nil:
		tpl.Version = latest.Version + 1
	case errors.Is(err, storage.ErrNotFound):
		tpl.Version = 1
	default:
		return model.Hook{}, fmt.Errorf("load template %s: %w", tpl.ID, err)
	}
	if tpl.CreatedAt.IsZero() {
		tpl.CreatedAt = o.now().UTC()
	}
	if err := o.deps.Hooks.SaveTemplate(ctx, tpl); err != nil {
		return model.Hook{}, fmt.Errorf("save template: %w", err)
	}

	if hook.ID == "" {
		hook.ID = uuid.NewString()
	}
	hook.FilterHash = filter.Hash(hook.Filter)
	hook.TemplateID = tpl.ID
	hook.TemplateVersion = tpl.Version
	if hook.CreatedAt.IsZero() {
		hook.CreatedAt = o.now().UTC()
	}
	if err := o.deps.Hooks.SaveHook(ctx, hook); err != nil {
		return model.Hook{}, fmt.Errorf("save hook: %w", err)
	}
	if hook.Enabled {
		if err := o.watch(hook); err != nil {
			return model.Hook{}, err
		}
	}
	o.logger.Info("hook added",
		zap.String("hook_id", hook.ID),
		zap.String("filter_hash", hook.FilterHash.Hex()),
		zap.String("template_id", tpl.ID),
		zap.Int("template_version", tpl.Version),
	)
	return hook, nil
}

// Bootstrap registers the filters of every enabled stored hook.
func (o *Orchestrator) Bootstrap(ctx context.Context) (int, error) {
	hooks, err := o.deps.Hooks.ListHooks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list hooks: %w", err)
	}
	registered := make(map[common.Hash]struct{})
	for _, h := range hooks {
		if !h.Enabled {
			continue
		}
		if _, ok := registered[h.FilterHash]; ok {
			continue
		}
		if err := o.watch(h); err != nil {
			return len(registered), fmt.Errorf("hook %s: %w", h.ID, err)
		}
		registered[h.FilterHash] = struct{}{}
	}
	return len(registered), nil
}

// SetEnabled toggles a hook. Events detected after this returns respect the
// new state; executions already broadcast are not cancelled.
func (o *Orchestrator) SetEnabled(ctx context.Context, id string, enabled bool) error {
	h, err := o.deps.Hooks.GetHook(ctx, id)
	if err != nil {
		return err
	}
	if err := o.deps.Hooks.SetHookEnabled(ctx, id, enabled); err != nil {
		return err
	}
	if enabled {
		return o.watch(h)
	}
	hooks, err := o.hooksFor(ctx, h.FilterHash)
	if err != nil {
		return err
	}
	if len(hooks) == 0 && o.deps.Registrar != nil {
		o.deps.Registrar.Unregister(h.FilterHash)
	}
	return nil
}

func (o *Orchestrator) watch(h model.Hook) error {
	if o.deps.Registrar == nil {
		return nil
	}
	if _, err := o.deps.Registrar.Register(h.Filter, h.EventABI); err != nil {
		return fmt.Errorf("register filter: %w", err)
	}
	return nil
}

// Run handles events until the channel closes or ctx ends, then waits for
// in-flight executions.
func (o *Orchestrator) Run(ctx context.Context, events <-chan model.DetectedEvent) error {
	defer o.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			o.Handle(ctx, ev)
		}
	}
}

// Wait blocks until scheduled executions finish.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Handle routes one detected event and returns how many executions were
// scheduled. It never blocks on execution: when every worker is busy the
// execution is dropped and counted.
func (o *Orchestrator) Handle(ctx context.Context, ev model.DetectedEvent) int {
	key := ev.FilterHash.Hex() + "|" + ev.DedupKey()
	if o.seen.Contains(key) {
		o.logger.Debug("duplicate event", zap.String("key", key))
		return 0
	}
	log := o.logger.With(
		zap.String("event_id", ev.ID),
		zap.String("filter_hash", ev.FilterHash.Hex()),
		zap.String("tx_hash", ev.TransactionHash.Hex()),
		zap.Uint("log_index", ev.LogIndex),
	)
	o.persist(ctx, log, ev)

	auction, found, err := o.deps.Auctions.Auction(ctx, ev.FilterHash)
	if err != nil {
		log.Warn("auction lookup", zap.Error(err))
		return 0
	}
	if !found || !auction.IsActive || auction.IsExecuted {
		o.seen.Add(key, struct{}{})
		log.Debug("no active auction for filter", zap.Bool("found", found))
		return 0
	}

	hooks, err := o.hooksFor(ctx, ev.FilterHash)
	if err != nil {
		log.Warn("hook lookup", zap.Error(err))
		return 0
	}
	// Only a routed event is remembered, so a redelivery after a failed
	// lookup gets another chance.
	if seen, _ := o.seen.ContainsOrAdd(key, struct{}{}); seen {
		return 0
	}
	scheduled := 0
	for _, h := range hooks {
		if h.Owner != auction.CurrentBidder {
			continue
		}
		if !o.sem.TryAcquire(1) {
			o.deps.Metrics.Execution(ExecutionDropped, 0)
			log.Warn("all workers busy, dropping execution", zap.String("hook_id", h.ID))
			continue
		}
		o.wg.Add(1)
		go o.execute(ctx, h.ID, ev, log.With(zap.String("hook_id", h.ID)))
		scheduled++
	}
	if scheduled == 0 {
		log.Debug("winner has no enabled hook", zap.String("winner", auction.CurrentBidder.Hex()))
	}
	return scheduled
}

// persist is best effort; storage failures never stop routing.
func (o *Orchestrator) persist(ctx context.Context, log *zap.Logger, ev model.DetectedEvent) {
	if o.deps.Events != nil {
		if _, err := o.deps.Events.SaveDetectedEvent(ctx, ev); err != nil {
			log.Warn("save detected event", zap.Error(err))
		}
	}
	if err := o.deps.Journal.Append(ev); err != nil {
		log.Warn("journal detected event", zap.Error(err))
	}
}

func (o *Orchestrator) hooksFor(ctx context.Context, filterHash common.Hash) ([]model.Hook, error) {
	all, err := o.deps.Hooks.ListHooks(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Hook
	for _, h := range all {
		if h.Enabled && h.FilterHash == filterHash {
			out = append(out, h)
		}
	}
	return out, nil
}

func (o *Orchestrator) execute(ctx context.Context, hookID string, ev model.DetectedEvent, log *zap.Logger) {
	defer o.wg.Done()
	defer o.sem.Release(1)

	h, err := o.deps.Hooks.GetHook(ctx, hookID)
	if err != nil {
		log.Warn("load hook", zap.Error(err))
		return
	}
	if !h.Enabled {
		log.Info("hook disabled before execution")
		return
	}
	auction, found, err := o.deps.Auctions.Auction(ctx, h.FilterHash)
	if err != nil {
		log.Warn("auction lookup", zap.Error(err))
		return
	}
	if !found || !auction.IsActive || auction.IsExecuted || auction.CurrentBidder != h.Owner {
		log.Info("hook owner no longer winning", zap.String("winner", auction.CurrentBidder.Hex()))
		return
	}
	tpl, err := o.deps.Hooks.GetTemplate(ctx, h.TemplateID, h.TemplateVersion)
	if err != nil {
		log.Warn("load template", zap.Error(err))
		return
	}

	user := h.Wallet
	if user == (common.Address{}) {
		user = o.deps.Executor.Address()
	}
	mc, err := o.deps.Processor.Process(tpl, ev, user)
	if err != nil || mc == nil {
		log.Warn("template not processed", zap.Error(err))
		return
	}

	res, err := o.deps.Executor.Execute(ctx, h.ID, mc)
	if err != nil {
		log.Warn("execution failed",
			zap.String("execution_id", res.Execution.ID),
			zap.String("status", string(res.Execution.Status)),
			zap.Error(err),
		)
		return
	}
	log.Info("hook executed",
		zap.String("execution_id", res.Execution.ID),
		zap.String("tx_hash", res.Execution.TxHash.Hex()),
		zap.String("status", string(res.Execution.Status)),
	)
}
