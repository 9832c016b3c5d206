// Package engine assembles the sync engine: it opens the durable store,
// wires the connectivity monitor, leadership coordinator, enqueuer, and
// dispatcher together, and owns their lifecycles. Callers embed the engine
// in an application process and interact with it through Enqueue, Subscribe,
// and the diagnostic Snapshot.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/stockroomhq/go-stockroom-sync/internal/boltstore"
	"github.com/stockroomhq/go-stockroom-sync/internal/config"
	"github.com/stockroomhq/go-stockroom-sync/internal/domain"
	"github.com/stockroomhq/go-stockroom-sync/internal/events"
	"github.com/stockroomhq/go-stockroom-sync/internal/leader"
	"github.com/stockroomhq/go-stockroom-sync/internal/netmon"
	"github.com/stockroomhq/go-stockroom-sync/internal/repo"
	"github.com/stockroomhq/go-stockroom-sync/internal/services"
	"github.com/stockroomhq/go-stockroom-sync/internal/sysutil"
	"github.com/stockroomhq/go-stockroom-sync/internal/transport"
)

// Store is the full durable-store surface the engine needs: the dispatch
// queue contract, the diagnostic operations of the status API, and the
// leadership lease. Both the SQLite and the Bolt backend implement it.
type Store interface {
	services.Queue
	leader.LeaseStore

	List(ctx context.Context, status domain.Status, offset, limit int) ([]domain.Mutation, error)
	CancelPending(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Close() error
}

// Snapshot is the engine's diagnostic state at a point in time.
type Snapshot struct {
	InstanceID    string
	Online        bool
	Leader        bool
	StoreBackend  string
	Counts        map[domain.Status]int64
	OverflowDepth int
}

// Engine owns the sync loop components and their lifecycles.
type Engine struct {
	cfg        config.Config
	log        zerolog.Logger
	instanceID string

	store Store
	bus   *events.Bus
	enq   *services.Enqueuer
	disp  *services.Dispatcher
	mon   *netmon.Monitor
	coord *leader.Coordinator
	notif *notifier

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens the configured store backend and assembles the engine.
func New(cfg config.Config, log zerolog.Logger) (*Engine, error) {
	var store Store
	switch cfg.StoreBackend {
	case "bolt":
		s, err := boltstore.Open(cfg.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("open bolt store: %w", err)
		}
		store = s
	default:
		db, err := repo.OpenSQLite(cfg.DBPath, cfg.OTEL.Enabled)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		if err := repo.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		store = &gormStore{db: db}
	}
	return NewWithStore(cfg, store, log), nil
}

// NewWithStore assembles the engine over an already-open store.
func NewWithStore(cfg config.Config, store Store, log zerolog.Logger) *Engine {
	instanceID := sysutil.InstanceID(cfg.InstanceID)
	bus := events.NewBus()
	mon := netmon.New(cfg.ProbeURL, cfg.ProbeInterval, cfg.ProbeTimeout, log)
	coord := leader.New(store, instanceID, cfg.LeaseTTL, cfg.LeaseRenewInterval, log)
	sender := transport.NewClient(cfg.APIBaseURL, cfg.IdempotencyHeader, cfg.DispatchTimeout, log)

	enq := services.NewEnqueuer(store, bus, log)
	disp := services.NewDispatcher(store, sender, bus, mon, coord, log)
	// Zero config values keep the constructor defaults, so a partially
	// filled programmatic config can never hand the loop a zero ticker
	// interval or an instantly-exhausted retry policy.
	if cfg.RetryBase > 0 {
		disp.Policy.Base = cfg.RetryBase
	}
	if cfg.RetryCap > 0 {
		disp.Policy.Cap = cfg.RetryCap
	}
	if cfg.RetryMaxAttempts > 0 {
		disp.Policy.MaxAttempts = cfg.RetryMaxAttempts
	}
	if cfg.DispatchTimeout > 0 {
		disp.SendTimeout = cfg.DispatchTimeout
	}
	if cfg.PruneRetention > 0 {
		disp.PruneRetention = cfg.PruneRetention
	}
	if cfg.PruneInterval > 0 {
		disp.PruneInterval = cfg.PruneInterval
	}
	if cfg.RateRPS > 0 {
		disp.Limiter = rate.NewLimiter(rate.Limit(cfg.RateRPS), cfg.RateBurst)
	}
	disp.Overflow = enq
	enq.Kick = disp.Kick

	return &Engine{
		cfg:        cfg,
		log:        log,
		instanceID: instanceID,
		store:      store,
		bus:        bus,
		enq:        enq,
		disp:       disp,
		mon:        mon,
		coord:      coord,
		notif:      newNotifier(store, bus, cfg.NotifyInterval, log),
	}
}

// Start launches the probe, lease, dispatch, and outcome-sweep loops.
// Idempotent callers must not Start twice.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(4)
	go func() { defer e.wg.Done(); e.mon.Run(ctx) }()
	go func() { defer e.wg.Done(); e.coord.Run(ctx) }()
	go func() { defer e.wg.Done(); e.disp.Run(ctx) }()
	go func() { defer e.wg.Done(); e.notif.Run(ctx) }()

	e.log.Info().
		Str("instance_id", e.instanceID).
		Str("store_backend", e.cfg.StoreBackend).
		Msg("sync engine started")
}

// Close stops the loops, waits for in-flight work to settle, and closes the
// store.
func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	return e.store.Close()
}

// Enqueue registers an intended write. See services.Enqueuer.Enqueue.
func (e *Engine) Enqueue(ctx context.Context, entityKind string, op domain.Operation, payload json.RawMessage, optimisticApply func(entityID string)) (services.Receipt, error) {
	return e.enq.Enqueue(ctx, entityKind, op, payload, optimisticApply)
}

// Subscribe registers a lifecycle event listener and returns its unsubscribe
// function.
func (e *Engine) Subscribe(fn func(events.Event)) func() {
	return e.bus.Subscribe(fn)
}

// Store exposes the durable store for the status API.
func (e *Engine) Store() Store { return e.store }

// InstanceID returns the engine's lease-holder identity.
func (e *Engine) InstanceID() string { return e.instanceID }

// SetOnline forces the connectivity flag, for callers with out-of-band
// knowledge (tests, airplane-mode toggles in the host app).
func (e *Engine) SetOnline(online bool) { e.mon.SetOnline(online) }

// Snapshot reports the engine's diagnostic state.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	counts, err := e.store.CountByStatus(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		InstanceID:    e.instanceID,
		Online:        e.mon.IsOnline(),
		Leader:        e.coord.IsLeader(),
		StoreBackend:  e.cfg.StoreBackend,
		Counts:        counts,
		OverflowDepth: e.enq.OverflowDepth(),
	}, nil
}

// gormStore adapts the repository free functions to the Store interface,
// mirroring how the services layer stays decoupled from GORM.
type gormStore struct {
	db *gorm.DB
}

func (s *gormStore) Enqueue(ctx context.Context, m *domain.Mutation) error {
	return repo.EnqueueMutation(ctx, s.db, m)
}

func (s *gormStore) Get(ctx context.Context, key string) (*domain.Mutation, error) {
	return repo.GetMutation(ctx, s.db, key)
}

func (s *gormStore) NextEligible(ctx context.Context, now time.Time) (*domain.Mutation, error) {
	return repo.NextEligible(ctx, s.db, now)
}

func (s *gormStore) ClaimSyncing(ctx context.Context, key string) error {
	return repo.ClaimSyncing(ctx, s.db, key)
}

func (s *gormStore) MarkSynced(ctx context.Context, key, serverID string) error {
	return repo.MarkSynced(ctx, s.db, key, serverID)
}

func (s *gormStore) MarkFailed(ctx context.Context, key, reason string, attempts int) error {
	return repo.MarkFailed(ctx, s.db, key, reason, attempts)
}

func (s *gormStore) Reschedule(ctx context.Context, key string, attempts int, nextAt time.Time, lastErr string) error {
	return repo.Reschedule(ctx, s.db, key, attempts, nextAt, lastErr)
}

func (s *gormStore) ReleaseSyncing(ctx context.Context, key string) error {
	return repo.ReleaseSyncing(ctx, s.db, key)
}

func (s *gormStore) RequeueInFlight(ctx context.Context) (int64, error) {
	return repo.RequeueInFlight(ctx, s.db)
}

func (s *gormStore) ResolveDependents(ctx context.Context, depKey, localID, serverID string) ([]string, error) {
	return repo.ResolveDependents(ctx, s.db, depKey, localID, serverID)
}

func (s *gormStore) ResolveSettled(ctx context.Context) (int64, error) {
	return repo.ResolveSettled(ctx, s.db)
}

func (s *gormStore) BlockDependents(ctx context.Context, depKey, reason string) ([]string, error) {
	return repo.BlockDependents(ctx, s.db, depKey, reason)
}

func (s *gormStore) UnresolvedLocalIDs(ctx context.Context) (map[string]string, error) {
	return repo.UnresolvedLocalIDs(ctx, s.db)
}

func (s *gormStore) ResolvedLocalIDs(ctx context.Context) (map[string]string, error) {
	return repo.ResolvedLocalIDs(ctx, s.db)
}

func (s *gormStore) MarkNotified(ctx context.Context, key string, now time.Time) error {
	return repo.MarkNotified(ctx, s.db, key, now)
}

func (s *gormStore) PruneTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	return repo.PruneTerminal(ctx, s.db, cutoff)
}

func (s *gormStore) PruneOldestTerminal(ctx context.Context, n int) (int64, error) {
	return repo.PruneOldestTerminal(ctx, s.db, n)
}

func (s *gormStore) CountByStatus(ctx context.Context) (map[domain.Status]int64, error) {
	return repo.CountByStatus(ctx, s.db)
}

func (s *gormStore) List(ctx context.Context, status domain.Status, offset, limit int) ([]domain.Mutation, error) {
	return repo.ListMutations(ctx, s.db, status, offset, limit)
}

func (s *gormStore) CancelPending(ctx context.Context, key string) error {
	return repo.CancelPending(ctx, s.db, key)
}

func (s *gormStore) Clear(ctx context.Context) error {
	return repo.ClearQueue(ctx, s.db)
}

func (s *gormStore) Acquire(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	return repo.AcquireLease(ctx, s.db, domain.LeaseName, holder, ttl, time.Now().UTC())
}

func (s *gormStore) Renew(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	return repo.RenewLease(ctx, s.db, domain.LeaseName, holder, ttl, time.Now().UTC())
}

func (s *gormStore) Release(ctx context.Context, holder string) error {
	return repo.ReleaseLease(ctx, s.db, domain.LeaseName, holder)
}

func (s *gormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
