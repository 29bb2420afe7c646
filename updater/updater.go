package updater

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arkstore/curator/pkg/metrics"
	"github.com/arkstore/curator/storagerpc"
	"github.com/arkstore/curator/topology"
)

// Config carries the updater's tunables.  Zero values fall back to the
// documented defaults.
type Config struct {
	// ReloadPeriod is the delay between synchronization passes.
	// Defaults to 60s.
	ReloadPeriod time.Duration

	// RPCTimeout bounds individual metadata-store operations.
	// Defaults to 5s.
	RPCTimeout time.Duration

	// WatermarkKey is the metadata-store key holding the highest group id
	// ever observed, as a decimal string.
	WatermarkKey string

	// CoupleMetaPrefix is prepended to a couple's canonical id to form its
	// metadata-store key.
	CoupleMetaPrefix string
}

func (c *Config) applyDefaults() {
	if c.ReloadPeriod == 0 {
		c.ReloadPeriod = 60 * time.Second
	}
	if c.RPCTimeout == 0 {
		c.RPCTimeout = 5 * time.Second
	}
}

// UpdaterOptions are the collaborators injected at construction.
type UpdaterOptions struct {
	Logger *zap.Logger

	Client      storagerpc.Client
	MetaSession storagerpc.MetaSession
	Store       *topology.Store

	Config Config
}

// Updater is the cluster-state synchronization coordinator.  One pass runs
// statistics collection, group membership reconciliation and couple
// metadata reconciliation in strict order under a single cluster-wide
// update lock; a second trigger blocks until the first pass completes.
// Failures never propagate out of a pass: the next scheduled pass retries
// everything, which is safe because every stage is idempotent.
type Updater struct {
	logger  *zap.Logger
	client  storagerpc.Client
	meta    storagerpc.MetaSession
	store   *topology.Store
	cfg     Config
	metrics *metrics.UpdaterMetrics

	updateLock sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs the updater and immediately runs one synchronous pass so
// the topology store is populated before anyone consumes it.
func New(ctx context.Context, opts UpdaterOptions) (*Updater, error) {
	if opts.Client == nil {
		return nil, errors.New("a storage rpc client is required")
	}
	if opts.MetaSession == nil {
		return nil, errors.New("a metadata store session is required")
	}
	if opts.Store == nil {
		return nil, errors.New("a topology store is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg := opts.Config
	cfg.applyDefaults()

	u := &Updater{
		logger:  logger,
		client:  opts.Client,
		meta:    opts.MetaSession,
		store:   opts.Store,
		cfg:     cfg,
		metrics: metrics.GetUpdaterMetrics(),
		stopCh:  make(chan struct{}),
	}

	u.logger.Info("created cluster updater",
		zap.Duration("reloadPeriod", cfg.ReloadPeriod),
		zap.Duration("rpcTimeout", cfg.RPCTimeout))

	u.RunPass(ctx)

	return u, nil
}

// Run drives the pass schedule until Stop is called or the context ends.
// A pass already in flight when Stop arrives is not cancelled.
func (u *Updater) Run(ctx context.Context) {
	for {
		select {
		case <-time.After(u.cfg.ReloadPeriod):
			u.RunPass(ctx)
		case <-u.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts future scheduled passes.
func (u *Updater) Stop() {
	u.stopOnce.Do(func() {
		close(u.stopCh)
	})
}

// RunPass executes one full synchronization pass: statistics collection,
// the max-group-id watermark update, group membership reconciliation and
// couple metadata reconciliation, serialized under the cluster update
// lock.  Stage failures are contained and logged; the pass reports whether
// every stage succeeded.
func (u *Updater) RunPass(ctx context.Context) bool {
	u.updateLock.Lock()
	defer u.updateLock.Unlock()

	passLogger := u.logger.With(zap.String("pass", uuid.NewString()))
	passLogger.Info("cluster updating: pass started")
	start := time.Now()

	ok := u.runStage(ctx, passLogger, "statistics", u.collectStats)

	// the watermark only seeds external group-id allocation; failures to
	// read or write it must not fail the pass
	u.updateMaxGroupWatermark(ctx, passLogger)

	ok = u.runStage(ctx, passLogger, "group coupling", u.reconcileGroups) && ok
	ok = u.runStage(ctx, passLogger, "couple meta", u.reconcileCouples) && ok

	u.store.PublishSnapshot()

	elapsed := time.Since(start)
	u.metrics.PassesTotal.Add(ctx, 1)
	u.metrics.PassDuration.Record(ctx, elapsed.Seconds())
	if !ok {
		u.metrics.PassFailures.Add(ctx, 1)
	}

	passLogger.Info("cluster updating: pass finished",
		zap.Duration("elapsed", elapsed),
		zap.Bool("success", ok))
	return ok
}

// runStage contains one stage's failure: errors and panics are logged with
// their context and the pass moves on to the next stage.
func (u *Updater) runStage(
	ctx context.Context,
	logger *zap.Logger,
	name string,
	fn func(ctx context.Context, logger *zap.Logger) error,
) (ok bool) {
	stageLogger := logger.With(zap.String("stage", name))

	defer func() {
		if r := recover(); r != nil {
			stageLogger.Error("stage panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			ok = false
		}
	}()

	stageLogger.Debug("stage started")
	start := time.Now()

	err := fn(ctx, stageLogger)
	if err != nil {
		stageLogger.Error("stage failed", zap.Error(err))
		return false
	}

	stageLogger.Debug("stage finished", zap.Duration("elapsed", time.Since(start)))
	return true
}

// ForceUpdate runs one pass out of schedule.  It serializes on the update
// lock with scheduled passes and surfaces whether the pass fully
// succeeded; it never affects the schedule itself.
func (u *Updater) ForceUpdate(ctx context.Context) bool {
	u.logger.Info("forcing cluster update")
	ok := u.RunPass(ctx)
	if ok {
		u.logger.Info("cluster was successfully updated")
	} else {
		u.logger.Warn("forced cluster update completed with failures")
	}
	return ok
}

// updateMaxGroupWatermark persists the highest observed group id so that
// external group-id allocation never reuses one.  The stored value only
// moves forward.
func (u *Updater) updateMaxGroupWatermark(ctx context.Context, logger *zap.Logger) {
	key := u.cfg.WatermarkKey
	if key == "" {
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, u.cfg.RPCTimeout)
	defer cancel()

	stored := 0
	entry, err := storagerpc.FirstEntryCtx(opCtx, u.meta.ReadLatest(opCtx, key))
	switch {
	case err == nil:
		stored, err = strconv.Atoi(string(entry.Data))
		if err != nil {
			logger.Error("max group watermark is not a decimal string",
				zap.ByteString("value", entry.Data))
			stored = 0
		}
	case errors.Is(err, storagerpc.ErrNotFound):
		logger.Debug("max group watermark is not set yet")
	default:
		logger.Error("failed to read max group watermark", zap.Error(err))
	}

	current := u.store.MaxGroupID()
	if current == 0 {
		logger.Warn("no groups found in topology store")
		return
	}

	if current <= stored {
		return
	}

	logger.Info("updating max group watermark",
		zap.Int("stored", stored), zap.Int("current", current))

	value := []byte(strconv.Itoa(current))
	if _, err := storagerpc.FirstEntryCtx(opCtx, u.meta.Write(opCtx, key, value)); err != nil {
		logger.Error("failed to write max group watermark", zap.Error(err))
		return
	}

	u.metrics.WatermarkUpdates.Add(ctx, 1)
}

// staleAfter is how old a backend's statistics may be before the backend
// counts as stalled.
func (u *Updater) staleAfter() time.Duration {
	return 3 * u.cfg.ReloadPeriod
}

// coupleMetaKey builds the metadata-store key of a couple's record.
func (u *Updater) coupleMetaKey(coupleKey string) string {
	return fmt.Sprintf("%s%s", u.cfg.CoupleMetaPrefix, coupleKey)
}
