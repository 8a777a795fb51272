package safety

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/patternd/internal/metrics"
	"github.com/fyrsmithlabs/patternd/internal/store"
)

// limiterIdleTTL evicts per-conversation limiters nobody has used lately.
const limiterIdleTTL = 30 * time.Minute

// ConfigStore persists the config document.
type ConfigStore interface {
	LoadConfig(ctx context.Context) ([]byte, error)
	SaveConfig(ctx context.Context, doc []byte) error
}

// Controller serves config snapshots and gates auto-execution.
type Controller struct {
	current atomic.Pointer[Config]

	// writeMu serializes writers; readers never take it.
	writeMu sync.Mutex
	store   ConfigStore

	limMu    sync.Mutex
	limiters *cache.Cache

	logger *zap.Logger
}

// NewController seeds the controller. A persisted document wins over
// initial; an invalid persisted document is logged and ignored.
func NewController(ctx context.Context, initial Config, st ConfigStore, logger *zap.Logger) (*Controller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		store:    st,
		limiters: cache.New(limiterIdleTTL, limiterIdleTTL),
		logger:   logger,
	}

	cfg := initial
	if st != nil {
		doc, err := st.LoadConfig(ctx)
		switch {
		case err == nil:
			persisted := initial
			if err := json.Unmarshal(doc, &persisted); err != nil {
				logger.Warn("ignoring unreadable persisted safety config", zap.Error(err))
			} else if err := persisted.Validate(); err != nil {
				logger.Warn("ignoring invalid persisted safety config", zap.Error(err))
			} else {
				cfg = persisted
				logger.Info("loaded persisted safety config")
			}
		case errors.Is(err, store.ErrNotFound):
		default:
			return nil, fmt.Errorf("loading persisted safety config: %w", err)
		}
	}
	c.current.Store(&cfg)
	return c, nil
}

// Snapshot returns the current config. It never blocks.
func (c *Controller) Snapshot() Config {
	return *c.current.Load()
}

// Update applies fn to a copy of the current config, validates, persists and
// swaps it in. In-flight decisions keep the snapshot they already took.
func (c *Controller) Update(ctx context.Context, fn func(*Config) error) (Config, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	next := *c.current.Load()
	if err := fn(&next); err != nil {
		return Config{}, err
	}
	if err := next.Validate(); err != nil {
		return Config{}, err
	}
	if c.store != nil {
		doc, err := json.Marshal(next)
		if err != nil {
			return Config{}, fmt.Errorf("encoding safety config: %w", err)
		}
		if err := c.store.SaveConfig(ctx, doc); err != nil {
			return Config{}, fmt.Errorf("persisting safety config: %w", err)
		}
	}
	c.current.Store(&next)
	c.logger.Info("safety config updated",
		zap.Bool("enabled", next.Enabled),
		zap.Bool("shadow_mode", next.ShadowMode),
		zap.Float64("act", next.MinConfidenceToAct),
		zap.Float64("suggest", next.MinConfidenceToSuggest),
		zap.Float64("queue", next.MinConfidenceToQueue))
	return next, nil
}

// Replace swaps in cfg wholesale.
func (c *Controller) Replace(ctx context.Context, cfg Config, source string) error {
	_, err := c.Update(ctx, func(cur *Config) error {
		*cur = cfg
		return nil
	})
	metrics.ConfigReloadsTotal.WithLabelValues(source, metrics.Result(err)).Inc()
	return err
}

// AllowAutoExecute consumes one auto-execution token for the conversation.
// It returns false when the conversation is over its rate.
func (c *Controller) AllowAutoExecute(conversationID string, now time.Time) bool {
	rl := c.Snapshot().RateLimit
	if rl.AutoExecutePerMinute <= 0 {
		return true
	}
	limit := rate.Limit(rl.AutoExecutePerMinute / 60)
	burst := rl.Burst
	if burst < 1 {
		burst = 1
	}

	c.limMu.Lock()
	defer c.limMu.Unlock()

	var lim *rate.Limiter
	if v, ok := c.limiters.Get(conversationID); ok {
		lim = v.(*rate.Limiter)
		if lim.Limit() != limit {
			lim.SetLimitAt(now, limit)
		}
		if lim.Burst() != burst {
			lim.SetBurstAt(now, burst)
		}
	} else {
		lim = rate.NewLimiter(limit, burst)
	}
	// Refresh the TTL on every use.
	c.limiters.SetDefault(conversationID, lim)

	if !lim.AllowN(now, 1) {
		metrics.RateLimitedTotal.Inc()
		return false
	}
	return true
}
