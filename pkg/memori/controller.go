// Package memori is the memory controller: it owns the storage engine and
// the processing mode, persists conversation turns, routes automatic-mode
// turns through the extraction pipeline, and runs the conscious loop and
// maintenance sweeps while enabled.
package memori

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memoriai/memori/pkg/config"
	"github.com/memoriai/memori/pkg/conscious"
	"github.com/memoriai/memori/pkg/llms"
	"github.com/memoriai/memori/pkg/memory"
	"github.com/memoriai/memori/pkg/state"
	"github.com/memoriai/memori/pkg/storage"
	"github.com/memoriai/memori/pkg/vector"
)

var (
	// ErrNotEnabled is returned by operations that need Enable first.
	ErrNotEnabled = errors.New("memori is not enabled")

	// ErrAlreadyEnabled is returned by a second Enable call.
	ErrAlreadyEnabled = errors.New("memori is already enabled")
)

// sweepInterval is how often the maintenance ticker evicts expired
// non-permanent short-term rows.
const sweepInterval = time.Hour

// Controller wires storage, state tracking, the extraction agent and the
// conscious agent behind one lifecycle. A controller serves one namespace
// in one processing mode.
type Controller struct {
	cfg       *config.Settings
	provider  llms.Provider
	engine    *storage.Engine
	states    *state.Manager
	extractor *memory.Agent
	conscious *conscious.Agent
	index     *vector.Index
	logger    *slog.Logger

	namespace string
	sessionID string

	mu      sync.Mutex
	enabled bool
	closed  bool

	sweepStop chan struct{}
	sweepDone chan struct{}

	// wg tracks detached automatic-mode pipelines so Close can drain them.
	wg sync.WaitGroup
}

// New opens the storage engine and builds the controller's collaborators.
// The provider is borrowed, not owned: Close never touches it. Call Enable
// before recording.
func New(cfg *config.Settings, provider llms.Provider, logger *slog.Logger) (*Controller, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg == nil {
		var err error
		cfg, err = config.Default()
		if err != nil {
			return nil, err
		}
	} else {
		cfg.SetDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "default"
	}
	logger = logger.With("component", "memori", "namespace", namespace)

	engine, err := storage.Open(&cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	states := state.NewManager(engine, logger)

	extractor, err := memory.NewAgent(provider, &cfg.Agent, logger)
	if err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("failed to build extraction agent: %w", err)
	}

	c := &Controller{
		cfg:       cfg,
		provider:  provider,
		engine:    engine,
		states:    states,
		extractor: extractor,
		logger:    logger,
		namespace: namespace,
		sessionID: uuid.NewString(),
	}

	if cfg.Mode == config.ModeConscious {
		c.conscious, err = conscious.NewAgent(engine, states, &cfg.Conscious, namespace, logger)
		if err != nil {
			_ = engine.Close()
			return nil, fmt.Errorf("failed to build conscious agent: %w", err)
		}
	}

	if cfg.EnableEmbeddingMemory {
		c.index, err = vector.NewIndex(cfg.Vector, logger)
		if err != nil {
			_ = engine.Close()
			return nil, fmt.Errorf("failed to open embedding index: %w", err)
		}
	}

	return c, nil
}

// Enable verifies storage, runs the eager conscious pass in conscious mode,
// and starts the background workers. A second call returns
// ErrAlreadyEnabled.
func (c *Controller) Enable(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("memori is closed")
	}
	if c.enabled {
		return ErrAlreadyEnabled
	}

	if err := c.engine.Ping(ctx); err != nil {
		return fmt.Errorf("storage is not reachable: %w", err)
	}

	if c.conscious != nil {
		// Promote whatever is already waiting; a failed eager pass is logged
		// and does not block enable.
		if _, err := c.conscious.RunIngestionPass(ctx); err != nil {
			c.logger.Warn("eager conscious pass failed", "error", err)
		}
		c.conscious.Start(context.Background())
	}

	c.sweepStop = make(chan struct{})
	c.sweepDone = make(chan struct{})
	go c.sweepLoop(c.sweepStop, c.sweepDone)

	c.enabled = true
	c.logger.Info("memori enabled",
		"mode", c.cfg.Mode,
		"session_id", c.sessionID,
		"embedding_memory", c.index != nil)
	return nil
}

// Close stops the background workers, waits for in-flight detached
// pipelines, and closes the storage engine and embedding index. Idempotent;
// calls after the first return nil.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasEnabled := c.enabled
	c.enabled = false
	sweepStop, sweepDone := c.sweepStop, c.sweepDone
	c.mu.Unlock()

	if c.conscious != nil {
		c.conscious.Stop()
	}
	if wasEnabled && sweepStop != nil {
		close(sweepStop)
		<-sweepDone
	}

	c.wg.Wait()

	var errs []error
	if c.index != nil {
		if err := c.index.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.engine.Close(); err != nil {
		errs = append(errs, err)
	}

	c.logger.Info("memori closed")
	return errors.Join(errs...)
}

// sweepLoop evicts expired non-permanent short-term rows on a slow ticker.
func (c *Controller) sweepLoop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			n, err := c.engine.CleanupExpiredShortTermMemories(ctx, c.namespace)
			cancel()
			if err != nil {
				c.logger.Warn("short-term cleanup sweep failed", "error", err)
			} else if n > 0 {
				c.logger.Debug("short-term cleanup sweep", "removed", n)
			}
		}
	}
}

// IsEnabled reports whether Enable has succeeded and Close has not run.
func (c *Controller) IsEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// IsConsciousModeEnabled reports whether this controller runs in conscious
// mode.
func (c *Controller) IsConsciousModeEnabled() bool {
	return c.cfg.Mode == config.ModeConscious
}

// IsAutoModeEnabled reports whether this controller runs in automatic mode.
func (c *Controller) IsAutoModeEnabled() bool {
	return c.cfg.Mode == config.ModeAutomatic
}

// IsBackgroundMonitoringActive reports whether the conscious loop is
// running.
func (c *Controller) IsBackgroundMonitoringActive() bool {
	return c.conscious != nil && c.conscious.Running()
}

// SessionID returns the id stamped on turns recorded without an explicit
// session. Fresh per controller.
func (c *Controller) SessionID() string {
	return c.sessionID
}

// Namespace returns the namespace this controller serves.
func (c *Controller) Namespace() string {
	return c.namespace
}

// Mode returns the canonical processing mode.
func (c *Controller) Mode() string {
	return c.cfg.Mode
}

// SetBackgroundUpdateInterval changes the conscious loop period. It takes
// effect after the pass currently being waited for; a no-op outside
// conscious mode or for non-positive values.
func (c *Controller) SetBackgroundUpdateInterval(d time.Duration) {
	if c.conscious == nil {
		return
	}
	c.conscious.SetInterval(d)
	c.logger.Debug("background update interval changed", "interval", d)
}
