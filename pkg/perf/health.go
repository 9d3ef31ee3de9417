package perf

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/memoriai/memori/pkg/config"
	"github.com/memoriai/memori/pkg/logger"
	"github.com/memoriai/memori/pkg/observability"
)

// Event sources recorded in the check history.
const (
	checkSourceRequest = "request"
	checkSourceProbe   = "probe"
)

// HealthMonitor tracks per-provider health from recorded request outcomes
// and independent liveness probes. A provider flips unhealthy after a run of
// consecutive failures and recovers after a run of consecutive successes.
type HealthMonitor struct {
	mu      sync.Mutex
	records map[string]*healthRecord
	probes  map[string]func(ctx context.Context) bool

	failureThreshold int
	successThreshold int
	probeTimeout     time.Duration
	historySize      int

	stop     chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

type healthRecord struct {
	consecutiveFailures  int
	consecutiveSuccesses int
	totalRequests        int64
	failedRequests       int64
	totalLatency         time.Duration
	lastError            string
	lastChecked          time.Time
	isHealthy            bool

	// events is a bounded ring; head is the next write slot once full.
	events []CheckEvent
	head   int
}

// CheckEvent is one recorded health observation.
type CheckEvent struct {
	Timestamp time.Time     `json:"timestamp"`
	Healthy   bool          `json:"healthy"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	Source    string        `json:"source"`
}

// HealthStatus is a point-in-time snapshot of one provider's record.
type HealthStatus struct {
	Healthy              bool          `json:"healthy"`
	ConsecutiveFailures  int           `json:"consecutiveFailures"`
	ConsecutiveSuccesses int           `json:"consecutiveSuccesses"`
	TotalRequests        int64         `json:"totalRequests"`
	FailedRequests       int64         `json:"failedRequests"`
	AverageResponseTime  time.Duration `json:"averageResponseTime"`
	LastError            string        `json:"lastError,omitempty"`
	LastChecked          time.Time     `json:"lastChecked"`
}

// NewHealthMonitor builds a monitor from config and starts the probe loop.
func NewHealthMonitor(cfg *config.HealthConfig) *HealthMonitor {
	if cfg == nil {
		cfg = &config.HealthConfig{}
	}
	cfg.SetDefaults()

	m := &HealthMonitor{
		records:          make(map[string]*healthRecord),
		probes:           make(map[string]func(ctx context.Context) bool),
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		probeTimeout:     cfg.ProbeTimeout,
		historySize:      cfg.HistorySize,
		stop:             make(chan struct{}),
		logger:           logger.GetLogger().With("component", "health"),
	}
	go m.probeLoop(cfg.ProbeInterval)
	return m
}

// Register adds a liveness probe for a provider. The probe runs on the
// monitor's interval and feeds the same thresholds as recorded requests.
func (m *HealthMonitor) Register(name string, probe func(ctx context.Context) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[name] = probe
	m.ensureLocked(name)
}

// RecordSuccess records a successful provider call.
func (m *HealthMonitor) RecordSuccess(ctx context.Context, name string, duration time.Duration) {
	m.record(ctx, name, true, duration, "", checkSourceRequest)
}

// RecordFailure records a failed provider call.
func (m *HealthMonitor) RecordFailure(ctx context.Context, name string, duration time.Duration, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	m.record(ctx, name, false, duration, msg, checkSourceRequest)
}

func (m *HealthMonitor) record(ctx context.Context, name string, healthy bool, duration time.Duration, errMsg, source string) {
	m.mu.Lock()
	rec := m.ensureLocked(name)
	rec.totalRequests++
	rec.totalLatency += duration
	rec.lastChecked = time.Now()

	if healthy {
		rec.consecutiveSuccesses++
		rec.consecutiveFailures = 0
		if !rec.isHealthy && rec.consecutiveSuccesses >= m.successThreshold {
			rec.isHealthy = true
			m.logger.Info("provider recovered", "provider", name)
		}
	} else {
		rec.failedRequests++
		rec.consecutiveFailures++
		rec.consecutiveSuccesses = 0
		rec.lastError = errMsg
		if rec.isHealthy && rec.consecutiveFailures >= m.failureThreshold {
			rec.isHealthy = false
			m.logger.Warn("provider unhealthy", "provider", name, "consecutive_failures", rec.consecutiveFailures, "error", errMsg)
		}
	}

	event := CheckEvent{
		Timestamp: rec.lastChecked,
		Healthy:   healthy,
		Duration:  duration,
		Error:     errMsg,
		Source:    source,
	}
	if len(rec.events) < m.historySize {
		rec.events = append(rec.events, event)
	} else {
		rec.events[rec.head] = event
		rec.head = (rec.head + 1) % m.historySize
	}
	m.mu.Unlock()

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordHealthCheck(ctx, name, healthy, duration)
	}
}

// ensureLocked returns the record for name, creating a healthy one on first
// sight. Caller holds the lock.
func (m *HealthMonitor) ensureLocked(name string) *healthRecord {
	rec, ok := m.records[name]
	if !ok {
		rec = &healthRecord{isHealthy: true}
		m.records[name] = rec
	}
	return rec
}

// IsHealthy reports the provider's current verdict. Unknown providers are
// presumed healthy.
func (m *HealthMonitor) IsHealthy(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	if !ok {
		return true
	}
	return rec.isHealthy
}

// Status snapshots one provider's record.
func (m *HealthMonitor) Status(name string) (HealthStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	if !ok {
		return HealthStatus{}, false
	}
	status := HealthStatus{
		Healthy:              rec.isHealthy,
		ConsecutiveFailures:  rec.consecutiveFailures,
		ConsecutiveSuccesses: rec.consecutiveSuccesses,
		TotalRequests:        rec.totalRequests,
		FailedRequests:       rec.failedRequests,
		LastError:            rec.lastError,
		LastChecked:          rec.lastChecked,
	}
	if rec.totalRequests > 0 {
		status.AverageResponseTime = rec.totalLatency / time.Duration(rec.totalRequests)
	}
	return status, true
}

// Events returns the retained check history, oldest first.
func (m *HealthMonitor) Events(name string) []CheckEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	if !ok {
		return nil
	}
	if len(rec.events) < m.historySize {
		out := make([]CheckEvent, len(rec.events))
		copy(out, rec.events)
		return out
	}
	out := make([]CheckEvent, 0, m.historySize)
	out = append(out, rec.events[rec.head:]...)
	out = append(out, rec.events[:rec.head]...)
	return out
}

func (m *HealthMonitor) probeLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.runProbes()
		case <-m.stop:
			return
		}
	}
}

func (m *HealthMonitor) runProbes() {
	m.mu.Lock()
	probes := make(map[string]func(ctx context.Context) bool, len(m.probes))
	for name, probe := range m.probes {
		probes[name] = probe
	}
	m.mu.Unlock()

	for name, probe := range probes {
		ctx, cancel := context.WithTimeout(context.Background(), m.probeTimeout)
		start := time.Now()
		healthy := probe(ctx)
		cancel()

		errMsg := ""
		if !healthy {
			errMsg = "liveness probe failed"
		}
		m.record(context.Background(), name, healthy, time.Since(start), errMsg, checkSourceProbe)
	}
}

// Close stops the probe loop.
func (m *HealthMonitor) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}
