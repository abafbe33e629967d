package monitoring

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/grantly/backend/internal/circuitbreaker"
	"github.com/grantly/backend/internal/events"
)

const (
	probeTimeout     = 10 * time.Second
	watchdogInterval = time.Minute
)

// Probe is one dependency health check. Checks must be cheap; they run on
// every probe tick.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// ProbeResult is the latest outcome for one probe.
type ProbeResult struct {
	Name             string    `json:"name"`
	Healthy          bool      `json:"healthy"`
	LatencyMS        int64     `json:"latency_ms"`
	Error            string    `json:"error,omitempty"`
	CheckedAt        time.Time `json:"checked_at"`
	ConsecutiveFails int       `json:"consecutive_fails,omitempty"`
}

// PoolStats is the slice of the worker pool the monitor samples.
type PoolStats interface {
	Depth() int
	Capacity() int
	InFlight() int
}

// StuckRunStore lets the watchdog settle runs whose workers died.
type StuckRunStore interface {
	FailStuckRuns(ctx context.Context, olderThan time.Duration) ([]string, error)
}

// Monitor owns service health: periodic dependency probes, rolling
// error/fallback rates fed by the breaker fabric, run metrics fed by bus
// events, and the watchdog that fails runs stuck past the hard timeout.
type Monitor struct {
	breakers *circuitbreaker.ServiceBreakers
	metrics  *Metrics
	store    StuckRunStore
	pool     PoolStats
	logger   *log.Logger
	now      func() time.Time

	probeInterval time.Duration
	hardTimeout   time.Duration
	startedAt     time.Time

	mu           sync.RWMutex
	probes       []Probe
	probeResults map[string]*ProbeResult
	errorRates   map[string]*rollingCounter
	fallbacks    map[string]*rollingCounter

	bus  *events.Bus
	sub  chan *events.Event
	quit chan struct{}
	stop sync.Once
	wg   sync.WaitGroup
}

// NewMonitor builds the monitor. store and pool may be nil in tools that
// only want probes (the pre-deploy checker does this).
func NewMonitor(
	breakers *circuitbreaker.ServiceBreakers,
	metrics *Metrics,
	store StuckRunStore,
	pool PoolStats,
	probeInterval time.Duration,
	hardTimeout time.Duration,
) *Monitor {
	if probeInterval <= 0 {
		probeInterval = 5 * time.Minute
	}
	if hardTimeout <= 0 {
		hardTimeout = 10 * time.Minute
	}
	return &Monitor{
		breakers:      breakers,
		metrics:       metrics,
		store:         store,
		pool:          pool,
		logger:        log.New(log.Writer(), "[MONITOR] ", log.LstdFlags),
		now:           time.Now,
		probeInterval: probeInterval,
		hardTimeout:   hardTimeout,
		startedAt:     time.Now(),
		probeResults:  make(map[string]*ProbeResult),
		errorRates:    make(map[string]*rollingCounter),
		fallbacks:     make(map[string]*rollingCounter),
		quit:          make(chan struct{}),
	}
}

// RegisterProbe adds a dependency check. Register everything before Start.
func (m *Monitor) RegisterProbe(name string, check func(ctx context.Context) error) {
	m.mu.Lock()
	m.probes = append(m.probes, Probe{Name: name, Check: check})
	m.mu.Unlock()
}

// Subscribe feeds run and application lifecycle events into the metrics.
func (m *Monitor) Subscribe(bus *events.Bus) {
	m.bus = bus
	m.sub = bus.Subscribe(events.TypeRunCompleted, events.TypeRunFailed, events.TypeApplicationReady)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for ev := range m.sub {
			m.observeEvent(ev)
		}
	}()
}

// Start arms the probe loop and the stuck-run watchdog, and attaches the
// monitor to the breaker fabric as its observer.
func (m *Monitor) Start() {
	circuitbreaker.SetObserver(m)

	m.wg.Add(1)
	go m.probeLoop()

	if m.store != nil {
		m.wg.Add(1)
		go m.watchdogLoop()
	}

	m.logger.Printf("🔍 monitor started: probes every %s, watchdog hard timeout %s",
		m.probeInterval, m.hardTimeout)
}

// Stop halts the loops and detaches from the fabric. Idempotent.
func (m *Monitor) Stop() {
	m.stop.Do(func() {
		circuitbreaker.SetObserver(nil)
		if m.bus != nil {
			m.bus.Unsubscribe(m.sub)
		}
		close(m.quit)
		m.wg.Wait()
	})
}

// ============================================================================
// FABRIC OBSERVER
// ============================================================================

// RecordFailure counts one failed dependency call (after retries).
func (m *Monitor) RecordFailure(dependency string) {
	m.rate(m.errorRates, dependency).Incr(m.now())
	m.metrics.ErrorsTotal.WithLabelValues(dependency).Inc()
}

// RecordFallback counts one call served by a degraded fallback.
func (m *Monitor) RecordFallback(dependency string) {
	m.rate(m.fallbacks, dependency).Incr(m.now())
	m.metrics.FallbacksTotal.WithLabelValues(dependency).Inc()
}

func (m *Monitor) rate(set map[string]*rollingCounter, dependency string) *rollingCounter {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc, ok := set[dependency]
	if !ok {
		rc = &rollingCounter{}
		set[dependency] = rc
	}
	return rc
}

// ============================================================================
// EVENT METRICS
// ============================================================================

func (m *Monitor) observeEvent(ev *events.Event) {
	switch ev.Type {
	case events.TypeRunCompleted, events.TypeRunFailed:
		status, _ := ev.Data["status"].(string)
		trigger, _ := ev.Data["trigger"].(string)
		m.metrics.RunsTotal.WithLabelValues(status, trigger).Inc()
		if found := intField(ev.Data, "grants_found"); found > 0 {
			m.metrics.GrantsFound.Add(float64(found))
		}
	case events.TypeApplicationReady:
		result := "complete"
		if partial, _ := ev.Data["partial"].(bool); partial {
			result = "partial"
		}
		m.metrics.ApplicationsTotal.WithLabelValues(result).Inc()
	}
}

func intField(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// ============================================================================
// PROBE LOOP
// ============================================================================

func (m *Monitor) probeLoop() {
	defer m.wg.Done()

	// First sweep immediately so health endpoints have data at boot.
	m.RunProbes(context.Background())

	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C:
			m.RunProbes(context.Background())
		}
	}
}

// RunProbes executes every registered probe once and refreshes the sampled
// gauges. Exported for the pre-deploy checker.
func (m *Monitor) RunProbes(ctx context.Context) []ProbeResult {
	m.mu.RLock()
	probes := make([]Probe, len(m.probes))
	copy(probes, m.probes)
	m.mu.RUnlock()

	results := make([]ProbeResult, 0, len(probes))
	for _, p := range probes {
		results = append(results, m.runProbe(ctx, p))
	}

	m.sampleBreakers()
	m.samplePool()
	return results
}

func (m *Monitor) runProbe(ctx context.Context, p Probe) ProbeResult {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := m.now()
	err := p.Check(probeCtx)
	latency := m.now().Sub(start)

	result := ProbeResult{
		Name:      p.Name,
		Healthy:   err == nil,
		LatencyMS: latency.Milliseconds(),
		CheckedAt: m.now(),
	}

	m.mu.Lock()
	prev := m.probeResults[p.Name]
	if err != nil {
		result.Error = err.Error()
		result.ConsecutiveFails = 1
		if prev != nil {
			result.ConsecutiveFails = prev.ConsecutiveFails + 1
		}
	}
	m.probeResults[p.Name] = &result
	m.mu.Unlock()

	if err != nil {
		m.metrics.ProbeUp.WithLabelValues(p.Name).Set(0)
		m.logger.Printf("❌ probe %s failed (%d consecutive): %v", p.Name, result.ConsecutiveFails, err)
	} else {
		m.metrics.ProbeUp.WithLabelValues(p.Name).Set(1)
		if prev != nil && !prev.Healthy {
			m.logger.Printf("✅ probe %s recovered after %d failures", p.Name, prev.ConsecutiveFails)
		}
	}
	m.metrics.ProbeLatency.WithLabelValues(p.Name).Set(latency.Seconds())

	return result
}

func (m *Monitor) sampleBreakers() {
	for name, stat := range m.breakers.Manager().Stats() {
		var level float64
		switch stat.State {
		case circuitbreaker.StateHalfOpen:
			level = 1
		case circuitbreaker.StateOpen:
			level = 2
		}
		m.metrics.BreakerState.WithLabelValues(name).Set(level)
		m.metrics.BreakerOpens.WithLabelValues(name).Set(float64(stat.OpenCount))
	}
}

func (m *Monitor) samplePool() {
	if m.pool == nil {
		return
	}
	m.metrics.QueueDepth.Set(float64(m.pool.Depth()))
	m.metrics.WorkersInFlight.Set(float64(m.pool.InFlight()))
}

// ============================================================================
// WATCHDOG
// ============================================================================

func (m *Monitor) watchdogLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C:
			m.RunWatchdog()
		}
	}
}

// RunWatchdog fails IN_PROGRESS runs older than the hard timeout. Workers
// that died mid-run (crash, abandoned goroutine) leave these behind.
func (m *Monitor) RunWatchdog() {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	ids, err := m.store.FailStuckRuns(ctx, m.hardTimeout)
	if err != nil {
		m.logger.Printf("❌ watchdog sweep failed: %v", err)
		return
	}
	if len(ids) > 0 {
		m.metrics.StuckRunsFailed.Add(float64(len(ids)))
		m.logger.Printf("🧹 watchdog failed %d stuck runs: %v", len(ids), ids)
	}
}

// ============================================================================
// HEALTH VIEWS
// ============================================================================

// Snapshot is the /health/detailed payload.
type Snapshot struct {
	Status             string            `json:"status"` // HEALTHY or DEGRADED
	UptimeSeconds      int64             `json:"uptime_seconds"`
	Breakers           map[string]string `json:"breakers"`
	Probes             []ProbeResult     `json:"probes"`
	ErrorsPerMinute    int64             `json:"errors_per_minute"`
	FallbacksPerMinute int64             `json:"fallbacks_per_minute"`
	QueueDepth         int               `json:"queue_depth"`
	QueueCapacity      int               `json:"queue_capacity"`
	WorkersInFlight    int               `json:"workers_in_flight"`
	GeneratedAt        time.Time         `json:"generated_at"`
}

// Snapshot assembles the detailed health view.
func (m *Monitor) Snapshot() Snapshot {
	now := m.now()
	status, breakerStates := m.breakers.Manager().HealthStatus()

	snap := Snapshot{
		Status:        status,
		UptimeSeconds: int64(now.Sub(m.startedAt).Seconds()),
		Breakers:      breakerStates,
		GeneratedAt:   now,
	}

	m.mu.RLock()
	for _, result := range m.probeResults {
		snap.Probes = append(snap.Probes, *result)
	}
	for _, rc := range m.errorRates {
		snap.ErrorsPerMinute += rc.PerMinute(now)
	}
	for _, rc := range m.fallbacks {
		snap.FallbacksPerMinute += rc.PerMinute(now)
	}
	m.mu.RUnlock()

	sort.Slice(snap.Probes, func(i, j int) bool { return snap.Probes[i].Name < snap.Probes[j].Name })

	if m.pool != nil {
		snap.QueueDepth = m.pool.Depth()
		snap.QueueCapacity = m.pool.Capacity()
		snap.WorkersInFlight = m.pool.InFlight()
	}
	return snap
}

// DependencyRecovery is per-dependency recovery telemetry.
type DependencyRecovery struct {
	State               string       `json:"state"`
	OpenCount           uint64       `json:"open_count"`
	LastStateChange     time.Time    `json:"last_state_change"`
	ConsecutiveFailures uint32       `json:"consecutive_failures"`
	ErrorsPerMinute     int64        `json:"errors_per_minute"`
	FallbacksPerMinute  int64        `json:"fallbacks_per_minute"`
	LastProbe           *ProbeResult `json:"last_probe,omitempty"`
}

// RecoveryReport is the /health/recovery-stats payload.
type RecoveryReport struct {
	GeneratedAt  time.Time                     `json:"generated_at"`
	Dependencies map[string]DependencyRecovery `json:"dependencies"`
}

// RecoveryStats merges breaker history, rolling rates, and probe results
// into one per-dependency view.
func (m *Monitor) RecoveryStats() RecoveryReport {
	now := m.now()
	report := RecoveryReport{
		GeneratedAt:  now,
		Dependencies: make(map[string]DependencyRecovery),
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, stat := range m.breakers.Manager().Stats() {
		dep := DependencyRecovery{
			State:               stat.State.String(),
			OpenCount:           stat.OpenCount,
			LastStateChange:     stat.LastStateChange,
			ConsecutiveFailures: stat.Counts.ConsecutiveFailures,
		}
		if rc, ok := m.errorRates[name]; ok {
			dep.ErrorsPerMinute = rc.PerMinute(now)
		}
		if rc, ok := m.fallbacks[name]; ok {
			dep.FallbacksPerMinute = rc.PerMinute(now)
		}
		if result, ok := m.probeResults[name]; ok {
			copied := *result
			dep.LastProbe = &copied
		}
		report.Dependencies[name] = dep
	}
	return report
}
