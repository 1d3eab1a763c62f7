// Package connectivity observes network reachability and exposes a
// debounced online/offline signal.
//
// "Online" is not merely interface presence: the monitor confirms an
// actual internet path with a cheap HTTP HEAD probe against a
// known-stable endpoint. Probe timeouts count as still-offline. State
// transitions are debounced with a minimum dwell time so a flaky link
// doesn't oscillate subscribers, and each subscriber is notified exactly
// once per confirmed transition.
package connectivity

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

// ProbeFunc checks reachability once. It returns nil when the internet
// is reachable. Tests substitute their own probe.
type ProbeFunc func(ctx context.Context) error

// Listener receives confirmed state transitions.
type Listener func(online bool)

// Config holds monitor tuning knobs.
type Config struct {
	// ProbeURL is the endpoint HEADed to confirm reachability.
	ProbeURL string

	// ProbeTimeout bounds one probe. Default 3s.
	ProbeTimeout time.Duration

	// Interval is how often to probe. Default 5s.
	Interval time.Duration

	// Debounce is the minimum dwell time a new state must hold before
	// subscribers are notified. Default 750ms.
	Debounce time.Duration

	// Logger for monitor activity. If nil, a default stderr logger is used.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(probeURL string) *Config {
	return &Config{
		ProbeURL:     probeURL,
		ProbeTimeout: 3 * time.Second,
		Interval:     5 * time.Second,
		Debounce:     750 * time.Millisecond,
	}
}

// Monitor tracks connectivity and notifies subscribers on confirmed
// transitions.
//
// The monitor never returns errors from its state accessors; probe
// failures only mean "still offline".
type Monitor struct {
	config *Config
	probe  ProbeFunc
	logger *log.Logger

	mu        sync.Mutex
	online    bool // confirmed state
	candidate bool // last raw probe outcome
	dwell     *time.Timer
	listeners []Listener

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a connectivity monitor. The monitor starts offline
// until the first successful probe; call Start to begin probing.
func NewMonitor(config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig("")
	}
	if config.ProbeTimeout == 0 {
		config.ProbeTimeout = 3 * time.Second
	}
	if config.Interval == 0 {
		config.Interval = 5 * time.Second
	}
	if config.Debounce == 0 {
		config.Debounce = 750 * time.Millisecond
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}

	m := &Monitor{
		config: config,
		logger: logger,
	}
	m.probe = m.httpProbe
	return m
}

// SetProbe replaces the reachability probe. Must be called before Start.
func (m *Monitor) SetProbe(probe ProbeFunc) {
	m.probe = probe
}

// httpProbe issues a HEAD request against the configured endpoint.
func (m *Monitor) httpProbe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.config.ProbeURL, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()

	return nil
}

// Start begins probing in the background until ctx is cancelled or Stop
// is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop halts probing and cancels any pending transition.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	if m.dwell != nil {
		m.dwell.Stop()
		m.dwell = nil
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// IsOnline returns the current confirmed state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers a listener for confirmed transitions. Listeners
// are invoked from the monitor's timer goroutine; they should not block.
func (m *Monitor) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// CheckNow runs one probe immediately and feeds the outcome through the
// debounce logic.
func (m *Monitor) CheckNow(ctx context.Context) {
	m.observe(m.probe(ctx) == nil)
}

// loop probes at the configured interval.
func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	// Establish initial state without waiting a full interval.
	m.observe(m.probe(ctx) == nil)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.observe(m.probe(ctx) == nil)
		}
	}
}

// observe feeds one raw probe outcome through the debounce logic.
//
// A raw state change arms a dwell timer; the transition is confirmed
// only when the timer fires with the candidate still differing from the
// confirmed state. A flap back to the confirmed state within the window
// disarms the timer, so oscillations inside the debounce window produce
// no notifications at all and a real transition produces exactly one.
func (m *Monitor) observe(reachable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reachable == m.candidate && (m.dwell != nil || reachable == m.online) {
		return
	}
	m.candidate = reachable

	if m.dwell != nil {
		m.dwell.Stop()
		m.dwell = nil
	}

	if reachable == m.online {
		// Flapped back before the dwell elapsed; nothing to confirm.
		return
	}

	m.dwell = time.AfterFunc(m.config.Debounce, func() {
		m.confirm(reachable)
	})
}

// confirm commits a debounced transition and notifies subscribers.
func (m *Monitor) confirm(online bool) {
	m.mu.Lock()
	if m.candidate != online || m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.dwell = nil
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	m.logger.Printf("Connectivity changed: online=%v", online)
	for _, l := range listeners {
		l(online)
	}
}
