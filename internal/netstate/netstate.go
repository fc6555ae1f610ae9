// Package netstate reports network connectivity and announces transitions
// back to online.
package netstate

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"lifeline/internal/logging"
)

// Signal is a connectivity source. Subscribers are called on every
// offline-to-online transition; unsubscribe is idempotent.
type Signal interface {
	Online() bool
	Subscribe(fn func()) (unsubscribe func())
}

type broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]func()
}

func (b *broadcaster) Subscribe(fn func()) func() {
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[int]func())
	}
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func (b *broadcaster) fire() {
	b.mu.Lock()
	fns := make([]func(), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Manual is a Signal driven by the host application, for platforms that
// already know their connectivity.
type Manual struct {
	broadcaster
	online atomic.Bool
}

// NewManual creates a Manual signal in the given initial state.
func NewManual(online bool) *Manual {
	m := &Manual{}
	m.online.Store(online)
	return m
}

func (m *Manual) Online() bool { return m.online.Load() }

// SetOnline records the state and notifies subscribers when it flips to online.
func (m *Manual) SetOnline(online bool) {
	was := m.online.Swap(online)
	if online && !was {
		logging.Net("connectivity restored")
		m.fire()
	}
}

// Monitor polls a probe URL and treats any HTTP response as online.
type Monitor struct {
	broadcaster
	probeURL string
	interval time.Duration
	client   *http.Client

	online atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor. A nil client gets a short-timeout default.
// The monitor assumes online until the first probe says otherwise.
func NewMonitor(probeURL string, interval time.Duration, client *http.Client) *Monitor {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m := &Monitor{probeURL: probeURL, interval: interval, client: client}
	m.online.Store(true)
	return m
}

func (m *Monitor) Online() bool { return m.online.Load() }

// Start probes once synchronously, then keeps probing in the background
// until Stop or ctx is done. Calling Start twice is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	m.online.Store(m.probe(ctx))

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
}

// Stop ends background probing and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check probes now and fires subscribers on an offline-to-online flip.
func (m *Monitor) Check(ctx context.Context) bool {
	up := m.probe(ctx)
	was := m.online.Swap(up)
	switch {
	case up && !was:
		logging.Net("connectivity restored (%s)", m.probeURL)
		m.fire()
	case !up && was:
		logging.Net("connectivity lost (%s)", m.probeURL)
	}
	return up
}

func (m *Monitor) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.probeURL, nil)
	if err != nil {
		logging.NetDebug("bad probe url %q: %v", m.probeURL, err)
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		logging.NetDebug("probe failed: %v", err)
		return false
	}
	resp.Body.Close()
	return true
}
