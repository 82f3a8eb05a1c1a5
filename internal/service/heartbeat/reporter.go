// Package heartbeat periodically reports how many users and sockets are live.
// It only observes; dead connections are detected by the transport.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventName is the outbound event carrying a Snapshot.
const EventName = "heartbeat"

// Snapshot is one heartbeat payload.
type Snapshot struct {
	Timestamp        time.Time `json:"timestamp"`
	ConnectedClients int       `json:"connectedClients"`
	TotalSockets     int       `json:"totalSockets"`
}

// Counter reports unique users and live connections from one consistent read.
type Counter interface {
	Counts() (users, sockets int)
}

// Broadcaster delivers an event to every connection.
type Broadcaster interface {
	Broadcast(event string, payload any) bool
}

// Reporter emits snapshots on a fixed interval to the broadcaster and to any
// subscribers.
type Reporter struct {
	counter  Counter
	sink     Broadcaster
	interval time.Duration
	clock    func() time.Time
	log      *zap.Logger

	mu   sync.Mutex
	subs map[chan Snapshot]struct{}
}

// NewReporter builds a reporter. A non-positive interval means 30s.
func NewReporter(counter Counter, sink Broadcaster, interval time.Duration, log *zap.Logger) *Reporter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reporter{
		counter:  counter,
		sink:     sink,
		interval: interval,
		clock:    time.Now,
		log:      log,
		subs:     make(map[chan Snapshot]struct{}),
	}
}

// Snapshot reads the current counts.
func (r *Reporter) Snapshot() Snapshot {
	users, sockets := r.counter.Counts()
	return Snapshot{Timestamp: r.clock().UTC(), ConnectedClients: users, TotalSockets: sockets}
}

// Run ticks until ctx is done.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Tick()
		}
	}
}

// Tick emits a single snapshot.
func (r *Reporter) Tick() Snapshot {
	snap := r.Snapshot()
	if r.sink != nil && !r.sink.Broadcast(EventName, snap) {
		r.log.Debug("heartbeat not delivered, hub stopped")
	}

	r.mu.Lock()
	for ch := range r.subs {
		select {
		case ch <- snap:
		default:
		}
	}
	r.mu.Unlock()
	return snap
}

// Subscribe returns a channel receiving every future snapshot and a cancel
// func. Slow subscribers miss ticks rather than block the reporter.
func (r *Reporter) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, ch)
			r.mu.Unlock()
		})
	}
}
