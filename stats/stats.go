// Package stats tracks connected agents, open documents and op throughput
// for a process, and exports them to Prometheus.
package stats

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ggoodman/sharedoc/session"
)

const (
	namespace = "sharedoc"

	// DefaultFlushInterval is how often Run logs a summary.
	DefaultFlushInterval = time.Minute
)

// Option configures Stats.
type Option func(*Stats)

// WithLogger sets the logger Run writes summaries to.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stats) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides time.Now for the rate windows.
func WithClock(now func() time.Time) Option {
	return func(s *Stats) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRegisterer registers the collectors with r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(s *Stats) { s.reg = r }
}

// Stats is the process-wide registry of connected agents plus op counters.
// It implements session.Tracker.
type Stats struct {
	log *slog.Logger
	now func() time.Time
	reg prometheus.Registerer

	mu     sync.Mutex
	agents map[string]session.Agent

	submitted *RateCounter
	broadcast *RateCounter

	submittedTotal prometheus.Counter
	broadcastTotal prometheus.Counter
}

var _ session.Tracker = (*Stats)(nil)

// New creates Stats and registers its collectors when WithRegisterer is given.
func New(opts ...Option) (*Stats, error) {
	s := &Stats{
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
		agents: make(map[string]session.Agent),
		submittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ops",
			Name:      "submitted_total",
			Help:      "Operations accepted from clients.",
		}),
		broadcastTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ops",
			Name:      "broadcast_total",
			Help:      "Operations delivered to listening clients.",
		}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.submitted = NewRateCounter(s.now)
	s.broadcast = NewRateCounter(s.now)

	if s.reg != nil {
		collectors := []prometheus.Collector{
			s.submittedTotal,
			s.broadcastTotal,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "agents",
				Help:      "Authenticated connections.",
			}, func() float64 { return float64(s.AgentCount()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_documents",
				Help:      "Document listeners held by connected agents.",
			}, func() float64 { return float64(s.OpenDocCount()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ops",
				Name:      "submitted_per_minute",
				Help:      "Operations accepted in the last minute.",
			}, func() float64 { return float64(s.submitted.Rate()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ops",
				Name:      "broadcast_per_minute",
				Help:      "Operations delivered in the last minute.",
			}, func() float64 { return float64(s.broadcast.Rate()) }),
		}
		for _, c := range collectors {
			if err := s.reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

// AddAgent records a newly authenticated agent.
func (s *Stats) AddAgent(a session.Agent) {
	s.mu.Lock()
	s.agents[a.SessionID()] = a
	s.mu.Unlock()
}

// RemoveAgent forgets a disconnected agent.
func (s *Stats) RemoveAgent(a session.Agent) {
	s.mu.Lock()
	delete(s.agents, a.SessionID())
	s.mu.Unlock()
}

// AgentCount is the number of connected agents.
func (s *Stats) AgentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.agents)
}

// Agent returns the connected agent with the given session id.
func (s *Stats) Agent(sessionID string) (session.Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[sessionID]
	return a, ok
}

// OpenDocCount sums the listeners of every connected agent that reports them.
func (s *Stats) OpenDocCount() int {
	s.mu.Lock()
	agents := make([]session.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, a)
	}
	s.mu.Unlock()

	n := 0
	for _, a := range agents {
		if lc, ok := a.(interface{ ListenerCount() int }); ok {
			n += lc.ListenerCount()
		}
	}
	return n
}

// OpSubmitted counts one accepted client op.
func (s *Stats) OpSubmitted() {
	s.submitted.Inc()
	s.submittedTotal.Inc()
}

// OpBroadcast counts one op delivered to a listener.
func (s *Stats) OpBroadcast() {
	s.broadcast.Inc()
	s.broadcastTotal.Inc()
}

// Snapshot is a point-in-time read of every statistic.
type Snapshot struct {
	Agents             int   `json:"agents"`
	OpenDocs           int   `json:"openDocs"`
	SubmittedPerMinute int64 `json:"submittedPerMinute"`
	BroadcastPerMinute int64 `json:"broadcastPerMinute"`
	SubmittedTotal     int64 `json:"submittedTotal"`
	BroadcastTotal     int64 `json:"broadcastTotal"`
}

// Snapshot reads the current statistics.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Agents:             s.AgentCount(),
		OpenDocs:           s.OpenDocCount(),
		SubmittedPerMinute: s.submitted.Rate(),
		BroadcastPerMinute: s.broadcast.Rate(),
		SubmittedTotal:     s.submitted.Total(),
		BroadcastTotal:     s.broadcast.Total(),
	}
}

// Run logs a Snapshot every interval until ctx is done.
func (s *Stats) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.Snapshot()
			s.log.InfoContext(ctx, "stats.flush",
				slog.Int("agents", snap.Agents),
				slog.Int("open_docs", snap.OpenDocs),
				slog.Int64("submitted_per_minute", snap.SubmittedPerMinute),
				slog.Int64("broadcast_per_minute", snap.BroadcastPerMinute),
			)
		}
	}
}
