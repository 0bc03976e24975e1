package sweep

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pixelmuse/billing/internal/metrics"
	"github.com/pixelmuse/billing/internal/orders"
)

// DefaultInterval is how often the sweep runs when config leaves it unset.
const DefaultInterval = 10 * time.Minute

// Sweeper periodically expires stale pending/created orders so abandoned
// checkouts don't hold duplicate-detection and rate-limit slots forever.
type Sweeper struct {
	store    orders.Store
	interval time.Duration
	metrics  *metrics.Metrics
	log      zerolog.Logger

	stop    chan struct{}
	stopped chan struct{}
}

// New builds a sweeper over the order store.
func New(store orders.Store, interval time.Duration, m *metrics.Metrics, log zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		metrics:  m,
		log:      log.With().Str("component", "order_sweep").Logger(),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start launches the background loop. One sweep runs immediately so a
// restart doesn't wait a full interval to clear backlog.
func (s *Sweeper) Start() {
	go s.run()
}

func (s *Sweeper) run() {
	defer close(s.stopped)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

// Stop signals the loop and waits for the in-flight sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.stopped
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	count, err := s.store.ExpireStale(ctx, time.Now().UTC())
	if err != nil {
		s.log.Error().Err(err).Msg("order expiry sweep failed")
		return
	}
	if count > 0 {
		s.metrics.ObserveOrdersExpired(count)
		s.log.Info().Int64("expired", count).Msg("expired stale orders")
	}
}
