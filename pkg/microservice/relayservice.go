package microservice

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-relay/pkg/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RelayService runs a set of independent relay loops and serves their
// readiness and metrics.
type RelayService struct {
	*BaseServer
	loops  []*relay.Relay
	logger zerolog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	firstErr error
	done     chan struct{}
}

var _ Service = (*RelayService)(nil)

// NewRelayService wires loops into a service. gatherer may be nil when
// metrics are not exposed.
func NewRelayService(httpPort string, loops []*relay.Relay, gatherer prometheus.Gatherer, logger zerolog.Logger) (*RelayService, error) {
	if len(loops) == 0 {
		return nil, errors.New("at least one relay loop is required")
	}
	s := &RelayService{
		BaseServer: NewBaseServer(logger, httpPort),
		loops:      loops,
		logger:     logger.With().Str("component", "RelayService").Logger(),
		done:       make(chan struct{}),
	}
	s.Mux().Handle("/readyz", ReadinessHandler(s.Ready))
	if gatherer != nil {
		s.Mux().Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s, nil
}

// Loops returns the managed relay loops.
func (s *RelayService) Loops() []*relay.Relay { return s.loops }

// Ready returns nil only while every loop is connected and moving messages.
func (s *RelayService) Ready() error {
	for _, l := range s.loops {
		snap := l.Snapshot()
		if !snap.State.Serving() {
			return fmt.Errorf("worker %d is %s", snap.WorkerID, snap.State)
		}
	}
	return nil
}

// Start launches the HTTP server and every loop. Loops stop when ctx is done
// or Shutdown is called. A loop ending with an error stops the others.
func (s *RelayService) Start(ctx context.Context) error {
	if err := s.BaseServer.Start(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, l := range s.loops {
		wg.Add(1)
		go func(l *relay.Relay) {
			defer wg.Done()
			if err := l.Run(runCtx); err != nil {
				s.fail(err)
			}
		}(l)
	}
	go func() {
		wg.Wait()
		cancel()
		close(s.done)
	}()

	s.logger.Info().Int("workers", len(s.loops)).Msg("Relay service started.")
	return nil
}

func (s *RelayService) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstErr == nil {
		s.firstErr = err
		s.logger.Error().Err(err).Msg("Relay loop failed, stopping remaining loops.")
		s.cancel()
	}
}

// Done is closed once every loop has returned.
func (s *RelayService) Done() <-chan struct{} { return s.done }

// Wait blocks until every loop has returned and reports the first loop error.
func (s *RelayService) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// Shutdown stops pulling, waits for in-flight messages to be settled and
// then stops the HTTP server. It returns ctx's error if the drain does not
// finish in time.
func (s *RelayService) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Relay service shutting down...")
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			s.logger.Error().Msg("Timed out waiting for relay loops to drain.")
			_ = s.BaseServer.Shutdown(context.Background())
			return ctx.Err()
		}
	}
	if err := s.BaseServer.Shutdown(ctx); err != nil {
		return err
	}
	s.logger.Info().Msg("Relay service stopped.")
	return nil
}
