package relay_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-relay/pkg/broker"
	"github.com/illmade-knight/go-relay/pkg/forwarder"
	"github.com/illmade-knight/go-relay/pkg/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test Fakes ---

type pullStep struct {
	batch []broker.Message
	err   error
}

// fakeReceiver replays scripted pulls and then blocks like an idle
// subscription. Every scripted pull and every settle call is recorded in order.
type fakeReceiver struct {
	mu       sync.Mutex
	script   []pullStep
	ops      []string
	ackErr   error
	ackPanic bool
	closed   atomic.Bool
}

func (f *fakeReceiver) Pull(ctx context.Context, _ int, maxWait time.Duration) ([]broker.Message, error) {
	f.mu.Lock()
	if len(f.script) > 0 {
		step := f.script[0]
		f.script = f.script[1:]
		f.ops = append(f.ops, "pull")
		f.mu.Unlock()
		return step.batch, step.err
	}
	f.mu.Unlock()

	var timeout <-chan time.Time
	if maxWait > 0 {
		timer := time.NewTimer(maxWait)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, nil
	}
}

func (f *fakeReceiver) Ack(_ context.Context, msg broker.Message) error {
	f.mu.Lock()
	f.ops = append(f.ops, "ack:"+msg.ID)
	f.mu.Unlock()
	if f.ackPanic {
		panic("broker client exploded")
	}
	return f.ackErr
}

func (f *fakeReceiver) Abandon(_ context.Context, msg broker.Message) error {
	f.mu.Lock()
	f.ops = append(f.ops, "abandon:"+msg.ID)
	f.mu.Unlock()
	return nil
}

func (f *fakeReceiver) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeReceiver) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeReceiver) count(op string) int {
	n := 0
	for _, o := range f.recorded() {
		if o == op {
			n++
		}
	}
	return n
}

func (f *fakeReceiver) settled() int {
	n := 0
	for _, o := range f.recorded() {
		if strings.HasPrefix(o, "ack:") || strings.HasPrefix(o, "abandon:") {
			n++
		}
	}
	return n
}

// leasingReceiver is a fakeReceiver whose messages carry a renewable lock.
type leasingReceiver struct {
	*fakeReceiver
	extendErr error
}

func (l *leasingReceiver) Extend(_ context.Context, msg broker.Message) error {
	l.mu.Lock()
	l.ops = append(l.ops, "extend:"+msg.ID)
	l.mu.Unlock()
	return l.extendErr
}

func connectorFor(r broker.Receiver) broker.Connector {
	return func(context.Context) (broker.Receiver, error) { return r, nil }
}

type forwardFunc func(ctx context.Context, payload []byte) forwarder.Result

func (f forwardFunc) Forward(ctx context.Context, payload []byte) forwarder.Result {
	return f(ctx, payload)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events [][]byte
	attrs  []map[string]string
}

func (p *recordingPublisher) Publish(_ context.Context, payload []byte, attributes map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, payload)
	p.attrs = append(p.attrs, attributes)
	return nil
}

func (p *recordingPublisher) Stop(context.Context) error { return nil }

type countingSink struct {
	mu     sync.Mutex
	bodies []string
	status int
	delay  time.Duration
}

func (s *countingSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.bodies = append(s.bodies, string(body))
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-r.Context().Done():
			return
		}
	}
	w.WriteHeader(s.status)
}

func (s *countingSink) posts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bodies...)
}

// --- Helpers ---

func msg(id, payload string) broker.Message {
	return broker.Message{ID: id, Handle: "h-" + id, DeliveryAttempt: 1, Body: broker.StaticBody([]byte(payload))}
}

func testConfig() *relay.Config {
	cfg := relay.NewConfigDefaults("orders", "orders-relay")
	cfg.PullMaxWait = 50 * time.Millisecond
	cfg.PullRetryBase = 10 * time.Millisecond
	cfg.PullRetryMax = 20 * time.Millisecond
	cfg.SettleTimeout = time.Second
	return cfg
}

func newHTTPForwarder(t *testing.T, sink *countingSink, timeout time.Duration) *forwarder.Forwarder {
	t.Helper()
	srv := httptest.NewServer(sink)
	t.Cleanup(srv.Close)
	fwd, err := forwarder.New(&forwarder.Config{URL: srv.URL, Timeout: timeout}, nil)
	require.NoError(t, err)
	return fwd
}

func newRelay(t *testing.T, cfg *relay.Config, connect broker.Connector, fwd relay.Forwarder, opts ...relay.Option) (*relay.Relay, *relay.Metrics) {
	t.Helper()
	metrics := relay.NewMetrics(prometheus.NewRegistry())
	opts = append([]relay.Option{relay.WithMetrics(metrics)}, opts...)
	r, err := relay.New(cfg, connect, fwd, zerolog.Nop(), opts...)
	require.NoError(t, err)
	return r, metrics
}

// start runs the relay in the background and returns a stop function that
// cancels it and waits for Run to return.
func start(t *testing.T, r *relay.Relay) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	var once sync.Once
	var runErr error
	stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("relay did not stop in time")
			}
		})
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

// --- Tests ---

func TestRelay_DeliveredMessageIsAckedOnce(t *testing.T) {
	// --- Arrange ---
	sink := &countingSink{status: http.StatusOK}
	recv := &fakeReceiver{script: []pullStep{{batch: []broker.Message{msg("m1", "hello")}}}}
	r, metrics := newRelay(t, testConfig(), connectorFor(recv), newHTTPForwarder(t, sink, time.Second))

	// --- Act ---
	stop := start(t, r)
	require.Eventually(t, func() bool { return recv.settled() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	// --- Assert ---
	assert.Equal(t, []string{"hello"}, sink.posts())
	assert.Equal(t, 1, recv.count("ack:m1"))
	assert.Zero(t, recv.count("abandon:m1"))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Acked))
	assert.True(t, recv.closed.Load(), "receiver should be closed after Run returns")
	assert.Equal(t, relay.Stopped, r.State())
}

func TestRelay_FailedForwardIsAbandonedOnce(t *testing.T) {
	refused := func(t *testing.T) relay.Forwarder {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := l.Addr().String()
		require.NoError(t, l.Close())
		fwd, err := forwarder.New(forwarder.NewConfigDefaults("http://"+addr), nil)
		require.NoError(t, err)
		return fwd
	}

	testCases := []struct {
		name string
		fwd  func(t *testing.T) relay.Forwarder
	}{
		{
			name: "server error",
			fwd: func(t *testing.T) relay.Forwarder {
				return newHTTPForwarder(t, &countingSink{status: http.StatusInternalServerError}, time.Second)
			},
		},
		{
			name: "client error",
			fwd: func(t *testing.T) relay.Forwarder {
				return newHTTPForwarder(t, &countingSink{status: http.StatusBadRequest}, time.Second)
			},
		},
		{
			name: "timeout",
			fwd: func(t *testing.T) relay.Forwarder {
				return newHTTPForwarder(t, &countingSink{status: http.StatusOK, delay: 2 * time.Second}, 100*time.Millisecond)
			},
		},
		{name: "connection refused", fwd: refused},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			recv := &fakeReceiver{script: []pullStep{{batch: []broker.Message{msg("m1", "hello")}}}}
			r, metrics := newRelay(t, testConfig(), connectorFor(recv), tc.fwd(t))

			stop := start(t, r)
			require.Eventually(t, func() bool { return recv.settled() == 1 }, 3*time.Second, 10*time.Millisecond)
			require.NoError(t, stop())

			assert.Equal(t, 1, recv.count("abandon:m1"))
			assert.Zero(t, recv.count("ack:m1"))
			assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Abandoned.WithLabelValues("forward_failed")))
		})
	}
}

func TestRelay_HelloRejectedBySink(t *testing.T) {
	// --- Arrange ---
	sink := &countingSink{status: http.StatusInternalServerError}
	recv := &fakeReceiver{script: []pullStep{{batch: []broker.Message{msg("m1", "hello")}}}}
	r, _ := newRelay(t, testConfig(), connectorFor(recv), newHTTPForwarder(t, sink, time.Second))

	// --- Act ---
	stop := start(t, r)
	require.Eventually(t, func() bool { return recv.settled() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	// --- Assert ---
	assert.Equal(t, []string{"hello"}, sink.posts())
	assert.Equal(t, []string{"pull", "abandon:m1"}, recv.recorded())
}

func TestRelay_EveryMessageSettledBeforeNextPull(t *testing.T) {
	// --- Arrange ---
	sink := &countingSink{status: http.StatusOK}
	failing := broker.Message{ID: "m3", Handle: "h-m3", Body: func() ([]byte, error) { return nil, errors.New("corrupt frame") }}
	recv := &fakeReceiver{script: []pullStep{
		{batch: []broker.Message{msg("m1", "a"), msg("m2", "b")}},
		{batch: []broker.Message{failing, msg("m4", "d")}},
	}}
	r, _ := newRelay(t, testConfig(), connectorFor(recv), newHTTPForwarder(t, sink, time.Second))

	// --- Act ---
	stop := start(t, r)
	require.Eventually(t, func() bool { return recv.settled() == 4 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	// --- Assert ---
	expected := []string{"pull", "ack:m1", "ack:m2", "pull", "abandon:m3", "ack:m4"}
	assert.Equal(t, expected, recv.recorded(), "messages must be handled in order and settled before the next pull")
	assert.Equal(t, []string{"a", "b", "d"}, sink.posts())
}

func TestRelay_IdenticalPayloadsAreForwardedTwice(t *testing.T) {
	sink := &countingSink{status: http.StatusOK}
	recv := &fakeReceiver{script: []pullStep{{batch: []broker.Message{msg("m1", "same"), msg("m2", "same")}}}}
	r, _ := newRelay(t, testConfig(), connectorFor(recv), newHTTPForwarder(t, sink, time.Second))

	stop := start(t, r)
	require.Eventually(t, func() bool { return recv.settled() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, []string{"same", "same"}, sink.posts())
	assert.Equal(t, 1, recv.count("ack:m1"))
	assert.Equal(t, 1, recv.count("ack:m2"))
}

func TestRelay_EmptyBatchDoesNothing(t *testing.T) {
	// --- Arrange ---
	var forwards atomic.Int32
	fwd := forwardFunc(func(context.Context, []byte) forwarder.Result {
		forwards.Add(1)
		return forwarder.Result{Outcome: forwarder.Delivered, StatusCode: http.StatusOK}
	})
	recv := &fakeReceiver{script: []pullStep{{batch: []broker.Message{}}}}
	r, metrics := newRelay(t, testConfig(), connectorFor(recv), fwd)

	// --- Act ---
	stop := start(t, r)
	require.Eventually(t, func() bool { return testutil.ToFloat64(metrics.EmptyPulls) >= 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	// --- Assert ---
	assert.Zero(t, forwards.Load())
	assert.Zero(t, recv.settled())
}

func TestRelay_ShutdownDuringIndefinitePullIsBounded(t *testing.T) {
	// --- Arrange ---
	cfg := testConfig()
	cfg.PullMaxWait = 0
	recv := &fakeReceiver{}
	r, _ := newRelay(t, cfg, connectorFor(recv), forwardFunc(func(context.Context, []byte) forwarder.Result {
		t.Error("nothing should be forwarded")
		return forwarder.Result{Outcome: forwarder.Failed}
	}))

	// --- Act ---
	stop := start(t, r)
	require.Eventually(t, func() bool { return r.State() == relay.Pulling }, time.Second, 5*time.Millisecond)

	began := time.Now()
	err := stop()

	// --- Assert ---
	require.NoError(t, err)
	assert.Less(t, time.Since(began), time.Second)
	assert.Equal(t, relay.Stopped, r.State())
}

func TestRelay_ShutdownFinishesInFlightAndAbandonsRest(t *testing.T) {
	// --- Arrange ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recv := &fakeReceiver{script: []pullStep{{batch: []broker.Message{msg("m1", "a"), msg("m2", "b"), msg("m3", "c")}}}}
	var forwards atomic.Int32
	fwd := forwardFunc(func(fctx context.Context, _ []byte) forwarder.Result {
		forwards.Add(1)
		// Shutdown arrives while the first message is in flight.
		cancel()
		assert.NoError(t, fctx.Err(), "in-flight work must not observe shutdown")
		return forwarder.Result{Outcome: forwarder.Delivered, StatusCode: http.StatusOK}
	})
	r, metrics := newRelay(t, testConfig(), connectorFor(recv), fwd)

	// --- Act ---
	err := r.Run(ctx)

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, int32(1), forwards.Load())
	assert.Equal(t, []string{"pull", "ack:m1", "abandon:m2", "abandon:m3"}, recv.recorded())
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.Abandoned.WithLabelValues("shutdown")))
}

func TestRelay_PanicWhileHandlingIsAbandoned(t *testing.T) {
	// --- Arrange ---
	exploding := broker.Message{ID: "boom", Handle: "h-boom", Body: func() ([]byte, error) { panic("bad accessor") }}
	recv := &fakeReceiver{script: []pullStep{{batch: []broker.Message{exploding, msg("m2", "ok")}}}}
	fwd := forwardFunc(func(context.Context, []byte) forwarder.Result {
		return forwarder.Result{Outcome: forwarder.Delivered, StatusCode: http.StatusOK}
	})
	r, metrics := newRelay(t, testConfig(), connectorFor(recv), fwd)

	// --- Act ---
	stop := start(t, r)
	require.Eventually(t, func() bool { return recv.settled() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	// --- Assert ---
	assert.Equal(t, []string{"pull", "abandon:boom", "ack:m2"}, recv.recorded())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Faults))
}

func TestRelay_SettleErrorIsNotFollowedByOppositeCall(t *testing.T) {
	testCases := []struct {
		name string
		recv *fakeReceiver
	}{
		{name: "ack error", recv: &fakeReceiver{ackErr: errors.New("lock lost")}},
		{name: "ack panic", recv: &fakeReceiver{ackPanic: true}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.recv.script = []pullStep{{batch: []broker.Message{msg("m1", "a"), msg("m2", "b")}}}
			fwd := forwardFunc(func(context.Context, []byte) forwarder.Result {
				return forwarder.Result{Outcome: forwarder.Delivered, StatusCode: http.StatusOK}
			})
			r, metrics := newRelay(t, testConfig(), connectorFor(tc.recv), fwd)

			stop := start(t, r)
			require.Eventually(t, func() bool { return tc.recv.settled() == 2 }, 2*time.Second, 10*time.Millisecond)
			require.NoError(t, stop())

			assert.Equal(t, []string{"pull", "ack:m1", "ack:m2"}, tc.recv.recorded())
			assert.Equal(t, float64(2), testutil.ToFloat64(metrics.SettleErrors.WithLabelValues("ack")))
			assert.Zero(t, testutil.ToFloat64(metrics.Faults))
		})
	}
}

func TestRelay_LeaseIsExtendedBeforeEachForward(t *testing.T) {
	testCases := []struct {
		name      string
		extendErr error
	}{
		{name: "extension accepted"},
		{name: "extension rejected", extendErr: errors.New("lock lost")},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// --- Arrange ---
			corrupt := broker.Message{ID: "m3", Handle: "h-m3", Body: func() ([]byte, error) { return nil, errors.New("corrupt frame") }}
			recv := &leasingReceiver{
				fakeReceiver: &fakeReceiver{script: []pullStep{{batch: []broker.Message{msg("m1", "a"), msg("m2", "b"), corrupt}}}},
				extendErr:    tc.extendErr,
			}
			fwd := forwardFunc(func(context.Context, []byte) forwarder.Result {
				return forwarder.Result{Outcome: forwarder.Delivered, StatusCode: http.StatusOK}
			})
			r, metrics := newRelay(t, testConfig(), connectorFor(recv), fwd)

			// --- Act ---
			stop := start(t, r)
			require.Eventually(t, func() bool { return recv.settled() == 3 }, 2*time.Second, 10*time.Millisecond)
			require.NoError(t, stop())

			// --- Assert ---
			expected := []string{"pull", "extend:m1", "ack:m1", "extend:m2", "ack:m2", "abandon:m3"}
			assert.Equal(t, expected, recv.recorded())
			failures := 0.0
			if tc.extendErr != nil {
				failures = 2
			}
			assert.Equal(t, failures, testutil.ToFloat64(metrics.SettleErrors.WithLabelValues("extend")))
		})
	}
}

func TestRelay_TransientPullErrorIsRetried(t *testing.T) {
	// --- Arrange ---
	recv := &fakeReceiver{script: []pullStep{
		{err: broker.NewError(broker.Transient, "pull", errors.New("unavailable"))},
		{err: errors.New("connection reset")},
		{batch: []broker.Message{msg("m1", "a")}},
	}}
	fwd := forwardFunc(func(context.Context, []byte) forwarder.Result {
		return forwarder.Result{Outcome: forwarder.Delivered, StatusCode: http.StatusOK}
	})
	r, metrics := newRelay(t, testConfig(), connectorFor(recv), fwd)

	// --- Act ---
	stop := start(t, r)
	require.Eventually(t, func() bool { return recv.count("ack:m1") == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	// --- Assert ---
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.PullErrors.WithLabelValues("transient")))
}

func TestRelay_FatalPullErrorStopsLoop(t *testing.T) {
	// --- Arrange ---
	cause := broker.NewError(broker.Fatal, "pull", errors.New("subscription deleted"))
	recv := &fakeReceiver{script: []pullStep{{err: cause}}}
	r, metrics := newRelay(t, testConfig(), connectorFor(recv), forwardFunc(func(context.Context, []byte) forwarder.Result {
		return forwarder.Result{Outcome: forwarder.Delivered}
	}))

	// --- Act ---
	err := r.Run(context.Background())

	// --- Assert ---
	require.Error(t, err)
	var brokerErr *broker.Error
	require.True(t, errors.As(err, &brokerErr))
	assert.Equal(t, broker.Fatal, brokerErr.Kind)
	assert.True(t, recv.closed.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PullErrors.WithLabelValues("fatal")))
}

func TestRelay_ConnectFailureIsReported(t *testing.T) {
	// --- Arrange ---
	connect := func(context.Context) (broker.Receiver, error) {
		return nil, broker.NewError(broker.Fatal, "connect", errors.New("subscription not found"))
	}
	r, _ := newRelay(t, testConfig(), connect, forwardFunc(func(context.Context, []byte) forwarder.Result {
		return forwarder.Result{}
	}))

	// --- Act ---
	err := r.Run(context.Background())

	// --- Assert ---
	var connErr *relay.ConnectError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, "orders-relay", connErr.Subscription)
	assert.Equal(t, relay.Stopped, r.State())
}

func TestRelay_HighDeliveryAttemptPublishesEvent(t *testing.T) {
	// --- Arrange ---
	cfg := testConfig()
	cfg.DeadLetterWarnAttempts = 5
	retried := msg("m1", "secret-payload")
	retried.DeliveryAttempt = 5
	recv := &fakeReceiver{script: []pullStep{{batch: []broker.Message{msg("m0", "fresh"), retried}}}}
	events := &recordingPublisher{}
	fwd := forwardFunc(func(context.Context, []byte) forwarder.Result {
		return forwarder.Result{Outcome: forwarder.Failed, StatusCode: http.StatusBadGateway}
	})
	r, metrics := newRelay(t, cfg, connectorFor(recv), fwd, relay.WithEventPublisher(events))

	// --- Act ---
	stop := start(t, r)
	require.Eventually(t, func() bool { return recv.settled() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	// --- Assert ---
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.HighDeliveryAttempts))
	events.mu.Lock()
	defer events.mu.Unlock()
	require.Len(t, events.events, 1)
	assert.NotContains(t, string(events.events[0]), "secret-payload")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(events.events[0], &decoded))
	assert.Equal(t, "m1", decoded["messageId"])
	assert.Equal(t, float64(5), decoded["deliveryAttempt"])
	assert.Equal(t, "5", events.attrs[0]["delivery_attempt"])
	assert.Equal(t, 1, recv.count("abandon:m1"), "the relay does not dead-letter on its own")
}

func TestRelay_Snapshot(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerID = 3
	recv := &fakeReceiver{script: []pullStep{{batch: []broker.Message{msg("m1", "a"), msg("m2", "b")}}}}
	var n atomic.Int32
	fwd := forwardFunc(func(context.Context, []byte) forwarder.Result {
		if n.Add(1) == 1 {
			return forwarder.Result{Outcome: forwarder.Delivered, StatusCode: http.StatusOK}
		}
		return forwarder.Result{Outcome: forwarder.Failed, StatusCode: http.StatusInternalServerError}
	})
	r, _ := newRelay(t, cfg, connectorFor(recv), fwd)

	assert.Equal(t, relay.Idle, r.Snapshot().State)

	stop := start(t, r)
	require.Eventually(t, func() bool { return recv.settled() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	s := r.Snapshot()
	assert.Equal(t, 3, s.WorkerID)
	assert.Equal(t, uint64(2), s.Pulled)
	assert.Equal(t, uint64(1), s.Acked)
	assert.Equal(t, uint64(1), s.Abandoned)
	assert.False(t, s.LastPull.IsZero())
}

func TestNew_RejectsMissingDependencies(t *testing.T) {
	_, err := relay.New(testConfig(), nil, forwardFunc(nil), zerolog.Nop())
	assert.Error(t, err)
	_, err = relay.New(testConfig(), connectorFor(&fakeReceiver{}), nil, zerolog.Nop())
	assert.Error(t, err)
}
