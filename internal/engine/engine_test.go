package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"tipoff/internal/config"
	"tipoff/internal/exchange"
	"tipoff/internal/ledger"
	"tipoff/pkg/types"
)

// fakeConn is a scripted game connection. Frames queued with push are
// delivered in order; hangup ends the stream after the queued frames.
type fakeConn struct {
	frames chan []byte

	mu      sync.Mutex
	sent    [][]byte
	sendErr error

	closed    chan struct{}
	closeOnce sync.Once
	hangOnce  sync.Once
}

func newFakeConn(frames ...string) *fakeConn {
	c := &fakeConn{
		frames: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	c.push(frames...)
	return c
}

func (c *fakeConn) push(frames ...string) {
	for _, f := range frames {
		c.frames <- []byte(f)
	}
}

func (c *fakeConn) hangup() {
	c.hangOnce.Do(func() { close(c.frames) })
}

func (c *fakeConn) failSends(err error) *fakeConn {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
	return c
}

func (c *fakeConn) Next(ctx context.Context) (types.RawMessage, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return types.RawMessage{}, exchange.ErrStreamClosed
		}
		return types.RawMessage{Data: f, ReceivedAt: time.Now()}, nil
	case <-c.closed:
		return types.RawMessage{}, exchange.ErrStreamClosed
	case <-ctx.Done():
		return types.RawMessage{}, ctx.Err()
	}
}

func (c *fakeConn) Send(_ context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return fmt.Errorf("%w: %w", exchange.ErrSend, c.sendErr)
	}
	c.sent = append(c.sent, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// sentEvents returns the event names of every delivered frame.
func (c *fakeConn) sentEvents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, f := range c.sent {
		out = append(out, gjson.GetBytes(f, "event").String())
	}
	return out
}

func (c *fakeConn) trades() []gjson.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []gjson.Result
	for _, f := range c.sent {
		if gjson.GetBytes(f, "event").String() == "trade" {
			out = append(out, gjson.GetBytes(f, "data"))
		}
	}
	return out
}

// dialStep is one scripted Dial outcome.
type dialStep struct {
	conn *fakeConn
	err  error
}

// fakeDialer replays steps in order. Once exhausted it keeps failing with a
// retryable error so the engine stays in its reconnect cycle.
type fakeDialer struct {
	mu    sync.Mutex
	steps []dialStep
	calls atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.steps) == 0 {
		return nil, &exchange.ConnectionError{Endpoint: "fake", Err: errors.New("connection refused")}
	}
	s := d.steps[0]
	d.steps = d.steps[1:]
	if s.err != nil {
		return nil, s.err
	}
	return s.conn, nil
}

func dialer(steps ...dialStep) *fakeDialer { return &fakeDialer{steps: steps} }

func connected(c *fakeConn) dialStep { return dialStep{conn: c} }

func failed(fatal bool) dialStep {
	return dialStep{err: &exchange.ConnectionError{Endpoint: "fake", Fatal: fatal, Err: errors.New("boom")}}
}

func testConfig() *config.Config {
	return &config.Config{
		Game: config.GameConfig{Endpoint: "ws://game.test/ws", PlayerID: "p1"},
		Transport: config.TransportConfig{
			BackoffInitial: time.Millisecond,
			BackoffMax:     5 * time.Millisecond,
		},
		Strategy: config.StrategyConfig{
			Name:       "binary",
			Instrument: "STOCK",
			OrderSize:  10,
			MarkMaxAge: time.Minute,
			PayoutHigh: 100,
			PayoutLow:  0,
		},
		Risk: config.RiskConfig{MaxOpenOrders: 100},
		Engine: config.EngineConfig{
			DrainTimeout:    200 * time.Millisecond,
			MaxSendFailures: 3,
			StopOnGameOver:  true,
		},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, cfg *config.Config, d Dialer) *Engine {
	t.Helper()
	e, err := New(cfg, d, ledger.New(), nil, quietLogger(), WithIDGenerator(NewIDGeneratorWithPrefix("t")))
	require.NoError(t, err)
	return e
}

type runResult struct {
	sum ledger.Summary
	err error
}

// start runs the engine in the background.
func start(ctx context.Context, e *Engine) <-chan runResult {
	done := make(chan runResult, 1)
	go func() {
		sum, err := e.Run(ctx)
		done <- runResult{sum, err}
	}()
	return done
}

func wait(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
		return runResult{}
	}
}

const (
	puzzleUp   = `{"event":"puzzle","player_id":"","data":{"id":"A","truth":"up"}}`
	puzzleUpB  = `{"event":"puzzle","player_id":"","data":{"id":"B","truth":"up"}}`
	tick       = `{"event":"state","player_id":"p1","data":{"price":100,"position":0,"position_limit":50,"pnl":0}}`
	gameOver   = `{"event":"end","player_id":"p1","data":{"pnl":10}}`
	heartbeat  = `{"event":"heartbeat","player_id":"","data":{}}`
	unknownMsg = `{"event":"news","player_id":"","data":{"text":"hello"}}`
)

func fillFrame(id string, price string, volume int) string {
	return fmt.Sprintf(`{"event":"fill","player_id":"p1","data":{"client_order_id":%q,"price":%s,"volume":%d}}`, id, price, volume)
}

func ackFrame(id string) string {
	return fmt.Sprintf(`{"event":"trade_ack","player_id":"p1","data":{"client_order_id":%q}}`, id)
}

func rejectFrame(id, reason string) string {
	return fmt.Sprintf(`{"event":"trade_reject","player_id":"p1","data":{"client_order_id":%q,"reason":%q}}`, id, reason)
}

func order(t *testing.T, l *ledger.Ledger, id string) types.Order {
	t.Helper()
	o, ok := l.Get(types.CorrelationID(id))
	require.True(t, ok, "order %s not in ledger", id)
	return o
}

func TestRunTradesDisclosureAndBooksFill(t *testing.T) {
	t.Parallel()
	conn := newFakeConn(heartbeat, puzzleUp, tick, unknownMsg, fillFrame("t-1", "99", 10), gameOver)
	e := newTestEngine(t, testConfig(), dialer(connected(conn)))

	r := wait(t, start(context.Background(), e))
	require.NoError(t, r.err)

	assert.Equal(t, 1, r.sum.Orders)
	assert.Equal(t, 1, r.sum.ByState[types.OrderFilled])
	// bought 10 at 99 against a fair value of 100
	assert.True(t, r.sum.RealizedPnL.Equal(decimal.NewFromInt(10)), "pnl %s", r.sum.RealizedPnL)

	trades := conn.trades()
	require.Len(t, trades, 1)
	assert.Equal(t, "t-1", trades[0].Get("client_order_id").String())
	assert.Equal(t, int64(10), trades[0].Get("volume").Int())
	assert.Equal(t, "100", trades[0].Get("price_limit").Raw)

	assert.Equal(t, StateStopped, e.State())
	assert.True(t, conn.isClosed())
}

func TestRunActsOncePerSubject(t *testing.T) {
	t.Parallel()
	conn := newFakeConn(puzzleUp, puzzleUp, puzzleUp, gameOver)
	e := newTestEngine(t, testConfig(), dialer(connected(conn)))

	r := wait(t, start(context.Background(), e))
	require.NoError(t, r.err)

	assert.Len(t, conn.trades(), 1)
	assert.Equal(t, 1, r.sum.Orders)
}

func TestRunSendsSkipAfterDisclosure(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Strategy.SkipAfterDisclosure = true
	conn := newFakeConn(puzzleUp, gameOver)
	e := newTestEngine(t, cfg, dialer(connected(conn)))

	wait(t, start(context.Background(), e))
	assert.Equal(t, []string{"trade", "skip"}, conn.sentEvents())
}

func TestRunImpactStrategyUsesMarketContext(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Strategy.Name = "impact"
	cfg.Strategy.OrderSize = 3
	conn := newFakeConn(
		// no mark yet: ambiguous, nothing sent, subject stays open
		`{"event":"puzzle","data":{"id":"P","impact":-5}}`,
		`{"event":"state","data":{"price":100.5,"position":-1,"position_limit":2}}`,
		`{"event":"puzzle","data":{"id":"P","impact":-5}}`,
		gameOver,
	)
	e := newTestEngine(t, cfg, dialer(connected(conn)))

	wait(t, start(context.Background(), e))

	trades := conn.trades()
	require.Len(t, trades, 1)
	assert.Equal(t, "SELL", trades[0].Get("side").String())
	assert.Equal(t, "95.5", trades[0].Get("price_limit").Raw)
	// short 1 with a limit of 2 leaves room for one more
	assert.Equal(t, int64(-1), trades[0].Get("volume").Int())
}

func TestRunAppliesExchangeReject(t *testing.T) {
	t.Parallel()
	conn := newFakeConn(puzzleUp, rejectFrame("t-1", "position limit"), gameOver)
	e := newTestEngine(t, testConfig(), dialer(connected(conn)))

	wait(t, start(context.Background(), e))

	o := order(t, e.Ledger(), "t-1")
	assert.Equal(t, types.OrderRejected, o.State)
	assert.Equal(t, types.ReasonExchangeReject, o.Reason)
	assert.Equal(t, "position limit", o.Detail)
}

func TestRunIgnoresConfirmationsForUnknownOrders(t *testing.T) {
	t.Parallel()
	conn := newFakeConn(ackFrame("x-9"), fillFrame("x-9", "1", 1), gameOver)
	e := newTestEngine(t, testConfig(), dialer(connected(conn)))

	r := wait(t, start(context.Background(), e))
	require.NoError(t, r.err)
	assert.Zero(t, r.sum.Orders)
	assert.True(t, r.sum.RealizedPnL.IsZero())
}

func TestReconnectExpiresPendingOrders(t *testing.T) {
	t.Parallel()
	first := newFakeConn(puzzleUp, puzzleUpB)
	first.hangup()
	second := newFakeConn(gameOver)
	d := dialer(connected(first), connected(second))
	e := newTestEngine(t, testConfig(), d)

	r := wait(t, start(context.Background(), e))
	require.NoError(t, r.err)

	for _, id := range []string{"t-1", "t-2"} {
		o := order(t, e.Ledger(), id)
		assert.Equal(t, types.OrderExpired, o.State, id)
		assert.Equal(t, types.ReasonReconnect, o.Reason, id)
	}
	assert.Equal(t, int32(2), d.calls.Load())
	assert.True(t, first.isClosed())
}

func TestAckedOrderSurvivesReconnect(t *testing.T) {
	t.Parallel()
	first := newFakeConn(puzzleUp, ackFrame("t-1"))
	first.hangup()
	second := newFakeConn(fillFrame("t-1", "100", 10), gameOver)
	e := newTestEngine(t, testConfig(), dialer(connected(first), connected(second)))

	r := wait(t, start(context.Background(), e))
	require.NoError(t, r.err)

	assert.Equal(t, types.OrderFilled, order(t, e.Ledger(), "t-1").State)
	assert.True(t, r.sum.RealizedPnL.IsZero())
}

func TestSendFailureRejectsOrder(t *testing.T) {
	t.Parallel()
	conn := newFakeConn(puzzleUp, gameOver).failSends(errors.New("broken pipe"))
	e := newTestEngine(t, testConfig(), dialer(connected(conn)))

	r := wait(t, start(context.Background(), e))
	require.NoError(t, r.err)

	o := order(t, e.Ledger(), "t-1")
	assert.Equal(t, types.OrderRejected, o.State)
	assert.Equal(t, types.ReasonSendFailure, o.Reason)
	assert.Contains(t, o.Detail, "broken pipe")
}

func TestRepeatedSendFailuresForceReconnect(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Engine.MaxSendFailures = 2
	first := newFakeConn(puzzleUp, puzzleUpB).failSends(errors.New("write: connection reset"))
	second := newFakeConn(gameOver)
	d := dialer(connected(first), connected(second))
	e := newTestEngine(t, cfg, d)

	r := wait(t, start(context.Background(), e))
	require.NoError(t, r.err)

	assert.Equal(t, 2, r.sum.ByState[types.OrderRejected])
	assert.Equal(t, int32(2), d.calls.Load())
	assert.True(t, first.isClosed())
}

func TestFatalStartupErrorStopsEngine(t *testing.T) {
	t.Parallel()
	d := dialer(failed(true))
	e := newTestEngine(t, testConfig(), d)

	r := wait(t, start(context.Background(), e))
	require.Error(t, r.err)
	assert.True(t, exchange.IsFatal(r.err))
	assert.Zero(t, r.sum.Orders)
	assert.Equal(t, int32(1), d.calls.Load())
}

func TestRetryableStartupErrorsAreRetried(t *testing.T) {
	t.Parallel()
	conn := newFakeConn(gameOver)
	d := dialer(failed(false), failed(false), connected(conn))
	e := newTestEngine(t, testConfig(), d)

	r := wait(t, start(context.Background(), e))
	require.NoError(t, r.err)
	assert.Equal(t, int32(3), d.calls.Load())
}

func TestFatalErrorAfterFirstConnectIsRetried(t *testing.T) {
	t.Parallel()
	first := newFakeConn()
	first.hangup()
	second := newFakeConn(gameOver)
	d := dialer(connected(first), failed(true), connected(second))
	e := newTestEngine(t, testConfig(), d)

	r := wait(t, start(context.Background(), e))
	require.NoError(t, r.err)
	assert.Equal(t, int32(3), d.calls.Load())
}

func TestStopSignalDrainsOutstandingOrders(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Engine.DrainTimeout = 2 * time.Second
	conn := newFakeConn(puzzleUp)
	e := newTestEngine(t, cfg, dialer(connected(conn)))

	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, e)

	require.Eventually(t, func() bool { return len(conn.trades()) == 1 }, 2*time.Second, time.Millisecond)
	cancel()
	require.Eventually(t, func() bool { return e.State() == StateDraining }, 2*time.Second, time.Millisecond)

	// new disclosures are ignored while draining
	conn.push(puzzleUpB, fillFrame("t-1", "100", 10))

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, 1, r.sum.Orders)
	assert.Equal(t, types.OrderFilled, order(t, e.Ledger(), "t-1").State)
	assert.Len(t, conn.trades(), 1)
}

func TestDrainTimeoutExpiresPendingOrders(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Engine.DrainTimeout = 20 * time.Millisecond
	conn := newFakeConn(puzzleUp)
	e := newTestEngine(t, cfg, dialer(connected(conn)))

	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, e)
	require.Eventually(t, func() bool { return len(conn.trades()) == 1 }, 2*time.Second, time.Millisecond)
	cancel()

	r := wait(t, done)
	require.NoError(t, r.err)

	o := order(t, e.Ledger(), "t-1")
	assert.Equal(t, types.OrderExpired, o.State)
	assert.Equal(t, types.ReasonShutdown, o.Reason)
	assert.Zero(t, e.Ledger().Outstanding())
}

func TestStopWhileReconnecting(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Transport.BackoffInitial = time.Hour
	cfg.Transport.BackoffMax = time.Hour
	d := dialer(failed(false))
	e := newTestEngine(t, cfg, d)

	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, e)
	require.Eventually(t, func() bool { return e.State() == StateReconnecting }, 2*time.Second, time.Millisecond)
	cancel()

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, StateStopped, e.State())
}

func TestGameOverStartsNewRound(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Engine.StopOnGameOver = false
	cfg.Engine.DrainTimeout = 20 * time.Millisecond
	first := newFakeConn(puzzleUp, gameOver)
	second := newFakeConn(puzzleUp)
	e := newTestEngine(t, cfg, dialer(connected(first), connected(second)))

	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, e)
	require.Eventually(t, func() bool { return len(second.trades()) == 1 }, 2*time.Second, time.Millisecond)
	cancel()

	r := wait(t, done)
	require.NoError(t, r.err)

	// the same subject is tradeable again in the next round
	assert.Equal(t, 2, r.sum.Orders)
	assert.Equal(t, types.ReasonReconnect, order(t, e.Ledger(), "t-1").Reason)
	assert.Equal(t, types.ReasonShutdown, order(t, e.Ledger(), "t-2").Reason)
}

func TestRiskGuardLimitsOpenOrders(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Risk.MaxOpenOrders = 1
	conn := newFakeConn(puzzleUp, puzzleUpB, fillFrame("t-1", "100", 10), puzzleUpB, gameOver)
	e := newTestEngine(t, cfg, dialer(connected(conn)))

	r := wait(t, start(context.Background(), e))
	require.NoError(t, r.err)

	// B was blocked while A was open, then traded once A filled
	trades := conn.trades()
	require.Len(t, trades, 2)
	assert.Equal(t, "t-2", trades[1].Get("client_order_id").String())
	assert.Equal(t, 2, r.sum.Orders)
}

func TestRiskGuardCapsQuantity(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Risk.MaxOrderQuantity = 4
	conn := newFakeConn(puzzleUp, gameOver)
	e := newTestEngine(t, cfg, dialer(connected(conn)))

	wait(t, start(context.Background(), e))

	trades := conn.trades()
	require.Len(t, trades, 1)
	assert.Equal(t, int64(4), trades[0].Get("quantity").Int())
}

func TestNewRejectsUnknownStrategy(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Strategy.Name = "martingale"
	_, err := New(cfg, dialer(), ledger.New(), nil, quietLogger())
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "CONNECTING", StateConnecting.String())
	assert.Equal(t, "DRAINING", StateDraining.String())
	assert.Equal(t, "State(42)", State(42).String())
}

func TestRunTradesEveryNativePuzzleAndSkipsEach(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Strategy.Name = "impact"
	cfg.Strategy.OrderSize = 3
	cfg.Strategy.SkipAfterDisclosure = true
	// the game's own puzzles carry no id, and equal payloads are distinct puzzles
	conn := newFakeConn(
		`{"event":"state","player_id":"p1","data":{"price":100}}`,
		`{"event":"puzzle","player_id":"p1","data":{"impact":2}}`,
		`{"event":"state","player_id":"p1","data":{"price":102}}`,
		`{"event":"puzzle","player_id":"p1","data":{"impact":2}}`,
		`{"event":"puzzle","player_id":"p1","data":{"impact":0}}`,
		gameOver,
	)
	e := newTestEngine(t, cfg, dialer(connected(conn)))

	wait(t, start(context.Background(), e))

	assert.Equal(t, []string{"trade", "skip", "trade", "skip", "skip"}, conn.sentEvents())
	trades := conn.trades()
	require.Len(t, trades, 2)
	assert.Equal(t, "102", trades[0].Get("price_limit").Raw)
	assert.Equal(t, "104", trades[1].Get("price_limit").Raw)
}

func TestRunSkipsAmbiguousPuzzleButNotKeyedRepeat(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Strategy.SkipAfterDisclosure = true
	conn := newFakeConn(
		`{"event":"puzzle","data":{"id":"Q","truth":"maybe"}}`,
		puzzleUp,
		puzzleUp,
		gameOver,
	)
	e := newTestEngine(t, cfg, dialer(connected(conn)))

	wait(t, start(context.Background(), e))

	assert.Equal(t, []string{"skip", "trade", "skip"}, conn.sentEvents())
}

func TestRunStopsWhenServerNeverAdmitsPlayer(t *testing.T) {
	t.Parallel()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		// read our connection frame and every retry, never echo it
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Game.Endpoint = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.Transport.HandshakeTimeout = 100 * time.Millisecond
	cfg.Transport.SendTimeout = time.Second
	cfg.Transport.SendRate = 100
	cfg.Transport.SendBurst = 10
	logger := quietLogger()
	e := newTestEngine(t, cfg, ExchangeDialer(exchange.NewDialer(cfg, logger)))

	r := wait(t, start(context.Background(), e))
	require.Error(t, r.err)
	assert.True(t, exchange.IsFatal(r.err), "err = %v", r.err)
	assert.Equal(t, StateStopped, e.State())
}
