package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"wa-instances/internal/engine"
	"wa-instances/internal/gateway"
)

// fakeGateway — управляемый шлюз: статус, QR и ответ проверки задаются тестом.
// Если block не nil, GetStatus ждёт его закрытия и сообщает о входе в entered.
// inFlight/maxInFlight считают одновременные вызовы всех пяти методов.
type fakeGateway struct {
	mu         sync.Mutex
	status     string
	hasQR      bool
	statusErr  error
	qr         gateway.QRCode
	session    gateway.Session
	verifyErr  error
	connectErr error

	block   chan struct{}
	entered chan struct{}

	connects    int
	disconnects int
	statusCalls int
	qrCalls     int
	verifyCalls int
	inFlight    int
	maxInFlight int
}

func newFakeGateway(status string) *fakeGateway {
	return &fakeGateway{status: status, entered: make(chan struct{}, 16)}
}

func (g *fakeGateway) set(fn func(g *fakeGateway)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g)
}

func (g *fakeGateway) read(fn func(g *fakeGateway) int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(g)
}

func (g *fakeGateway) Connects() int    { return g.read(func(g *fakeGateway) int { return g.connects }) }
func (g *fakeGateway) Disconnects() int { return g.read(func(g *fakeGateway) int { return g.disconnects }) }
func (g *fakeGateway) StatusCalls() int { return g.read(func(g *fakeGateway) int { return g.statusCalls }) }
func (g *fakeGateway) QRCalls() int     { return g.read(func(g *fakeGateway) int { return g.qrCalls }) }
func (g *fakeGateway) VerifyCalls() int { return g.read(func(g *fakeGateway) int { return g.verifyCalls }) }
func (g *fakeGateway) MaxInFlight() int { return g.read(func(g *fakeGateway) int { return g.maxInFlight }) }

// enter отмечает начало вызова. Держим g.mu.
func (g *fakeGateway) enter() {
	g.inFlight++
	g.maxInFlight = max(g.maxInFlight, g.inFlight)
}

func (g *fakeGateway) Connect(context.Context, string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enter()
	defer func() { g.inFlight-- }()
	g.connects++
	return g.connectErr
}

func (g *fakeGateway) Disconnect(context.Context, string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enter()
	defer func() { g.inFlight-- }()
	g.disconnects++
	return nil
}

func (g *fakeGateway) GetStatus(context.Context, string) (gateway.StatusReport, error) {
	g.mu.Lock()
	g.statusCalls++
	g.enter()
	block := g.block
	g.mu.Unlock()

	if block != nil {
		g.entered <- struct{}{}
		<-block
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight--
	if g.statusErr != nil {
		return gateway.StatusReport{}, g.statusErr
	}
	return gateway.StatusReport{Status: g.status, HasQRCode: g.hasQR}, nil
}

func (g *fakeGateway) GetQRCode(context.Context, string) (gateway.QRCode, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enter()
	defer func() { g.inFlight-- }()
	g.qrCalls++
	return g.qr, nil
}

func (g *fakeGateway) VerifySession(context.Context, string) (gateway.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enter()
	defer func() { g.inFlight-- }()
	g.verifyCalls++
	return g.session, g.verifyErr
}

// fakeClock — ручные часы.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeRecorder копит переданные записи.
type fakeRecorder struct {
	mu      sync.Mutex
	patches []engine.RecordPatch
}

func (r *fakeRecorder) Record(_ string, patch engine.RecordPatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patches = append(r.patches, patch)
}

func (r *fakeRecorder) Patches() []engine.RecordPatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.RecordPatch(nil), r.patches...)
}

func testPolicy() engine.Policy {
	return engine.Policy{
		// длинные периоды: фоновые циклы делают только первый тик
		PollInterval:         time.Hour,
		PairingPollInterval:  time.Hour,
		HeartbeatInterval:    time.Hour,
		// каждый третий heartbeat проверяет сессию
		HeartbeatVerifyEvery: 3,
		QRTimeout:            60 * time.Second,
		HandshakeTimeout:     90 * time.Second,
		MaxRetries:           3,
		RecoveryDelay:        2 * time.Second,
	}
}

func newTestEngine(t *testing.T, gw engine.Gateway, clk *fakeClock, rec engine.Recorder) *engine.Engine {
	t.Helper()
	return newTestEngineWithPolicy(t, gw, clk, rec, testPolicy())
}

func newTestEngineWithPolicy(t *testing.T, gw engine.Gateway, clk *fakeClock, rec engine.Recorder, policy engine.Policy) *engine.Engine {
	t.Helper()
	opts := engine.Options{
		Gateway: gw,
		Policy:  policy,
		Clock:   clk.Now,
		Sleep:   func(context.Context, time.Duration) error { return nil },
	}
	if rec != nil {
		opts.Recorder = rec
	}
	e, err := engine.New(context.Background(), opts)
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func mustSnapshot(t *testing.T, e *engine.Engine, id string) engine.State {
	t.Helper()
	st, ok := e.Snapshot(id)
	if !ok {
		t.Fatalf("Snapshot(%q): instance unknown", id)
	}
	return st
}

// waitFor опрашивает cond до таймаута.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}
