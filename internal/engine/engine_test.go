package engine_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"wa-instances/internal/engine"
	"wa-instances/internal/gateway"
)

func TestEngine_RecoveryExhaustsIntoError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw := newFakeGateway("connecting")
	clk := newFakeClock()
	e := newTestEngine(t, gw, clk, nil)

	if err := e.RequestConnect(ctx, "inst"); err != nil {
		t.Fatalf("RequestConnect() error = %v", err)
	}
	if st := mustSnapshot(t, e, "inst"); st.Status != engine.StatusConnecting || st.RetryCount != 0 {
		t.Fatalf("after connect: status=%s retry=%d", st.Status, st.RetryCount)
	}

	// ровно на пороге зависания ещё нет
	clk.Advance(90 * time.Second)
	e.Tick(ctx, "inst")
	if st := mustSnapshot(t, e, "inst"); st.IsStuck || st.RetryCount != 0 {
		t.Fatalf("at threshold: stuck=%t retry=%d", st.IsStuck, st.RetryCount)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		clk.Advance(time.Second)
		e.Tick(ctx, "inst")
		st := mustSnapshot(t, e, "inst")
		if st.Status != engine.StatusConnecting || st.RetryCount != attempt || st.IsStuck {
			t.Fatalf("recovery %d: status=%s retry=%d stuck=%t", attempt, st.Status, st.RetryCount, st.IsStuck)
		}
		if !st.LastChangeAt.Equal(clk.Now()) {
			t.Fatalf("recovery %d: lastChangeAt=%v, want %v", attempt, st.LastChangeAt, clk.Now())
		}
		clk.Advance(90 * time.Second)
	}

	clk.Advance(time.Second)
	e.Tick(ctx, "inst")
	st := mustSnapshot(t, e, "inst")
	if st.Status != engine.StatusError || st.RetryCount != 3 || st.LastError == "" {
		t.Fatalf("after exhaustion: status=%s retry=%d lastError=%q", st.Status, st.RetryCount, st.LastError)
	}
	if got := gw.Connects(); got != 4 {
		t.Fatalf("connect calls = %d, want 4 (manual + 3 recoveries)", got)
	}
	if got := gw.Disconnects(); got != 3 {
		t.Fatalf("disconnect calls = %d, want 3", got)
	}

	// error — терминальное состояние для автоматики
	calls := gw.StatusCalls()
	clk.Advance(10 * time.Minute)
	e.Tick(ctx, "inst")
	if got := gw.StatusCalls(); got != calls {
		t.Fatalf("status calls in error state = %d, want %d", got, calls)
	}
	if st := mustSnapshot(t, e, "inst"); st.Status != engine.StatusError {
		t.Fatalf("status changed while in error: %s", st.Status)
	}

	if err := e.RequestConnect(ctx, "inst"); err != nil {
		t.Fatalf("manual reconnect error = %v", err)
	}
	st = mustSnapshot(t, e, "inst")
	if st.Status != engine.StatusConnecting || st.RetryCount != 0 || st.LastError != "" {
		t.Fatalf("after manual reconnect: status=%s retry=%d lastError=%q", st.Status, st.RetryCount, st.LastError)
	}
}

func TestEngine_MaxRetriesZeroEscalatesImmediately(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw := newFakeGateway("connecting")
	clk := newFakeClock()
	policy := testPolicy()
	policy.MaxRetries = 0
	e := newTestEngineWithPolicy(t, gw, clk, nil, policy)

	if err := e.RequestConnect(ctx, "z"); err != nil {
		t.Fatalf("RequestConnect() error = %v", err)
	}
	clk.Advance(91 * time.Second)
	e.Tick(ctx, "z")
	if st := mustSnapshot(t, e, "z"); st.Status != engine.StatusError {
		t.Fatalf("status = %s, want error", st.Status)
	}
	if got := gw.Disconnects(); got != 0 {
		t.Fatalf("disconnect calls = %d, want 0", got)
	}
}

func TestEngine_FalseConnectionIsDowngraded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw := newFakeGateway("connecting")
	clk := newFakeClock()
	e := newTestEngine(t, gw, clk, nil)

	if err := e.RequestConnect(ctx, "f"); err != nil {
		t.Fatalf("RequestConnect() error = %v", err)
	}
	// одна попытка восстановления, чтобы RetryCount стал ненулевым
	clk.Advance(91 * time.Second)
	e.Tick(ctx, "f")
	if st := mustSnapshot(t, e, "f"); st.RetryCount != 1 {
		t.Fatalf("retry = %d, want 1", st.RetryCount)
	}

	gw.set(func(g *fakeGateway) {
		g.status = "open"
		g.session = gateway.Session{OK: false}
	})
	e.Tick(ctx, "f")
	st := mustSnapshot(t, e, "f")
	if st.Status != engine.StatusConnecting || st.ReallyConnected || st.PhoneNumber != "" {
		t.Fatalf("false connection: status=%s really=%t phone=%q", st.Status, st.ReallyConnected, st.PhoneNumber)
	}
	if st.RetryCount != 1 {
		t.Fatalf("downgrade must not touch retry: got %d", st.RetryCount)
	}

	gw.set(func(g *fakeGateway) { g.session = gateway.Session{OK: true, PhoneNumber: "+15550001"} })
	e.Tick(ctx, "f")
	st = mustSnapshot(t, e, "f")
	if st.Status != engine.StatusConnected || !st.ReallyConnected || st.PhoneNumber != "+15550001" {
		t.Fatalf("verified: status=%s really=%t phone=%q", st.Status, st.ReallyConnected, st.PhoneNumber)
	}
	if st.RetryCount != 0 {
		t.Fatalf("retry after verified connection = %d, want 0", st.RetryCount)
	}

	// heartbeat: статус без повторной проверки сессии
	verifies := gw.VerifyCalls()
	e.Tick(ctx, "f")
	if got := gw.VerifyCalls(); got != verifies {
		t.Fatalf("heartbeat verified the session again: %d -> %d", verifies, got)
	}

	gw.set(func(g *fakeGateway) { g.status = "close" })
	e.Tick(ctx, "f")
	st = mustSnapshot(t, e, "f")
	if st.Status != engine.StatusDisconnected || st.ReallyConnected || st.PhoneNumber != "" {
		t.Fatalf("after drop: status=%s really=%t phone=%q", st.Status, st.ReallyConnected, st.PhoneNumber)
	}
}

func TestEngine_VerifierNetworkFailureKeepsConnectedUnverified(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw := newFakeGateway("open")
	gw.verifyErr = context.DeadlineExceeded
	e := newTestEngine(t, gw, newFakeClock(), nil)

	if err := e.RequestConnect(ctx, "n"); err != nil {
		t.Fatalf("RequestConnect() error = %v", err)
	}
	e.Tick(ctx, "n")
	st := mustSnapshot(t, e, "n")
	if st.Status != engine.StatusConnected || st.ReallyConnected {
		t.Fatalf("status=%s really=%t, want connected/false", st.Status, st.ReallyConnected)
	}

	gw.set(func(g *fakeGateway) { g.verifyErr = gateway.ErrUnauthorized })
	e.Tick(ctx, "n")
	if st := mustSnapshot(t, e, "n"); st.Status != engine.StatusConnecting {
		t.Fatalf("unauthorized verify: status=%s, want connecting", st.Status)
	}
}

func TestEngine_QRLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw := newFakeGateway("qr")
	gw.qr = gateway.QRCode{Code: "2@pairing-ref,client-key,server-key"}
	clk := newFakeClock()
	e := newTestEngine(t, gw, clk, nil)

	if err := e.RequestConnect(ctx, "q"); err != nil {
		t.Fatalf("RequestConnect() error = %v", err)
	}
	e.Tick(ctx, "q")
	st := mustSnapshot(t, e, "q")
	if st.Status != engine.StatusQRReady || !strings.HasPrefix(st.QRCode, "data:image/png;base64,") {
		t.Fatalf("status=%s qr=%.30q", st.Status, st.QRCode)
	}
	mime, png, err := engine.DecodeDataURI(st.QRCode)
	if err != nil || mime != "image/png" || !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Fatalf("DecodeDataURI() mime=%q err=%v", mime, err)
	}

	e.Tick(ctx, "q")
	if got := gw.QRCalls(); got != 1 {
		t.Fatalf("qr fetched %d times, want 1", got)
	}

	// истечение QR = зависание в qr_ready
	clk.Advance(61 * time.Second)
	e.Tick(ctx, "q")
	st = mustSnapshot(t, e, "q")
	if st.Status != engine.StatusConnecting || st.QRCode != "" || st.RetryCount != 1 {
		t.Fatalf("after qr expiry: status=%s qr=%q retry=%d", st.Status, st.QRCode, st.RetryCount)
	}

	e.Tick(ctx, "q")
	if got := gw.QRCalls(); got != 2 {
		t.Fatalf("new pairing attempt must fetch a fresh qr: calls=%d", got)
	}

	gw.set(func(g *fakeGateway) { g.status = "syncing" })
	e.Tick(ctx, "q")
	if st := mustSnapshot(t, e, "q"); st.Status != engine.StatusAuthenticated || st.QRCode != "" {
		t.Fatalf("authenticated: status=%s qr=%q", st.Status, st.QRCode)
	}
}

func TestEngine_UnknownStatusAndTransportErrorsLeaveStateUntouched(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw := newFakeGateway("open")
	gw.session = gateway.Session{OK: true, PhoneNumber: "+1"}
	e := newTestEngine(t, gw, newFakeClock(), nil)

	if err := e.RequestConnect(ctx, "u"); err != nil {
		t.Fatalf("RequestConnect() error = %v", err)
	}
	gw.set(func(g *fakeGateway) { g.status = "connecting" })
	e.Tick(ctx, "u")
	before := mustSnapshot(t, e, "u")

	gw.set(func(g *fakeGateway) { g.status = "warming_up" })
	e.Tick(ctx, "u")
	gw.set(func(g *fakeGateway) { g.statusErr = &gateway.StatusError{Op: "status", Code: 502} })
	e.Tick(ctx, "u")

	if after := mustSnapshot(t, e, "u"); after != before {
		t.Fatalf("state changed:\n before %+v\n after  %+v", before, after)
	}
}

func TestEngine_SingleInFlightCallPerInstance(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw := newFakeGateway("connecting")
	e := newTestEngine(t, gw, newFakeClock(), nil)
	if err := e.RequestConnect(ctx, "s"); err != nil {
		t.Fatalf("RequestConnect() error = %v", err)
	}

	release := make(chan struct{})
	gw.set(func(g *fakeGateway) { g.block = release })

	done := make(chan bool, 1)
	go func() { done <- e.Tick(ctx, "s") }()
	<-gw.entered

	var wg sync.WaitGroup
	skipped := make(chan bool, 8)
	for range 8 {
		wg.Go(func() { skipped <- !e.Tick(ctx, "s") })
	}
	wg.Wait()
	close(skipped)
	for s := range skipped {
		if !s {
			t.Fatalf("overlapping tick was not skipped")
		}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := e.ForceCheck(checkCtx, "s"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ForceCheck() during tick error = %v, want deadline exceeded", err)
	}

	before := e.Registry().Epoch("s")
	connected := make(chan error, 1)
	go func() { connected <- e.RequestConnect(ctx, "s") }()
	waitFor(t, "connect to open a new epoch", func() bool { return e.Registry().Epoch("s") != before })
	time.Sleep(20 * time.Millisecond)
	if got := gw.Connects(); got != 1 {
		t.Fatalf("connect reached the gateway during a status call: connects=%d", got)
	}

	close(release)
	if ran := <-done; !ran {
		t.Fatalf("first tick reported skipped")
	}
	if err := <-connected; err != nil {
		t.Fatalf("RequestConnect() error = %v", err)
	}
	if got := gw.Connects(); got != 2 {
		t.Fatalf("connects = %d, want 2", got)
	}
	if got := gw.MaxInFlight(); got != 1 {
		t.Fatalf("max in-flight gateway calls = %d, want 1", got)
	}
	if got := gw.StatusCalls(); got != 1 {
		t.Fatalf("status calls = %d, want 1", got)
	}
}

func TestEngine_StaleResultDiscardedAfterDisconnect(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw := newFakeGateway("connecting")
	e := newTestEngine(t, gw, newFakeClock(), nil)
	if err := e.RequestConnect(ctx, "e"); err != nil {
		t.Fatalf("RequestConnect() error = %v", err)
	}

	release := make(chan struct{})
	gw.set(func(g *fakeGateway) {
		g.block = release
		g.status = "open"
		g.session = gateway.Session{OK: true, PhoneNumber: "+7"}
	})

	done := make(chan struct{})
	go func() {
		e.Tick(ctx, "e")
		close(done)
	}()
	<-gw.entered

	before := e.Registry().Epoch("e")
	disconnected := make(chan error, 1)
	go func() { disconnected <- e.RequestDisconnect(ctx, "e") }()
	waitFor(t, "disconnect to open a new epoch", func() bool { return e.Registry().Epoch("e") != before })
	if got := gw.Disconnects(); got != 0 {
		t.Fatalf("disconnect overlapped the status call: disconnects=%d", got)
	}

	close(release)
	<-done
	if err := <-disconnected; err != nil {
		t.Fatalf("RequestDisconnect() error = %v", err)
	}
	if got := gw.MaxInFlight(); got != 1 {
		t.Fatalf("max in-flight gateway calls = %d, want 1", got)
	}

	if st := mustSnapshot(t, e, "e"); st.Status != engine.StatusDisconnected || st.ReallyConnected {
		t.Fatalf("late result applied: status=%s really=%t", st.Status, st.ReallyConnected)
	}
}

func TestEngine_ConnectOperationsDoNotOverlap(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, newFakeGateway("connecting"), newFakeClock(), nil)
	if !e.Registry().TryAcquireConnectLock("c") {
		t.Fatalf("connect lock unexpectedly busy")
	}
	if err := e.RequestConnect(context.Background(), "c"); !errors.Is(err, engine.ErrConnectInProgress) {
		t.Fatalf("RequestConnect() error = %v, want ErrConnectInProgress", err)
	}
	if err := e.RequestDisconnect(context.Background(), "c"); !errors.Is(err, engine.ErrConnectInProgress) {
		t.Fatalf("RequestDisconnect() error = %v, want ErrConnectInProgress", err)
	}
	e.Registry().ReleaseConnectLock("c")
	if err := e.RequestConnect(context.Background(), "c"); err != nil {
		t.Fatalf("RequestConnect() after release error = %v", err)
	}
}

func TestEngine_RequestConnectFailureRecordsError(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway("connecting")
	gw.connectErr = errors.New("gateway down")
	e := newTestEngine(t, gw, newFakeClock(), nil)

	if err := e.RequestConnect(context.Background(), "x"); err == nil {
		t.Fatalf("RequestConnect() error = nil")
	}
	st := mustSnapshot(t, e, "x")
	if st.Status != engine.StatusDisconnected || !strings.Contains(st.LastError, "gateway down") {
		t.Fatalf("status=%s lastError=%q", st.Status, st.LastError)
	}
}

func TestEngine_SubscriptionsShareOnePoller(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway("disconnected")
	e := newTestEngine(t, gw, newFakeClock(), nil)

	var (
		mu       sync.Mutex
		received = make([]int, 5)
	)
	unsubs := make([]func(), 0, 5)
	for i := range 5 {
		unsubscribe, err := e.Subscribe("p", func(engine.State) {
			mu.Lock()
			received[i]++
			mu.Unlock()
		})
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
		unsubs = append(unsubs, unsubscribe)
	}

	if !e.Polling("p") {
		t.Fatalf("poller not started")
	}
	if st := mustSnapshot(t, e, "p"); st.SubscriberCount != 5 {
		t.Fatalf("SubscriberCount = %d, want 5", st.SubscriberCount)
	}
	// один фоновый цикл: ровно один первый тик на всех подписчиков
	waitFor(t, "first tick", func() bool { return gw.StatusCalls() >= 1 })
	time.Sleep(20 * time.Millisecond)
	if got := gw.StatusCalls(); got != 1 {
		t.Fatalf("status calls = %d, want 1", got)
	}
	mu.Lock()
	for i, n := range received {
		if n < 1 {
			t.Fatalf("subscriber %d got no initial snapshot", i)
		}
	}
	mu.Unlock()

	for _, unsubscribe := range unsubs[:4] {
		unsubscribe()
	}
	unsubs[0]()
	if st := mustSnapshot(t, e, "p"); st.SubscriberCount != 1 {
		t.Fatalf("SubscriberCount = %d, want 1 (double unsubscribe must be a no-op)", st.SubscriberCount)
	}
	if !e.Polling("p") {
		t.Fatalf("poller stopped while a subscriber remains")
	}

	unsubs[4]()
	if e.Polling("p") {
		t.Fatalf("poller still running without subscribers")
	}
	if st := mustSnapshot(t, e, "p"); st.SubscriberCount != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", st.SubscriberCount)
	}
	if !e.Cleanup("p") {
		t.Fatalf("Cleanup() = false for idle instance")
	}
	if _, ok := e.Snapshot("p"); ok {
		t.Fatalf("instance still known after Cleanup")
	}
}

func TestEngine_CleanupRefusesWatchedInstance(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, newFakeGateway("disconnected"), newFakeClock(), nil)
	unsubscribe, err := e.Subscribe("w", nil)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer unsubscribe()

	if e.Cleanup("w") {
		t.Fatalf("Cleanup() removed a watched instance")
	}
	if _, err := e.Subscribe(" ", nil); !errors.Is(err, engine.ErrEmptyID) {
		t.Fatalf("Subscribe(blank) error = %v, want ErrEmptyID", err)
	}
}

func TestEngine_RemoveDropsSubscribers(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, newFakeGateway("disconnected"), newFakeClock(), nil)
	unsubscribe, err := e.Subscribe("r", nil)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !e.Remove("r") {
		t.Fatalf("Remove() = false")
	}
	if e.Polling("r") {
		t.Fatalf("poller survived Remove")
	}
	unsubscribe()
	if _, ok := e.Snapshot("r"); ok {
		t.Fatalf("late unsubscribe resurrected the instance")
	}
}

func TestEngine_WatchDeliversAndCloses(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	gw := newFakeGateway("disconnected")
	e := newTestEngine(t, gw, newFakeClock(), nil)

	updates, err := e.Watch(ctx, "ch")
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	select {
	case st := <-updates:
		if st.InstanceID != "ch" {
			t.Fatalf("snapshot for %q", st.InstanceID)
		}
	case <-time.After(time.Second):
		t.Fatalf("no initial snapshot")
	}

	cancel()
	waitFor(t, "channel close", func() bool {
		select {
		case _, ok := <-updates:
			return !ok
		default:
			return false
		}
	})
	waitFor(t, "poller stop", func() bool { return !e.Polling("ch") })
}

func TestEngine_RecorderGetsOnlySignificantChanges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw := newFakeGateway("connecting")
	rec := &fakeRecorder{}
	e := newTestEngine(t, gw, newFakeClock(), rec)

	if err := e.RequestConnect(ctx, "r"); err != nil {
		t.Fatalf("RequestConnect() error = %v", err)
	}
	e.Tick(ctx, "r")
	e.Tick(ctx, "r")
	gw.set(func(g *fakeGateway) {
		g.status = "open"
		g.session = gateway.Session{OK: true, PhoneNumber: "+2"}
	})
	e.Tick(ctx, "r")
	e.Tick(ctx, "r")

	got := rec.Patches()
	if len(got) != 2 {
		t.Fatalf("recorded %d patches, want 2: %+v", len(got), got)
	}
	if got[0].Status != engine.StatusConnecting || got[0].ReallyConnected {
		t.Fatalf("first record = %+v", got[0])
	}
	if got[1].Status != engine.StatusConnected || !got[1].ReallyConnected || got[1].PhoneNumber != "+2" {
		t.Fatalf("second record = %+v", got[1])
	}
}

func TestEngine_ForceCheck(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw := newFakeGateway("open")
	gw.session = gateway.Session{OK: true, PhoneNumber: "+3"}
	e := newTestEngine(t, gw, newFakeClock(), nil)

	res, err := e.ForceCheck(ctx, "fc")
	if err != nil {
		t.Fatalf("ForceCheck() error = %v", err)
	}
	if !res.Connected || res.PhoneNumber != "+3" {
		t.Fatalf("ForceCheck() = %+v", res)
	}

	gw.set(func(g *fakeGateway) { g.status = "qr" })
	res, err = e.ForceCheck(ctx, "fc")
	if err != nil {
		t.Fatalf("ForceCheck() error = %v", err)
	}
	if res.Connected {
		t.Fatalf("ForceCheck() connected while pairing")
	}
	if _, err := e.ForceCheck(ctx, ""); !errors.Is(err, engine.ErrEmptyID) {
		t.Fatalf("ForceCheck(empty) error = %v", err)
	}
}

func TestEngine_ForceCheckKeepsErrorUntilSessionVerified(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw := newFakeGateway("connecting")
	clk := newFakeClock()
	policy := testPolicy()
	policy.MaxRetries = 0
	e := newTestEngineWithPolicy(t, gw, clk, nil, policy)

	if err := e.RequestConnect(ctx, "k"); err != nil {
		t.Fatalf("RequestConnect() error = %v", err)
	}
	clk.Advance(91 * time.Second)
	e.Tick(ctx, "k")
	escalated := mustSnapshot(t, e, "k")
	if escalated.Status != engine.StatusError {
		t.Fatalf("status = %s, want error", escalated.Status)
	}

	tests := []struct {
		name    string
		status  string
		session gateway.Session
	}{
		{name: "handshake", status: "connecting"},
		{name: "pairing", status: "qr"},
		{name: "gateway failure", status: "failed"},
		{name: "unverified connection", status: "open", session: gateway.Session{OK: false}},
	}
	for _, tt := range tests {
		gw.set(func(g *fakeGateway) {
			g.status = tt.status
			g.session = tt.session
		})
		res, err := e.ForceCheck(ctx, "k")
		if err != nil {
			t.Fatalf("%s: ForceCheck() error = %v", tt.name, err)
		}
		if res.Connected {
			t.Fatalf("%s: ForceCheck() reported connected", tt.name)
		}
		if st := mustSnapshot(t, e, "k"); st != escalated {
			t.Fatalf("%s: error state changed:\n before %+v\n after  %+v", tt.name, escalated, st)
		}
	}

	gw.set(func(g *fakeGateway) { g.session = gateway.Session{OK: true, PhoneNumber: "+4"} })
	res, err := e.ForceCheck(ctx, "k")
	if err != nil || !res.Connected || res.PhoneNumber != "+4" {
		t.Fatalf("ForceCheck() = %+v, %v", res, err)
	}
	st := mustSnapshot(t, e, "k")
	if st.Status != engine.StatusConnected || !st.ReallyConnected || st.RetryCount != 0 || st.LastError != "" {
		t.Fatalf("verified session: status=%s really=%t retry=%d lastError=%q",
			st.Status, st.ReallyConnected, st.RetryCount, st.LastError)
	}
}

func TestEngine_GatewayReportedFailureSpendsRetries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw := newFakeGateway("connecting")
	gw.qr = gateway.QRCode{Code: "2@pairing-ref,client-key,server-key"}
	e := newTestEngine(t, gw, newFakeClock(), nil)

	if err := e.RequestConnect(ctx, "g"); err != nil {
		t.Fatalf("RequestConnect() error = %v", err)
	}

	gw.set(func(g *fakeGateway) { g.status = "error" })
	e.Tick(ctx, "g")
	st := mustSnapshot(t, e, "g")
	if st.Status != engine.StatusConnecting || st.RetryCount != 1 {
		t.Fatalf("after gateway failure: status=%s retry=%d", st.Status, st.RetryCount)
	}
	if gw.Connects() != 2 || gw.Disconnects() != 1 {
		t.Fatalf("recovery calls: connects=%d disconnects=%d", gw.Connects(), gw.Disconnects())
	}

	// шлюз ожил: опрос продолжается
	gw.set(func(g *fakeGateway) { g.status = "qr" })
	calls := gw.StatusCalls()
	e.Tick(ctx, "g")
	if got := gw.StatusCalls(); got != calls+1 {
		t.Fatalf("status calls = %d, want %d", got, calls+1)
	}
	if st := mustSnapshot(t, e, "g"); st.Status != engine.StatusQRReady {
		t.Fatalf("after gateway recovered: status=%s", st.Status)
	}

	gw.set(func(g *fakeGateway) { g.status = "failed" })
	for want := 2; want <= 3; want++ {
		e.Tick(ctx, "g")
		if st := mustSnapshot(t, e, "g"); st.Status != engine.StatusConnecting || st.RetryCount != want {
			t.Fatalf("failure %d: status=%s retry=%d", want, st.Status, st.RetryCount)
		}
	}
	e.Tick(ctx, "g")
	st = mustSnapshot(t, e, "g")
	if st.Status != engine.StatusError || st.RetryCount != 3 || !strings.Contains(st.LastError, "gateway reported failed") {
		t.Fatalf("after exhaustion: status=%s retry=%d lastError=%q", st.Status, st.RetryCount, st.LastError)
	}
}

func TestEngine_HeartbeatReverifiesSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw := newFakeGateway("open")
	gw.session = gateway.Session{OK: true, PhoneNumber: "+5"}
	e := newTestEngine(t, gw, newFakeClock(), nil)

	if err := e.RequestConnect(ctx, "hb"); err != nil {
		t.Fatalf("RequestConnect() error = %v", err)
	}
	e.Tick(ctx, "hb")
	if st := mustSnapshot(t, e, "hb"); !st.ReallyConnected || gw.VerifyCalls() != 1 {
		t.Fatalf("initial verification: really=%t verifies=%d", st.ReallyConnected, gw.VerifyCalls())
	}

	gw.set(func(g *fakeGateway) {
		g.session = gateway.Session{OK: false}
		g.verifyErr = context.DeadlineExceeded
	})
	e.Tick(ctx, "hb")
	e.Tick(ctx, "hb")
	if got := gw.VerifyCalls(); got != 1 {
		t.Fatalf("verify calls before the third heartbeat = %d, want 1", got)
	}

	// сетевой сбой проверки подтверждение не снимает
	e.Tick(ctx, "hb")
	if st := mustSnapshot(t, e, "hb"); !st.ReallyConnected || gw.VerifyCalls() != 2 {
		t.Fatalf("failed recheck: really=%t verifies=%d", st.ReallyConnected, gw.VerifyCalls())
	}

	gw.set(func(g *fakeGateway) { g.verifyErr = nil })
	e.Tick(ctx, "hb")
	st := mustSnapshot(t, e, "hb")
	if st.Status != engine.StatusConnecting || st.ReallyConnected || st.PhoneNumber != "" {
		t.Fatalf("revoked session: status=%s really=%t phone=%q", st.Status, st.ReallyConnected, st.PhoneNumber)
	}
	if got := gw.VerifyCalls(); got != 3 {
		t.Fatalf("verify calls = %d, want 3", got)
	}
}

func TestNew_RequiresGateway(t *testing.T) {
	t.Parallel()

	if _, err := engine.New(context.Background(), engine.Options{}); !errors.Is(err, engine.ErrNoGateway) {
		t.Fatalf("New() error = %v, want ErrNoGateway", err)
	}
}
