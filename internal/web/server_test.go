package web_test

import (
	"bufio"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"wa-instances/internal/engine"
	"wa-instances/internal/gateway"
	"wa-instances/internal/web"

	"github.com/go-faster/errors"
	"github.com/goccy/go-json"
)

type fakeEngine struct {
	mu         sync.Mutex
	states     map[string]engine.State
	polling    map[string]bool
	connectErr error
	checkRes   engine.CheckResult
	checkErr   error
	removed    []string
	watch      chan engine.State
}

func newFakeEngine(states ...engine.State) *fakeEngine {
	e := &fakeEngine{states: make(map[string]engine.State), polling: make(map[string]bool)}
	for _, st := range states {
		e.states[st.InstanceID] = st
	}
	return e
}

func (e *fakeEngine) Snapshot(id string) (engine.State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[id]
	return st, ok
}

func (e *fakeEngine) Snapshots() []engine.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]engine.State, 0, len(e.states))
	for _, st := range e.states {
		out = append(out, st)
	}
	return out
}

func (e *fakeEngine) Watch(ctx context.Context, id string) (<-chan engine.State, error) {
	if strings.TrimSpace(id) == "" {
		return nil, engine.ErrEmptyID
	}
	return e.watch, nil
}

func (e *fakeEngine) Polling(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.polling[id]
}

func (e *fakeEngine) ForceCheck(context.Context, string) (engine.CheckResult, error) {
	return e.checkRes, e.checkErr
}

func (e *fakeEngine) RequestConnect(_ context.Context, id string) error {
	if e.connectErr != nil {
		return e.connectErr
	}
	e.mu.Lock()
	e.states[id] = engine.State{InstanceID: id, Status: engine.StatusConnecting}
	e.polling[id] = true
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) RequestDisconnect(_ context.Context, id string) error {
	e.mu.Lock()
	e.states[id] = engine.State{InstanceID: id, Status: engine.StatusDisconnected}
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) Remove(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = append(e.removed, id)
	_, ok := e.states[id]
	delete(e.states, id)
	return ok
}

type fakeRecords struct {
	deleted []string
}

func (r *fakeRecords) Delete(id string) error {
	r.deleted = append(r.deleted, id)
	return nil
}

func newHandler(t *testing.T, opts web.Options) http.Handler {
	t.Helper()
	srv, err := web.NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewServer_RequiresEngine(t *testing.T) {
	t.Parallel()

	if _, err := web.NewServer(web.Options{}); err == nil {
		t.Fatalf("expected error without engine")
	}
}

func TestServer_Auth(t *testing.T) {
	t.Parallel()

	h := newHandler(t, web.Options{Engine: newFakeEngine(), Token: "s3cret"})

	cases := []struct {
		name   string
		target string
		token  string
		want   int
	}{
		{name: "healthIsPublic", target: "/health", want: http.StatusOK},
		{name: "missingToken", target: "/api/instances", want: http.StatusUnauthorized},
		{name: "wrongToken", target: "/api/instances", token: "nope", want: http.StatusUnauthorized},
		{name: "bearer", target: "/api/instances", token: "s3cret", want: http.StatusOK},
		{name: "queryToken", target: "/api/instances?token=s3cret", want: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := do(t, h, http.MethodGet, tc.target, tc.token)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
			if rec.Header().Get("X-Request-ID") == "" {
				t.Fatalf("X-Request-ID header missing")
			}
		})
	}
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	h := newHandler(t, web.Options{
		Engine: newFakeEngine(),
		Health: func() map[string]string { return map[string]string{"engine": "running"} },
	})
	rec := do(t, h, http.MethodGet, "/health", "")

	var body struct {
		Status string            `json:"status"`
		Nodes  map[string]string `json:"nodes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Nodes["engine"] != "running" {
		t.Fatalf("health = %+v", body)
	}
}

func TestServer_GetAndList(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine(engine.State{InstanceID: "a", Status: engine.StatusConnected, ReallyConnected: true, PhoneNumber: "7999"})
	eng.polling["a"] = true
	h := newHandler(t, web.Options{Engine: eng})

	rec := do(t, h, http.MethodGet, "/api/instances/a", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var view struct {
		InstanceID      string `json:"instanceId"`
		Status          string `json:"status"`
		ReallyConnected bool   `json:"reallyConnected"`
		Polling         bool   `json:"polling"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.InstanceID != "a" || view.Status != "connected" || !view.ReallyConnected || !view.Polling {
		t.Fatalf("view = %+v", view)
	}

	if rec := do(t, h, http.MethodGet, "/api/instances/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown instance status = %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/instances", "")
	var list []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("list = %v", list)
	}
}

func TestServer_Commands(t *testing.T) {
	t.Parallel()

	t.Run("connectAccepted", func(t *testing.T) {
		t.Parallel()
		eng := newFakeEngine()
		h := newHandler(t, web.Options{Engine: eng})
		rec := do(t, h, http.MethodPost, "/api/instances/a/connect", "")
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status = %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `"connecting"`) {
			t.Fatalf("body = %s", rec.Body.String())
		}
	})

	t.Run("connectErrorsMapped", func(t *testing.T) {
		t.Parallel()
		cases := []struct {
			err  error
			want int
		}{
			{err: engine.ErrConnectInProgress, want: http.StatusConflict},
			{err: errors.Wrap(engine.ErrEmptyID, "connect"), want: http.StatusBadRequest},
			{err: &gateway.RateLimitError{Op: "connect", RetryAfter: time.Second}, want: http.StatusTooManyRequests},
			{err: &gateway.StatusError{Op: "connect", Code: http.StatusServiceUnavailable}, want: http.StatusGatewayTimeout},
			{err: &gateway.StatusError{Op: "connect", Code: http.StatusUnauthorized}, want: http.StatusBadGateway},
		}
		for _, tc := range cases {
			eng := newFakeEngine()
			eng.connectErr = tc.err
			h := newHandler(t, web.Options{Engine: eng})
			if rec := do(t, h, http.MethodPost, "/api/instances/a/connect", ""); rec.Code != tc.want {
				t.Fatalf("%v: status = %d, want %d", tc.err, rec.Code, tc.want)
			}
		}
	})

	t.Run("disconnect", func(t *testing.T) {
		t.Parallel()
		h := newHandler(t, web.Options{Engine: newFakeEngine()})
		if rec := do(t, h, http.MethodPost, "/api/instances/a/disconnect", ""); rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("check", func(t *testing.T) {
		t.Parallel()
		eng := newFakeEngine()
		eng.checkRes = engine.CheckResult{Connected: true, PhoneNumber: "7999"}
		h := newHandler(t, web.Options{Engine: eng})
		rec := do(t, h, http.MethodPost, "/api/instances/a/check", "")
		var res engine.CheckResult
		if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if rec.Code != http.StatusOK || res != eng.checkRes {
			t.Fatalf("status=%d res=%+v", rec.Code, res)
		}
	})

	t.Run("wrongMethod", func(t *testing.T) {
		t.Parallel()
		h := newHandler(t, web.Options{Engine: newFakeEngine()})
		if rec := do(t, h, http.MethodGet, "/api/instances/a/connect", ""); rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("status = %d", rec.Code)
		}
	})
}

func TestServer_DeleteForgetsInstanceAndRecord(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine(engine.State{InstanceID: "a", Status: engine.StatusDisconnected})
	records := &fakeRecords{}
	h := newHandler(t, web.Options{Engine: eng, Records: records})

	rec := do(t, h, http.MethodDelete, "/api/instances/a", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"removed":true`) {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if len(records.deleted) != 1 || records.deleted[0] != "a" {
		t.Fatalf("records deleted = %v", records.deleted)
	}
}

func TestServer_QRImage(t *testing.T) {
	t.Parallel()

	png := []byte("\x89PNG\r\n\x1a\nfake")
	eng := newFakeEngine(
		engine.State{InstanceID: "a", Status: engine.StatusQRReady, QRCode: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)},
		engine.State{InstanceID: "b", Status: engine.StatusConnecting},
	)
	h := newHandler(t, web.Options{Engine: eng})

	rec := do(t, h, http.MethodGet, "/api/instances/a/qr.png", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if rec.Body.String() != string(png) {
		t.Fatalf("body mismatch")
	}

	if rec := do(t, h, http.MethodGet, "/api/instances/b/qr.png", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("instance without qr: status = %d", rec.Code)
	}
}

func TestServer_EventsStream(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	eng.watch = make(chan engine.State, 1)
	eng.watch <- engine.State{InstanceID: "a", Status: engine.StatusQRReady}

	srv := httptest.NewServer(newHandler(t, web.Options{Engine: eng}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/instances/a/events", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	var event, data string
	for event == "" || data == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	if event != "state" || !strings.Contains(data, `"qr_ready"`) {
		t.Fatalf("event=%q data=%q", event, data)
	}

	close(eng.watch)
	if _, err := io.Copy(io.Discard, reader); err != nil {
		t.Fatalf("stream did not end after watch closed: %v", err)
	}
}

func TestServer_Logs(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "app.log")
	lines := strings.Join([]string{
		`{"level":"info","time":"2026-01-02T10:00:00.000Z","caller":"engine/poller.go:10","msg":"Poller: status changed","instance":"a"}`,
		`{"level":"warn","time":"2026-01-02T10:00:01.000Z","msg":"Poller: unknown gateway status","instance":"b"}`,
		`not json at all`,
	}, "\n") + "\n"
	if err := os.WriteFile(path, []byte(lines), 0o600); err != nil {
		t.Fatalf("write log: %v", err)
	}

	h := newHandler(t, web.Options{Engine: newFakeEngine(), LogFile: path})

	var page struct {
		Page       int            `json:"page"`
		TotalPages int            `json:"totalPages"`
		Entries    []web.LogEntry `json:"entries"`
	}
	rec := do(t, h, http.MethodGet, "/api/logs", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Entries) != 3 || page.TotalPages != 1 {
		t.Fatalf("page = %+v", page)
	}
	if page.Entries[0].Level != "UNKNOWN" || page.Entries[2].Message != "Poller: status changed" {
		t.Fatalf("entries must be newest first: %+v", page.Entries)
	}
	if page.Entries[2].Timestamp == "" || strings.Contains(page.Entries[2].Timestamp, "T") {
		t.Fatalf("timestamp not normalized: %q", page.Entries[2].Timestamp)
	}

	rec = do(t, h, http.MethodGet, "/api/logs?instance=b", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Entries) != 1 || page.Entries[0].Level != "WARN" {
		t.Fatalf("filtered entries = %+v", page.Entries)
	}

	noLogs := newHandler(t, web.Options{Engine: newFakeEngine()})
	if rec := do(t, noLogs, http.MethodGet, "/api/logs", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("logs without file: status = %d", rec.Code)
	}
}
