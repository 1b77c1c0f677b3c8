package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngenohkevin/schedules-runner/internal/dispatch"
	"github.com/ngenohkevin/schedules-runner/internal/journal"
	"github.com/ngenohkevin/schedules-runner/internal/logging"
	"github.com/ngenohkevin/schedules-runner/internal/process"
	"github.com/ngenohkevin/schedules-runner/internal/system"
)

const testToken = "agent-token"

type fakeLifecycles struct {
	items []dispatch.Lifecycle
}

func (f *fakeLifecycles) List() []dispatch.Lifecycle { return f.items }

func (f *fakeLifecycles) Get(id string) (dispatch.Lifecycle, bool) {
	for _, lc := range f.items {
		if lc.DispatchID == id {
			return lc, true
		}
	}
	return dispatch.Lifecycle{}, false
}

func (f *fakeLifecycles) ByExec(execID string) []dispatch.Lifecycle {
	var out []dispatch.Lifecycle
	for _, lc := range f.items {
		if lc.ExecID == execID {
			out = append(out, lc)
		}
	}
	return out
}

func (f *fakeLifecycles) InFlight() int {
	n := 0
	for _, lc := range f.items {
		if !lc.Final {
			n++
		}
	}
	return n
}

type fakeJournal struct {
	entries []journal.Entry
	err     error
	limit   int
}

func (f *fakeJournal) Recent(_ context.Context, limit int) ([]journal.Entry, error) {
	f.limit = limit
	return f.entries, f.err
}

type fakeProcesses struct{}

func (fakeProcesses) Stats(pid int) (*process.Stats, error) {
	if pid == 4242 {
		return &process.Stats{PID: int32(pid), Name: "bash"}, nil
	}
	return nil, process.ErrNotRunning
}

type fakeHost struct {
	calls int
}

func (f *fakeHost) Info() (*system.Info, error) {
	f.calls++
	return &system.Info{Host: system.HostInfo{Hostname: "runner-1"}}, nil
}

func testSources() (Sources, *fakeJournal, *fakeHost) {
	j := &fakeJournal{entries: []journal.Entry{{ID: 2, ExecID: "E1", State: dispatch.StateExited}}}
	h := &fakeHost{}
	src := Sources{
		Lifecycles: &fakeLifecycles{items: []dispatch.Lifecycle{
			{DispatchID: "d1", ExecID: "E1", TaskID: "T1", State: dispatch.StateExited, Final: true},
			{DispatchID: "d2", ExecID: "E1", TaskID: "T1", State: dispatch.StateSpawned, PID: 4242},
			{DispatchID: "d3", ExecID: "E2", TaskID: "T1", State: dispatch.StateSpawned, PID: 1},
		}},
		Journal:   j,
		Processes: fakeProcesses{},
		Host:      h,
		Events:    NewHub(),
	}
	return src, j, h
}

func newTestServer(t *testing.T, src Sources) *Server {
	t.Helper()
	s := New(Options{Token: testToken, RateLimitRPS: 1000, TokenTTL: time.Hour}, src, logging.Discard())
	t.Cleanup(s.handlers.Close)
	return s
}

func do(t *testing.T, s *Server, method, target string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if auth {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestHealthCheck_NoAuth(t *testing.T) {
	src, _, _ := testSources()
	w := do(t, newTestServer(t, src), "GET", "/health", false)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestAPI_RequiresAuth(t *testing.T) {
	src, _, _ := testSources()
	s := newTestServer(t, src)

	for _, path := range []string{"/api/info", "/api/execs", "/api/execs/d1", "/api/journal"} {
		w := do(t, s, "GET", path, false)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestGetInfo_Cached(t *testing.T) {
	src, _, host := testSources()
	s := newTestServer(t, src)

	w := do(t, s, "GET", "/api/info", true)
	require.Equal(t, http.StatusOK, w.Code)
	do(t, s, "GET", "/api/info", true)

	var body struct {
		Agent    string      `json:"agent"`
		InFlight int         `json:"in_flight"`
		Host     system.Info `json:"host"`
	}
	decode(t, w, &body)
	assert.Equal(t, Issuer, body.Agent)
	assert.Equal(t, 2, body.InFlight)
	assert.Equal(t, "runner-1", body.Host.Host.Hostname)
	assert.Equal(t, 1, host.calls)
}

func TestListExecs(t *testing.T) {
	src, _, _ := testSources()
	w := do(t, newTestServer(t, src), "GET", "/api/execs", true)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Execs    []dispatch.Lifecycle `json:"execs"`
		Total    int                  `json:"total"`
		InFlight int                  `json:"in_flight"`
	}
	decode(t, w, &body)
	assert.Equal(t, 3, body.Total)
	assert.Equal(t, 2, body.InFlight)
	assert.Equal(t, "d1", body.Execs[0].DispatchID)
}

func TestGetExec(t *testing.T) {
	src, _, _ := testSources()
	s := newTestServer(t, src)

	t.Run("by dispatch id", func(t *testing.T) {
		w := do(t, s, "GET", "/api/execs/d1", true)
		require.Equal(t, http.StatusOK, w.Code)

		var view ExecView
		decode(t, w, &view)
		assert.Equal(t, dispatch.StateExited, view.State)
		assert.Nil(t, view.Process)
	})

	t.Run("by exec id returns latest dispatch with process stats", func(t *testing.T) {
		w := do(t, s, "GET", "/api/execs/E1", true)
		require.Equal(t, http.StatusOK, w.Code)

		var view ExecView
		decode(t, w, &view)
		assert.Equal(t, "d2", view.DispatchID)
		require.NotNil(t, view.Process)
		assert.Equal(t, "bash", view.Process.Name)
	})

	t.Run("spawned but process gone", func(t *testing.T) {
		w := do(t, s, "GET", "/api/execs/d3", true)
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotContains(t, w.Body.String(), `"process"`)
	})

	t.Run("unknown", func(t *testing.T) {
		w := do(t, s, "GET", "/api/execs/nope", true)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestGetJournal(t *testing.T) {
	src, j, _ := testSources()
	s := newTestServer(t, src)

	w := do(t, s, "GET", "/api/journal?limit=5", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, j.limit)
	assert.Contains(t, w.Body.String(), `"exec_id":"E1"`)

	w = do(t, s, "GET", "/api/journal", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, journal.DefaultLimit, j.limit)

	w = do(t, s, "GET", "/api/journal?limit=-3", true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	j.err = errors.New("disk I/O error")
	w = do(t, s, "GET", "/api/journal", true)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetJournal_NotConfigured(t *testing.T) {
	src, _, _ := testSources()
	src.Journal = nil
	w := do(t, newTestServer(t, src), "GET", "/api/journal", true)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestIssueToken(t *testing.T) {
	src, _, _ := testSources()
	s := newTestServer(t, src)

	w := do(t, s, "POST", "/api/token?ttl=5m", true)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	decode(t, w, &body)
	require.NotEmpty(t, body.Token)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), body.ExpiresAt, time.Minute)

	req := httptest.NewRequest("GET", "/api/execs", nil)
	req.Header.Set("Authorization", "Bearer "+body.Token)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	w = do(t, s, "POST", "/api/token?ttl=48h", true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServe_StreamsEventsAndShutsDown(t *testing.T) {
	src, _, _ := testSources()
	s := newTestServer(t, src)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	req, err := http.NewRequest("GET", "http://"+ln.Addr().String()+"/api/events?token="+testToken, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool { return src.Events.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	src.Events.Observe(dispatch.Lifecycle{DispatchID: "d9", ExecID: "E9", State: dispatch.StateSpawned})

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.TrimSpace(line) != "" {
			lines = append(lines, strings.TrimSpace(line))
		}
	}
	assert.Equal(t, "event:lifecycle", lines[0])
	assert.Contains(t, lines[1], `"exec_id":"E9"`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.Zero(t, src.Events.Subscribers())
}
