package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngenohkevin/schedules-runner/internal/logging"
)

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(srv.URL, "secret-token", logging.Discard())
}

func TestFetchDueExecutions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/execs", r.URL.Path)
		assert.Equal(t, "secret-token", r.Header.Get(HeaderToken))
		assert.Equal(t, "Client", r.Header.Get(HeaderRunner))

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[{"id":"E1","task":{"id":"T1","name":"hello","payload":"echo hi"},"startTime":1700000000}]`)
	}))
	defer srv.Close()

	execs, err := newTestClient(srv).FetchDueExecutions(context.Background())
	require.NoError(t, err)
	require.Len(t, execs, 1)

	assert.Equal(t, "E1", execs[0].ID)
	assert.Equal(t, "T1", execs[0].Task.ID)
	assert.Equal(t, "hello", execs[0].Task.Name)
	assert.Equal(t, "echo hi", execs[0].Task.Payload)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), execs[0].StartTime.Time)
}

func TestFetchDueExecutions_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	execs, err := newTestClient(srv).FetchDueExecutions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestFetchDueExecutions_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, "bad token")
	}))
	defer srv.Close()

	_, err := newTestClient(srv).FetchDueExecutions(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnexpectedStatus)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.Code)
	assert.Equal(t, "bad token", statusErr.Body)
}

func TestFetchDueExecutions_Undecodable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"not":"an array"}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).FetchDueExecutions(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode response")
}

func TestFetchDueExecutions_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := NewClient(url, "secret-token", logging.Discard())
	_, err := client.FetchDueExecutions(context.Background())
	assert.Error(t, err)
}

func TestReportStatus_Accepted(t *testing.T) {
	var got StatusUpdate
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/execs/E1", r.URL.Path)
		assert.Equal(t, "secret-token", r.Header.Get(HeaderToken))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		io.WriteString(w, `{"result":true}`)
	}))
	defer srv.Close()

	ok := newTestClient(srv).ReportStatus(context.Background(), "E1", NewStatus("E1", StatusStarted))
	assert.True(t, ok)
	assert.Equal(t, StatusStarted, got.Status.Value)
	assert.Equal(t, IdempotencyKey("E1", StatusStarted), got.Status.IdempotentKey)
}

func TestReportStatus_WireShape(t *testing.T) {
	var raw map[string]map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		io.WriteString(w, `{"result":true}`)
	}))
	defer srv.Close()

	newTestClient(srv).ReportStatus(context.Background(), "E1", NewStatus("E1", StatusStarted))

	require.Contains(t, raw, "status")
	assert.Equal(t, "Started", raw["status"]["value"])
	assert.NotEmpty(t, raw["status"]["idempotentKey"])
}

func TestReportStatus_False(t *testing.T) {
	tests := []struct {
		name string
		code int
		body string
	}{
		{"result false", http.StatusOK, `{"result":false}`},
		{"server error", http.StatusInternalServerError, `{"result":true}`},
		{"not found", http.StatusNotFound, ``},
		{"redirect class", http.StatusNotModified, ``},
		{"malformed body", http.StatusOK, `not json`},
		{"empty body", http.StatusOK, ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			ok := newTestClient(srv).ReportStatus(context.Background(), "E1", NewStatus("E1", StatusStarted))
			assert.False(t, ok)
		})
	}
}

func TestReportStatus_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := NewClient(url, "secret-token", logging.Discard())
	assert.NotPanics(t, func() {
		assert.False(t, client.ReportStatus(context.Background(), "E1", NewStatus("E1", StatusStarted)))
	})
}

func TestReportStatus_EscapesID(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.EscapedPath()
		io.WriteString(w, `{"result":true}`)
	}))
	defer srv.Close()

	newTestClient(srv).ReportStatus(context.Background(), "a/b", NewStatus("a/b", StatusStarted))
	assert.Equal(t, "/api/v1/execs/a%2Fb", path)
}

func TestIdempotencyKey(t *testing.T) {
	assert.Equal(t, IdempotencyKey("E1", StatusStarted), IdempotencyKey("E1", StatusStarted))
	assert.NotEqual(t, IdempotencyKey("E1", StatusStarted), IdempotencyKey("E2", StatusStarted))
	assert.NotEqual(t, IdempotencyKey("E1", StatusStarted), IdempotencyKey("E1", StatusSucceeded))
}

func TestUnixTime(t *testing.T) {
	var ts UnixTime
	require.NoError(t, json.Unmarshal([]byte(`1700000000`), &ts))
	assert.Equal(t, int64(1700000000), ts.Unix())

	out, err := json.Marshal(ts)
	require.NoError(t, err)
	assert.Equal(t, "1700000000", string(out))

	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ts))
}
