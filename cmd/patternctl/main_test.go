package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAssignments(t *testing.T) {
	doc, err := parseAssignments([]string{
		"shadow_mode=false",
		"rate_limit.burst=5",
		"rate_limit.auto_execute_per_minute=2.5",
		"staging.idle_expiry=72h",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"shadow_mode": false,
		"rate_limit": map[string]any{
			"burst":                   float64(5),
			"auto_execute_per_minute": 2.5,
		},
		"staging": map[string]any{"idle_expiry": "72h"},
	}, doc)

	_, err = parseAssignments([]string{"shadow_mode"})
	assert.Error(t, err)

	_, err = parseAssignments([]string{"rate_limit=1", "rate_limit.burst=2"})
	assert.Error(t, err)
}

// runCLI executes patternctl against srv and returns stdout.
func runCLI(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--server", srv.URL, "--token", "tok"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCommands(t *testing.T) {
	type seen struct {
		method, path, query, auth string
		body                      map[string]any
	}
	var (
		mu     sync.Mutex
		latest seen
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := seen{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, auth: r.Header.Get("Authorization")}
		_ = json.NewDecoder(r.Body).Decode(&s.body)
		mu.Lock()
		latest = s
		mu.Unlock()
		if r.URL.Path == "/api/v1/patterns/missing" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found","request_id":"r1"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	lastReq := func() seen {
		mu.Lock()
		defer mu.Unlock()
		return latest
	}

	out, err := runCLI(t, srv, "decide", "--conversation", "c1", "Do you sell gift cards?")
	require.NoError(t, err)
	last := lastReq()
	assert.Contains(t, out, `"ok": true`)
	assert.Equal(t, "Bearer tok", last.auth)
	assert.Equal(t, "/api/v1/messages", last.path)
	assert.Equal(t, "Do you sell gift cards?", last.body["text"])
	assert.Equal(t, "c1", last.body["conversation_id"])

	_, err = runCLI(t, srv, "outcome", "e1", "accepted")
	require.NoError(t, err)
	last = lastReq()
	assert.Equal(t, "/api/v1/executions/e1/outcome", last.path)
	assert.Equal(t, "accepted", last.body["outcome"])

	_, err = runCLI(t, srv, "patterns", "list", "--state", "active", "--limit", "5")
	require.NoError(t, err)
	last = lastReq()
	assert.Equal(t, http.MethodGet, last.method)
	assert.Equal(t, "limit=5&state=active", last.query)

	_, err = runCLI(t, srv, "patterns", "elevate", "p1")
	require.NoError(t, err)
	last = lastReq()
	assert.Equal(t, "/api/v1/patterns/p1/elevate", last.path)

	_, err = runCLI(t, srv, "config", "set", "rate_limit.burst=4")
	require.NoError(t, err)
	last = lastReq()
	assert.Equal(t, http.MethodPut, last.method)
	assert.Equal(t, map[string]any{"rate_limit": map[string]any{"burst": float64(4)}}, last.body)

	_, err = runCLI(t, srv, "patterns", "get", "missing")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "not found", apiErr.Message)
	assert.Equal(t, "r1", apiErr.RequestID)
}
