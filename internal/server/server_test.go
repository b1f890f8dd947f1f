package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rbnvrw/frapalyzer/internal/frap"
	"github.com/rbnvrw/frapalyzer/internal/pipeline"
	"github.com/rbnvrw/frapalyzer/internal/source"
	"github.com/rbnvrw/frapalyzer/internal/testutil/fixture"
	"github.com/rbnvrw/frapalyzer/internal/testutil/testlog"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	return New(":0", nil, pipeline.Runner{Analysis: frap.DefaultOptions()})
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.HTTPRouter().ServeHTTP(rr, req)
	return rr
}

func TestHealthReadyMetrics(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/health", "/ready", "/metrics"} {
		rr := do(t, s, http.MethodGet, path, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("GET %s: status %d body=%s", path, rr.Code, rr.Body.String())
		}
	}
	rr := do(t, s, http.MethodGet, "/metrics", nil)
	if !strings.Contains(rr.Body.String(), "frapalyzer_http_requests_total") {
		t.Fatalf("expected http metrics to be exported")
	}
}

func TestCreateAndFetchAnalysis(t *testing.T) {
	s := newTestServer(t)
	path := fixture.TempND2(t)

	rr := do(t, s, http.MethodPost, "/analyses", map[string]any{"uri": path, "format": "markdown"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	var created struct {
		ID     string      `json:"id"`
		Result frap.Result `json:"result"`
		Report string      `json:"report"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" || created.Result.Source != "frap.nd2" {
		t.Fatalf("unexpected create response %+v", created)
	}
	if !strings.Contains(created.Report, "```text") {
		t.Fatalf("expected markdown report, got %q", created.Report)
	}
	if rr.Header().Get("Location") != "/analyses/"+created.ID {
		t.Fatalf("unexpected location %q", rr.Header().Get("Location"))
	}

	rr = do(t, s, http.MethodGet, "/analyses", nil)
	var list struct {
		Analyses []string `json:"analyses"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Analyses) != 1 || list.Analyses[0] != created.ID {
		t.Fatalf("unexpected list %+v", list)
	}

	rr = do(t, s, http.MethodGet, "/analyses/"+created.ID, nil)
	var entry Entry
	if rr.Code != http.StatusOK {
		t.Fatalf("get: status %d", rr.Code)
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry.URI != path || entry.Result.Curve.BleachIndex != fixture.Options().PreFrames {
		t.Fatalf("unexpected entry %+v", entry)
	}

	rr = do(t, s, http.MethodGet, "/analyses/"+created.ID+"?format=text", nil)
	if rr.Code != http.StatusOK || !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("text render: status %d type %q", rr.Code, rr.Header().Get("Content-Type"))
	}

	rr = do(t, s, http.MethodGet, "/analyses/"+created.ID+"/curve.csv", nil)
	if rr.Code != http.StatusOK || !strings.HasPrefix(rr.Body.String(), "time_s,") {
		t.Fatalf("csv: status %d body=%q", rr.Code, rr.Body.String())
	}
}

func TestAnalysisErrors(t *testing.T) {
	s := newTestServer(t)
	path := fixture.TempND2(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"missing uri", http.MethodPost, "/analyses", map[string]any{}, http.StatusBadRequest},
		{"bad format", http.MethodPost, "/analyses", map[string]any{"uri": path, "format": "pdf"}, http.StatusBadRequest},
		{"bad scheme", http.MethodPost, "/analyses", map[string]any{"uri": "gopher://host/x.nd2"}, http.StatusBadRequest},
		{"bad channel", http.MethodPost, "/analyses", map[string]any{"uri": path, "channel": 3}, http.StatusBadRequest},
		{"missing file", http.MethodPost, "/analyses", map[string]any{"uri": path + ".missing"}, http.StatusUnprocessableEntity},
		{"unknown id", http.MethodGet, "/analyses/nope", nil, http.StatusNotFound},
		{"unknown csv", http.MethodGet, "/analyses/nope/curve.csv", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, s, tt.method, tt.path, tt.body)
			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d body=%s", tt.status, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestAnalysisRejectsDisallowedSchemes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	s := New(":0", nil, pipeline.Runner{
		Analysis: frap.DefaultOptions(),
		Source:   source.Options{AllowedSchemes: []string{"http", "https"}},
	})
	path := fixture.TempND2(t)

	for _, uri := range []string{path, "file://" + path, "ssh://scope@host/cell.nd2"} {
		rr := do(t, s, http.MethodPost, "/analyses", map[string]any{"uri": uri})
		if rr.Code != http.StatusForbidden {
			t.Fatalf("%s: expected 403, got %d body=%s", uri, rr.Code, rr.Body.String())
		}
	}
	if ids := s.Registry.IDs(); len(ids) != 0 {
		t.Fatalf("rejected analyses were stored: %v", ids)
	}
}

func TestRegistryIDsSorted(t *testing.T) {
	r := NewRegistry()
	var ids []string
	for i := 0; i < 5; i++ {
		e, err := r.Add("x.nd2", frap.Result{})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		ids = append(ids, e.ID)
	}
	got := r.IDs()
	for i := range ids {
		if got[i] != ids[i] {
			t.Fatalf("ids not in creation order: %v vs %v", got, ids)
		}
	}
	if _, err := r.Get("missing"); err != ErrAnalysisNotFound {
		t.Fatalf("expected ErrAnalysisNotFound, got %v", err)
	}
}
