package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/colabvibe/previewd/internal/config"
	"github.com/colabvibe/previewd/internal/database"
	"github.com/colabvibe/previewd/internal/deploy"
	"github.com/colabvibe/previewd/internal/ports"
	"github.com/colabvibe/previewd/internal/runtime"
	"github.com/colabvibe/previewd/internal/session"
)

type testAPI struct {
	api     *API
	server  *httptest.Server
	rt      *runtime.FakeRuntime
	backend *session.FakeBackend
	store   *database.Store
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	store, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	alloc, err := ports.NewAllocator(8300, 8310)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}

	rt := runtime.NewFakeRuntime()
	templates := map[string]config.Template{
		"node": {Image: "node:22-alpine", Command: []string{"npm", "run", "dev"}, ContainerPort: 3000},
	}
	backend := session.NewFakeBackend(session.KindLocal, false)

	api := &API{
		Store:    store,
		Deploys:  deploy.NewManager(store, rt, alloc, templates),
		Sessions: session.NewManager(store, []session.Backend{backend}, 1024, 16),
	}

	r := chi.NewRouter()
	api.Routes(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return &testAPI{api: api, server: server, rt: rt, backend: backend, store: store}
}

// do sends a JSON request with the given identity headers and decodes the
// JSON response into out (when out is non-nil).
func (ta *testAPI) do(t *testing.T, method, path string, headers map[string]string, body interface{}, out interface{}) int {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, ta.server.URL+path, reqBody)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func teamHeaders(teamID string) map[string]string {
	return map[string]string{"X-Team-ID": teamID}
}

func agentHeaders(agentID string) map[string]string {
	return map[string]string{"X-Agent-ID": agentID}
}
