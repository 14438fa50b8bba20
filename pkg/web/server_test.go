package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	apperrors "github.com/odvcencio/paddock/pkg/errors"
	"github.com/odvcencio/paddock/pkg/gateway"
	"github.com/odvcencio/paddock/pkg/runtime"
	"github.com/odvcencio/paddock/pkg/storage"
)

// scriptedCompleter stands in for the runtime during gateway-backed tests.
type scriptedCompleter struct {
	response string
	err      error
}

func (c *scriptedCompleter) Complete(ctx context.Context, sessionID, model, prompt string, opts runtime.Options) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return c.response, nil
}

type fakeModels struct {
	installed []string
	listErr   error
	actionErr error
	pulled    []string
	removed   []string
}

func (f *fakeModels) ListInstalled(ctx context.Context) ([]string, error) {
	return f.installed, f.listErr
}

func (f *fakeModels) Install(ctx context.Context, name string) error {
	if f.actionErr != nil {
		return f.actionErr
	}
	f.pulled = append(f.pulled, name)
	return nil
}

func (f *fakeModels) Remove(ctx context.Context, name string) error {
	if f.actionErr != nil {
		return f.actionErr
	}
	f.removed = append(f.removed, name)
	f.installed = nil
	return nil
}

type fakeCatalog struct {
	base     []string
	variants map[string][]string
	err      error
}

func (f *fakeCatalog) BaseModels(ctx context.Context) ([]string, error) {
	return f.base, f.err
}

func (f *fakeCatalog) Variants(ctx context.Context, name string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.variants[name], nil
}

type apiFixture struct {
	store     *storage.Store
	completer *scriptedCompleter
	models    *fakeModels
	catalog   *fakeCatalog
	ts        *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "paddock.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.UpsertUser("alice", "secret", 5))

	completer := &scriptedCompleter{response: "hello back"}
	models := &fakeModels{installed: []string{"llama3:latest"}}
	cat := &fakeCatalog{
		base:     []string{"llama3", "mistral"},
		variants: map[string][]string{"llama3": {"llama3:70b", "llama3:8b"}},
	}

	srv := NewServer(store, gateway.New(store, completer, 2, nil), models, cat, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &apiFixture{store: store, completer: completer, models: models, catalog: cat, ts: ts}
}

func (f *apiFixture) request(t *testing.T, method, path, body, user, pass string) (*http.Response, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)
	if user != "" {
		req.SetBasicAuth(user, pass)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	f := newAPIFixture(t)
	resp, payload := f.request(t, http.MethodGet, "/healthz", "", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", payload["status"])
}

func TestMissingCredentials(t *testing.T) {
	f := newAPIFixture(t)
	resp, _ := f.request(t, http.MethodGet, "/ping", "", "", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")
}

func TestWrongPassword(t *testing.T) {
	f := newAPIFixture(t)
	resp, _ := f.request(t, http.MethodGet, "/ping", "", "alice", "wrong")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPingEchoesPrincipal(t *testing.T) {
	f := newAPIFixture(t)
	resp, payload := f.request(t, http.MethodGet, "/ping", "", "alice", "secret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "pong", payload["message"])
	require.Equal(t, "alice", payload["username"])
}

func TestChatMintsSessionID(t *testing.T) {
	f := newAPIFixture(t)
	resp, payload := f.request(t, http.MethodPost, "/chat",
		`{"model":"llama3","prompt":"hi"}`, "alice", "secret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello back", payload["response"])

	sessionID, _ := payload["sessionId"].(string)
	require.NotEmpty(t, sessionID)

	messages, err := f.store.GetMessages(sessionID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
}

func TestChatExistingSession(t *testing.T) {
	f := newAPIFixture(t)
	resp, payload := f.request(t, http.MethodPost, "/chat/sess-1",
		`{"model":"llama3","prompt":"hi"}`, "alice", "secret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "sess-1", payload["sessionId"])

	messages, err := f.store.GetMessages("sess-1")
	require.NoError(t, err)
	require.Equal(t, storage.RoleUser, messages[0].Role)
	require.Equal(t, storage.RoleAssistant, messages[1].Role)
}

func TestChatQuotaExceeded(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.store.UpsertUser("bob", "pw", 1))

	resp, _ := f.request(t, http.MethodPost, "/chat/sess-1",
		`{"model":"llama3","prompt":"one"}`, "bob", "pw")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, payload := f.request(t, http.MethodPost, "/chat/sess-1",
		`{"model":"llama3","prompt":"two"}`, "bob", "pw")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, string(apperrors.ErrCodeQuotaExceeded), payload["code"])
}

func TestChatRuntimeFailure(t *testing.T) {
	f := newAPIFixture(t)
	f.completer.err = apperrors.New(apperrors.ErrCodeUpstreamFailure, "model crashed")

	resp, payload := f.request(t, http.MethodPost, "/chat/sess-1",
		`{"model":"llama3","prompt":"hi"}`, "alice", "secret")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, string(apperrors.ErrCodeUpstreamFailure), payload["code"])
}

func TestChatRejectsMalformedBody(t *testing.T) {
	f := newAPIFixture(t)
	resp, _ := f.request(t, http.MethodPost, "/chat", `{"model":`, "alice", "secret")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistoryRoundTrip(t *testing.T) {
	f := newAPIFixture(t)
	_, _ = f.request(t, http.MethodPost, "/chat/sess-1",
		`{"model":"llama3","prompt":"hi"}`, "alice", "secret")

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/history/sessions", nil)
	require.NoError(t, err)
	req.SetBasicAuth("alice", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sessions []storage.ChatSession
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	require.Len(t, sessions, 1)
	require.Equal(t, "sess-1", sessions[0].ID)
	require.Equal(t, 2, sessions[0].MessageCount)

	req, err = http.NewRequest(http.MethodGet, f.ts.URL+"/history/sess-1", nil)
	require.NoError(t, err)
	req.SetBasicAuth("alice", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var messages []storage.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&messages))
	require.Len(t, messages, 2)
}

func TestHistoryUnknownSession(t *testing.T) {
	f := newAPIFixture(t)
	resp, _ := f.request(t, http.MethodGet, "/history/ghost", "", "alice", "secret")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteSessionTwice(t *testing.T) {
	f := newAPIFixture(t)
	_, _ = f.request(t, http.MethodPost, "/chat/sess-1",
		`{"model":"llama3","prompt":"hi"}`, "alice", "secret")

	resp, _ := f.request(t, http.MethodDelete, "/history/sess-1", "", "alice", "secret")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.request(t, http.MethodDelete, "/history/sess-1", "", "alice", "secret")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestModelsOverview(t *testing.T) {
	f := newAPIFixture(t)
	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/models", nil)
	require.NoError(t, err)
	req.SetBasicAuth("alice", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Equal(t, []string{"llama3", "mistral"}, payload["available"])
	require.Equal(t, []string{"llama3:latest"}, payload["installed"])
}

func TestModelVariants(t *testing.T) {
	f := newAPIFixture(t)
	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/models/llama3/variants", nil)
	require.NoError(t, err)
	req.SetBasicAuth("alice", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var variants []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&variants))
	require.Equal(t, []string{"llama3:70b", "llama3:8b"}, variants)
}

func TestInstallAndRemoveModel(t *testing.T) {
	f := newAPIFixture(t)

	resp, payload := f.request(t, http.MethodPost, "/models/llama3:8b/install", "", "alice", "secret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, payload["message"], "installed")
	require.Equal(t, []string{"llama3:8b"}, f.models.pulled)

	resp, payload = f.request(t, http.MethodDelete, "/models/llama3:latest", "", "alice", "secret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, payload["message"], "removed")
	require.Equal(t, []string{"llama3:latest"}, f.models.removed)
}

func TestCatalogFailureSurfacesAsUpstream(t *testing.T) {
	f := newAPIFixture(t)
	f.catalog.err = apperrors.New(apperrors.ErrCodeUpstreamFailure, "catalog unreachable")

	resp, payload := f.request(t, http.MethodGet, "/models/available", "", "alice", "secret")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, string(apperrors.ErrCodeUpstreamFailure), payload["code"])
}
