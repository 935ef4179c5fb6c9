package handler_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/prophecy/internal/api"
	"github.com/kiranshivaraju/prophecy/internal/api/handler"
	mw "github.com/kiranshivaraju/prophecy/internal/api/middleware"
	"github.com/kiranshivaraju/prophecy/internal/forecast/mock"
	"github.com/kiranshivaraju/prophecy/internal/lifecycle"
	"github.com/kiranshivaraju/prophecy/internal/store"
	"github.com/kiranshivaraju/prophecy/internal/stream"
	"github.com/kiranshivaraju/prophecy/internal/token"
	"github.com/kiranshivaraju/prophecy/internal/trigger"
	"github.com/kiranshivaraju/prophecy/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// ─── test fixtures ───────────────────────────────────────────────────────────

const (
	contractKey    = "ph_contract_owner_key_0123456789"
	contractSecret = "contract-test-secret-at-least-32-bytes!!"
)

var contractOwner = uuid.MustParse("bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb")

// ─── in-memory store ─────────────────────────────────────────────────────────

type memStore struct {
	mu          sync.Mutex
	keys        []*models.APIKey
	predictions map[uuid.UUID]*models.Prediction
}

func newMemStore() *memStore {
	hash, _ := bcrypt.GenerateFromPassword([]byte(contractKey), bcrypt.MinCost)
	return &memStore{
		keys: []*models.APIKey{{
			ID:        uuid.New(),
			OwnerID:   contractOwner,
			Name:      "contract",
			KeyHash:   string(hash),
			KeyPrefix: contractKey[:mw.KeyPrefixLen],
			Scopes:    []string{"read", "write", "admin"},
		}},
		predictions: make(map[uuid.UUID]*models.Prediction),
	}
}

func (s *memStore) Ping(_ context.Context) error { return nil }

func (s *memStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *memStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }

func (s *memStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.keys {
		if existing.Name == key.Name && existing.OwnerID == key.OwnerID {
			return store.ErrDuplicateKey
		}
	}
	s.keys = append(s.keys, key)
	return nil
}

func (s *memStore) CreatePrediction(_ context.Context, p *models.Prediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.predictions[p.ID] = &cp
	return nil
}

func (s *memStore) GetPrediction(_ context.Context, id, owner uuid.UUID) (*models.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.predictions[id]
	if !ok || p.OwnerID != owner {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) ListPredictions(_ context.Context, owner uuid.UUID) ([]*models.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.Prediction{}
	for _, p := range s.predictions {
		if p.OwnerID == owner {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) FinishPrediction(_ context.Context, id, owner uuid.UUID, fin store.Finish) (*models.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.predictions[id]
	if !ok || p.OwnerID != owner {
		return nil, store.ErrNotFound
	}
	if p.IsTerminal() {
		return nil, store.ErrAlreadyFinal
	}
	p.Status = fin.Status
	p.Result = fin.Result
	p.ErrorMessage = fin.ErrorMessage
	p.UpdatedAt = fin.At
	cp := *p
	return &cp, nil
}

func (s *memStore) FailOverdue(_ context.Context, _ time.Time, _ string) ([]*models.Prediction, error) {
	return nil, nil
}

// ─── in-memory cache ─────────────────────────────────────────────────────────

type memCache struct {
	mu       sync.Mutex
	statuses map[string]string
}

func (c *memCache) Ping(_ context.Context) error { return nil }

func (c *memCache) SetPredictionStatus(_ context.Context, owner, id uuid.UUID, status string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statuses == nil {
		c.statuses = make(map[string]string)
	}
	c.statuses[owner.String()+id.String()] = status
	return nil
}

func (c *memCache) GetPredictionStatus(_ context.Context, owner, id uuid.UUID) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[owner.String()+id.String()]
	return s, ok, nil
}

func (c *memCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

// ─── test server ─────────────────────────────────────────────────────────────

type testServer struct {
	t      *testing.T
	api    *httptest.Server
	store  *memStore
	issuer *token.Issuer
	worker *trigger.Worker
}

// newTestServer runs the API and a compute worker as two HTTP servers, so
// every prediction crosses the dispatch and callback hops.
func newTestServer(t *testing.T, engine models.Forecaster) *testServer {
	t.Helper()
	ts := &testServer{t: t, store: newMemStore(), issuer: token.NewIssuer(contractSecret)}

	ts.worker = trigger.NewWorker(engine, ts.issuer, 5*time.Second, 5*time.Second)
	workerSrv := httptest.NewServer(ts.worker.Routes())

	var router http.Handler
	ts.api = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		ts.worker.Wait()
		workerSrv.Close()
		ts.api.Close()
	})

	cache := &memCache{}
	hub := stream.NewHub(16)
	ctrl := lifecycle.New(lifecycle.Deps{
		Store:      ts.store,
		Cache:      cache,
		Dispatcher: trigger.NewHTTP(workerSrv.URL, 5*time.Second),
		Tokens:     ts.issuer,
		Publisher:  hub,
		Hub:        hub,
		PublicURL:  ts.api.URL,
		Deadline:   time.Minute,
	})
	preds := handler.NewPredictionHandler(ctrl, 1<<20, time.Hour)

	router = api.NewRouter(api.Dependencies{
		Auth:              mw.NewAuth(ts.store),
		TriggerAuth:       mw.NewTriggerAuth(ts.issuer),
		RateLimit:         mw.NewRateLimit(cache, 600),
		HealthHandler:     handler.NewHealthHandler(ts.store, cache),
		SubmitPrediction:  preds.Submit,
		ListPredictions:   preds.List,
		StreamPredictions: preds.Stream,
		GetPrediction:     preds.Get,
		PredictionStatus:  preds.Status,
		ReportOutcome:     preds.Outcome,
		CreateKeyHandler:  handler.NewCreateKeyHandler(ts.store),
	})
	return ts
}

func (ts *testServer) request(method, path, bearer string, body any) *http.Response {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.api.URL+path, &buf)
	require.NoError(ts.t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := ts.api.Client().Do(req)
	require.NoError(ts.t, err)
	return resp
}

func (ts *testServer) authRequest(method, path string, body any) *http.Response {
	return ts.request(method, path, contractKey, body)
}

func parseBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func (ts *testServer) submit(question string) uuid.UUID {
	ts.t.Helper()
	resp := ts.authRequest(http.MethodPost, "/api/v1/predictions", map[string]any{"question": question})
	require.Equal(ts.t, http.StatusAccepted, resp.StatusCode)
	data := parseBody(ts.t, resp)["data"].(map[string]any)
	assert.Equal(ts.t, "processing", data["status"])
	return uuid.MustParse(data["id"].(string))
}

func (ts *testServer) waitTerminal(id uuid.UUID) map[string]any {
	ts.t.Helper()
	var data map[string]any
	require.Eventually(ts.t, func() bool {
		resp := ts.authRequest(http.MethodGet, "/api/v1/predictions/"+id.String(), nil)
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return false
		}
		data = parseBody(ts.t, resp)["data"].(map[string]any)
		return models.IsTerminalStatus(data["status"].(string))
	}, 5*time.Second, 20*time.Millisecond)
	return data
}

// ─── contract tests ──────────────────────────────────────────────────────────

func TestContract_Health(t *testing.T) {
	ts := newTestServer(t, mock.NewMockEngine())

	resp := ts.request(http.MethodGet, "/api/v1/health", "", nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
}

func TestContract_SubmitComputesAndReconciles(t *testing.T) {
	ts := newTestServer(t, mock.NewMockEngine())

	id := ts.submit("Est-ce que mon budget tiendra ?")
	data := ts.waitTerminal(id)

	assert.Equal(t, "completed", data["status"])
	result := data["result"].(map[string]any)
	assert.Equal(t, "Mock outcome", result["result"])
	assert.Equal(t, 0.8, result["confidence"])
	assert.Len(t, result["chartData"], 2)
	assert.NotContains(t, data, "error_message")

	resp := ts.authRequest(http.MethodGet, "/api/v1/predictions/"+id.String()+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", parseBody(t, resp)["data"].(map[string]any)["status"])
}

func TestContract_EngineFailureMarksFailed(t *testing.T) {
	ts := newTestServer(t, mock.NewPanickingEngine("boom"))

	id := ts.submit("Vais-je vendre plus ?")
	data := ts.waitTerminal(id)

	assert.Equal(t, "failed", data["status"])
	assert.Contains(t, data["error_message"], "boom")
	assert.NotContains(t, data, "result")
}

func TestContract_DuplicateCallbackIsNoOp(t *testing.T) {
	ts := newTestServer(t, mock.NewMockEngine())

	id := ts.submit("q")
	first := ts.waitTerminal(id)

	tok, err := ts.issuer.Issue(contractOwner, id, time.Minute)
	require.NoError(t, err)
	resp := ts.request(http.MethodPost, "/api/v1/predictions/"+id.String()+"/outcome", tok,
		map[string]any{"predictionId": id, "error": "late failure"})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, parseBody(t, resp)["data"].(map[string]any)["applied"])

	again := ts.waitTerminal(id)
	assert.Equal(t, first["status"], again["status"])
	assert.Equal(t, first["updated_at"], again["updated_at"])
}

func TestContract_TokenScopedToOnePrediction(t *testing.T) {
	ts := newTestServer(t, mock.NewMockEngine())

	id := ts.submit("q")
	ts.waitTerminal(id)

	tok, err := ts.issuer.Issue(contractOwner, uuid.New(), time.Minute)
	require.NoError(t, err)
	resp := ts.request(http.MethodPost, "/api/v1/predictions/"+id.String()+"/outcome", tok,
		map[string]any{"error": "forged"})

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestContract_ForeignOwnerForbidden(t *testing.T) {
	ts := newTestServer(t, mock.NewMockEngine())
	other := uuid.New().String()

	tests := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodGet, "/api/v1/predictions?owner=" + other, nil},
		{http.MethodGet, "/api/v1/predictions/stream?owner=" + other, nil},
		{http.MethodPost, "/api/v1/predictions", map[string]any{"owner": other, "question": "q"}},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			resp := ts.authRequest(tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
			resp.Body.Close()
		})
	}
}

func TestContract_ListNewestFirst(t *testing.T) {
	ts := newTestServer(t, mock.NewMockEngine())

	first := ts.submit("premier")
	time.Sleep(5 * time.Millisecond)
	second := ts.submit("second")

	resp := ts.authRequest(http.MethodGet, "/api/v1/predictions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := parseBody(t, resp)["data"].([]any)
	require.Len(t, list, 2)
	assert.Equal(t, second.String(), list[0].(map[string]any)["id"])
	assert.Equal(t, first.String(), list[1].(map[string]any)["id"])
}

func TestContract_StreamSeesInsertThenUpdate(t *testing.T) {
	ts := newTestServer(t, mock.NewMockEngine())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.api.URL+"/api/v1/predictions/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+contractKey)
	resp, err := ts.api.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := &sseReader{r: bufio.NewReader(resp.Body)}
	assert.Equal(t, "connected", events.next(t).comment)

	id := ts.submit("Quel chiffre d'affaires ?")

	insert := events.next(t)
	assert.Equal(t, "insert", insert.event)
	assert.Equal(t, id.String(), insert.id)

	update := events.next(t)
	assert.Equal(t, "update", update.event)
	var p models.Prediction
	require.NoError(t, json.Unmarshal([]byte(update.data), &p))
	assert.Equal(t, models.StatusCompleted, p.Status)
	require.NotNil(t, p.Result)
}

func TestContract_CreateKey(t *testing.T) {
	ts := newTestServer(t, mock.NewMockEngine())

	resp := ts.authRequest(http.MethodPost, "/api/v1/admin/keys", map[string]any{"name": "mobile", "scopes": []string{"read"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	raw := parseBody(t, resp)["data"].(map[string]any)["key"].(string)

	// The new key authenticates and carries only the read scope.
	list := ts.request(http.MethodGet, "/api/v1/predictions", raw, nil)
	assert.Equal(t, http.StatusOK, list.StatusCode)
	list.Body.Close()
	submit := ts.request(http.MethodPost, "/api/v1/predictions", raw, map[string]any{"question": "q"})
	assert.Equal(t, http.StatusForbidden, submit.StatusCode)
	submit.Body.Close()

	dup := ts.authRequest(http.MethodPost, "/api/v1/admin/keys", map[string]any{"name": "mobile"})
	require.Equal(t, http.StatusConflict, dup.StatusCode)
	e := parseBody(t, dup)["error"].(map[string]any)
	assert.Equal(t, "DUPLICATE_KEY", e["code"])
}

func TestContract_Unauthenticated(t *testing.T) {
	ts := newTestServer(t, mock.NewMockEngine())

	resp := ts.request(http.MethodGet, "/api/v1/predictions", "", nil)

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	e := parseBody(t, resp)["error"].(map[string]any)
	assert.Equal(t, "INVALID_TOKEN", e["code"])
}
