package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/engine"
	"escrowline/internal/migrate"
	"escrowline/internal/stats"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	return newTestServerWith(t, true)
}

func newTestServerWith(t *testing.T, devRail bool) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	cfg.Arbiters = []string{"judge"}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	tracker, err := stats.New(100)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	e := engine.New(conn, cfg, tracker)
	if err := e.Auth.Seed(context.Background(), conn, cfg.Arbiters); err != nil {
		t.Fatalf("seed arbiters: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v1", EnableDevRail: devRail, Auth: AuthConfig{
		JWTSecret:              testSecret,
		AllowLegacyActorHeader: true,
		EnableDevLogin:         true,
	}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			tracker.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return out
}

func expectStatus(t *testing.T, res *http.Response, data []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d: %s", res.Request.Method, res.Request.URL.Path, res.StatusCode, want, string(data))
	}
}

func expectError(t *testing.T, res *http.Response, data []byte, status int, code string) {
	t.Helper()
	expectStatus(t, res, data, status)
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if env.Error.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, env.Error.Code, env.Error.Message)
	}
}

// openTask funds alice, creates a task and assigns it to bob.
func openTask(t *testing.T, srv *testServer, insured bool) TaskResponse {
	t.Helper()
	c := srv.Client()
	res, data := doJSON(t, c, http.MethodPost, srv.URL+"/v1/wallet/deposit", map[string]any{"amount": "200"}, as("alice"))
	expectStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v1/wallet/approve", map[string]any{"amount": "200"}, as("alice"))
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"title":         "Audit contract",
		"reward":        "100",
		"deadline":      time.Now().Add(72 * time.Hour).UTC().Format(time.RFC3339),
		"has_insurance": insured,
		"tags":          []string{"security"},
	}, as("alice"))
	expectStatus(t, res, data, http.StatusCreated)
	task := decode[TaskResponse](t, data)
	if task.Status != "created" || task.Reward != "100" || task.Token != "ETH" {
		t.Fatalf("unexpected task %+v", task)
	}
	taskURL := fmt.Sprintf("%s/v1/tasks/%d", srv.URL, task.ID)

	res, data = doJSON(t, c, http.MethodPost, taskURL+"/applications", map[string]any{"proposal": "two days"}, as("bob"))
	expectStatus(t, res, data, http.StatusCreated)
	res, data = doJSON(t, c, http.MethodPost, taskURL+"/assign", map[string]any{"assignee": "bob"}, as("alice"))
	expectStatus(t, res, data, http.StatusOK)
	task = decode[TaskResponse](t, data)
	if task.Status != "in_progress" || task.Assignee == nil || *task.Assignee != "bob" {
		t.Fatalf("unexpected assigned task %+v", task)
	}
	return task
}

func TestHealthIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if res.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, nil)
	expectError(t, res, data, http.StatusUnauthorized, "unauthorized")
}

func TestTaskLifecycleReleasesEscrow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := srv.Client()

	task := openTask(t, srv, false)
	taskURL := fmt.Sprintf("%s/v1/tasks/%d", srv.URL, task.ID)

	res, data := doJSON(t, c, http.MethodGet, taskURL+"/escrow", nil, as("bob"))
	expectStatus(t, res, data, http.StatusOK)
	if h := decode[HoldingResponse](t, data); h.State != "locked" || h.Amount != "100" {
		t.Fatalf("unexpected holding %+v", h)
	}

	res, data = doJSON(t, c, http.MethodPost, taskURL+"/complete", nil, as("bob"))
	expectError(t, res, data, http.StatusConflict, "milestones_incomplete")

	res, data = doJSON(t, c, http.MethodPost, taskURL+"/complete", nil, as("alice"))
	expectStatus(t, res, data, http.StatusOK)
	if got := decode[TaskResponse](t, data); got.Status != "completed" || got.CompletedAt == nil {
		t.Fatalf("unexpected completed task %+v", got)
	}

	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/wallets/bob", nil, as("bob"))
	expectStatus(t, res, data, http.StatusOK)
	if w := decode[WalletResponse](t, data); w.Balance != "100" {
		t.Fatalf("expected bob balance 100, got %+v", w)
	}

	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/stats/bob", nil, as("bob"))
	expectStatus(t, res, data, http.StatusOK)
	stats := decode[StatsResponse](t, data)
	if stats.TasksCompleted != 1 || len(stats.TotalEarnings) != 1 || stats.TotalEarnings[0].Amount != "100" {
		t.Fatalf("unexpected stats %+v", stats)
	}

	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/status", nil, as("alice"))
	expectStatus(t, res, data, http.StatusOK)
	if st := decode[StatusResponse](t, data); st.TaskCounts["completed"] != 1 || st.TotalLocked != "0" {
		t.Fatalf("unexpected status %+v", st)
	}

	res, data = doJSON(t, c, http.MethodPost, taskURL+"/complete", nil, as("alice"))
	expectError(t, res, data, http.StatusConflict, "already_completed")
}

func TestMilestonesOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := srv.Client()

	task := openTask(t, srv, false)
	taskURL := fmt.Sprintf("%s/v1/tasks/%d", srv.URL, task.ID)

	res, data := doJSON(t, c, http.MethodPost, taskURL+"/milestones", map[string]any{"title": "Report", "reward": "150"}, as("alice"))
	expectError(t, res, data, http.StatusBadRequest, "milestone_reward_exceeds_task")

	res, data = doJSON(t, c, http.MethodPost, taskURL+"/milestones", map[string]any{"title": "Report", "reward": "60"}, as("alice"))
	expectStatus(t, res, data, http.StatusCreated)
	m := decode[MilestoneResponse](t, data)

	msURL := fmt.Sprintf("%s/milestones/%d", taskURL, m.ID)
	res, data = doJSON(t, c, http.MethodPost, msURL+"/complete", map[string]any{"proof_hash": "0xabc"}, as("alice"))
	expectError(t, res, data, http.StatusForbidden, "not_assignee")
	res, data = doJSON(t, c, http.MethodPost, msURL+"/complete", map[string]any{"proof_hash": "0xabc"}, as("bob"))
	expectStatus(t, res, data, http.StatusOK)
	if got := decode[MilestoneResponse](t, data); got.Status != "completed" || got.ProofHash != "0xabc" {
		t.Fatalf("unexpected milestone %+v", got)
	}

	res, data = doJSON(t, c, http.MethodPost, taskURL+"/complete", nil, as("bob"))
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, c, http.MethodGet, taskURL+"/milestones", nil, as("alice"))
	expectStatus(t, res, data, http.StatusOK)
	if list := decode[listMilestones](t, data); len(list.Items) != 1 {
		t.Fatalf("expected one milestone, got %+v", list)
	}
}

func TestDisputeResolvedByArbiter(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := srv.Client()

	task := openTask(t, srv, false)
	taskURL := fmt.Sprintf("%s/v1/tasks/%d", srv.URL, task.ID)

	res, data := doJSON(t, c, http.MethodPost, taskURL+"/disputes", map[string]any{"reason": "scope changed"}, as("carol"))
	expectError(t, res, data, http.StatusForbidden, "not_party")

	res, data = doJSON(t, c, http.MethodPost, taskURL+"/disputes", map[string]any{"reason": "scope changed"}, as("bob"))
	expectStatus(t, res, data, http.StatusCreated)
	d := decode[DisputeResponse](t, data)
	if d.Status != "open" || d.Initiator != "bob" {
		t.Fatalf("unexpected dispute %+v", d)
	}

	res, data = doJSON(t, c, http.MethodPost, taskURL+"/complete", nil, as("alice"))
	expectError(t, res, data, http.StatusConflict, "dispute_open")

	resolveURL := fmt.Sprintf("%s/disputes/%d/resolve", taskURL, d.ID)
	res, data = doJSON(t, c, http.MethodPost, resolveURL, map[string]any{"favors_creator": true, "resolution": "refund"}, as("alice"))
	expectError(t, res, data, http.StatusForbidden, "not_arbiter")

	res, data = doJSON(t, c, http.MethodPost, resolveURL, map[string]any{"favors_creator": true, "resolution": "refund"}, as("judge"))
	expectStatus(t, res, data, http.StatusOK)
	if got := decode[DisputeResponse](t, data); got.Status != "resolved" || !got.FavorsCreator {
		t.Fatalf("unexpected resolved dispute %+v", got)
	}

	res, data = doJSON(t, c, http.MethodPost, resolveURL, map[string]any{"favors_creator": false}, as("judge"))
	expectError(t, res, data, http.StatusConflict, "already_resolved")

	res, data = doJSON(t, c, http.MethodGet, taskURL, nil, as("alice"))
	expectStatus(t, res, data, http.StatusOK)
	if got := decode[TaskResponse](t, data); got.Status != "cancelled" {
		t.Fatalf("expected cancelled task, got %s", got.Status)
	}
	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/wallets/alice", nil, as("alice"))
	expectStatus(t, res, data, http.StatusOK)
	if w := decode[WalletResponse](t, data); w.Balance != "200" {
		t.Fatalf("expected alice refunded to 200, got %+v", w)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := srv.Client()
	deadline := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	res, data := doJSON(t, c, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"title": "Unfunded", "reward": "10", "deadline": deadline,
	}, as("dave"))
	expectError(t, res, data, http.StatusPaymentRequired, "insufficient_funds")

	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"title": "Bad", "reward": "ten", "deadline": deadline,
	}, as("dave"))
	expectError(t, res, data, http.StatusBadRequest, "bad_request")

	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"title": "Late", "reward": "10", "deadline": "2001-01-01T00:00:00Z",
	}, as("dave"))
	expectError(t, res, data, http.StatusBadRequest, "invalid_deadline")

	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/tasks/999", nil, as("dave"))
	expectError(t, res, data, http.StatusNotFound, "task_not_found")

	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/tasks?cursor=abc", nil, as("dave"))
	expectError(t, res, data, http.StatusBadRequest, "bad_request")

	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v1/wallet/deposit", map[string]any{"amount": "1e5000000"}, as("dave"))
	expectError(t, res, data, http.StatusBadRequest, "invalid_amount")
	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"title": "Dust", "reward": "0.0000000000000000001", "deadline": deadline,
	}, as("dave"))
	expectError(t, res, data, http.StatusBadRequest, "invalid_amount")
}

func TestCredentials(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := srv.Client()

	res, data := doJSON(t, c, http.MethodPost, srv.URL+"/v1/api-keys", map[string]any{"name": "ci"}, as("alice"))
	expectStatus(t, res, data, http.StatusCreated)
	key := decode[APIKeyResponse](t, data)
	if !strings.HasPrefix(key.Key, "el_") || key.ActorID != "alice" {
		t.Fatalf("unexpected key %+v", key)
	}

	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": key.Key})
	expectStatus(t, res, data, http.StatusOK)
	if me := decode[MeResponse](t, data); me.ActorID != "alice" || me.Source != "api_key" || me.IsArbiter {
		t.Fatalf("unexpected principal %+v", me)
	}

	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": "el_unknown"})
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")

	res, data = doJSON(t, c, http.MethodDelete, srv.URL+"/v1/api-keys/"+key.ID, nil, as("bob"))
	expectError(t, res, data, http.StatusNotFound, "api_key_not_found")
	res, data = doJSON(t, c, http.MethodDelete, srv.URL+"/v1/api-keys/"+key.ID, nil, map[string]string{"X-Api-Key": key.Key})
	expectStatus(t, res, data, http.StatusOK)
	if revoked := decode[APIKeyResponse](t, data); revoked.RevokedAt == nil || revoked.Key != "" {
		t.Fatalf("unexpected revoked key %+v", revoked)
	}
	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": key.Key})
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")
	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/api-keys", nil, as("alice"))
	expectStatus(t, res, data, http.StatusOK)
	if keys := decode[listAPIKeys](t, data); len(keys.Items) != 1 || keys.Items[0].ID != key.ID {
		t.Fatalf("unexpected keys %+v", keys.Items)
	}

	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{"actor_id": "judge"}, nil)
	expectStatus(t, res, data, http.StatusOK)
	token := decode[DevLoginResponse](t, data).Token

	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + token})
	expectStatus(t, res, data, http.StatusOK)
	if me := decode[MeResponse](t, data); me.ActorID != "judge" || me.Source != "jwt" || !me.IsArbiter {
		t.Fatalf("unexpected principal %+v", me)
	}

	forged, err := SignToken("other-secret", "judge", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + forged})
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")
}

func TestArbiterRegistryOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := srv.Client()

	res, data := doJSON(t, c, http.MethodPost, srv.URL+"/v1/arbiters", map[string]any{"identity": "erin"}, as("alice"))
	expectError(t, res, data, http.StatusForbidden, "not_arbiter")

	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v1/arbiters", map[string]any{"identity": "erin"}, as("judge"))
	expectStatus(t, res, data, http.StatusCreated)
	if a := decode[ArbiterResponse](t, data); a.Identity != "erin" || a.GrantedBy != "judge" {
		t.Fatalf("unexpected arbiter %+v", a)
	}

	res, data = doJSON(t, c, http.MethodDelete, srv.URL+"/v1/arbiters/judge", nil, as("erin"))
	expectStatus(t, res, data, http.StatusNoContent)

	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/arbiters", nil, as("erin"))
	expectStatus(t, res, data, http.StatusOK)
	list := decode[listArbiters](t, data)
	if len(list.Items) != 1 || list.Items[0].Identity != "erin" {
		t.Fatalf("unexpected arbiters %+v", list.Items)
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := srv.Client()

	openTask(t, srv, false)

	seen := map[int64]bool{}
	url := srv.URL + "/v1/events?limit=2"
	for page := 0; page < 20; page++ {
		res, data := doJSON(t, c, http.MethodGet, url, nil, as("alice"))
		expectStatus(t, res, data, http.StatusOK)
		events := decode[paginatedEvents](t, data)
		for _, evt := range events.Items {
			if seen[evt.ID] {
				t.Fatalf("event %d returned twice", evt.ID)
			}
			seen[evt.ID] = true
		}
		if events.NextCursor == "" {
			break
		}
		url = srv.URL + "/v1/events?limit=2&cursor=" + events.NextCursor
	}
	// deposit, approve, task.created, escrow.locked, task.applied, task.assigned
	if len(seen) < 6 {
		t.Fatalf("expected at least 6 events, got %d", len(seen))
	}
}

func TestDepositRequiresDevRail(t *testing.T) {
	srv, cleanup := newTestServerWith(t, false)
	defer cleanup()
	c := srv.Client()

	res, data := doJSON(t, c, http.MethodPost, srv.URL+"/v1/wallet/deposit", map[string]any{"amount": "1000"}, as("mallory"))
	expectStatus(t, res, data, http.StatusNotFound)

	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/wallets/mallory", nil, as("mallory"))
	expectStatus(t, res, data, http.StatusOK)
	if w := decode[WalletResponse](t, data); w.Balance != "0" {
		t.Fatalf("unexpected balance %s", w.Balance)
	}

	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v1/wallet/approve", map[string]any{"amount": "10"}, as("mallory"))
	expectStatus(t, res, data, http.StatusOK)
}
