package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"golang.org/x/crypto/bcrypt"

	"dealroom/internal/ratelimit"
	"dealroom/pkg/auth"
	"dealroom/pkg/domain"
	"dealroom/pkg/queue"
	"dealroom/services/dealroom/internal/app"
	"dealroom/services/dealroom/internal/metrics"
	"dealroom/services/dealroom/internal/storage"
	"dealroom/services/dealroom/internal/store"
)

func newWorkspace(t *testing.T, cfg app.Config) *app.Workspace {
	t.Helper()
	if cfg.KV == nil {
		cfg.KV = store.NewMemoryKV()
	}
	demo, _ := store.FixtureUser("user-1")
	hash, err := auth.HashPasswordCost(store.DemoPassword, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash demo password: %v", err)
	}
	cfg.Authenticator = app.NewStaticAuthenticatorHash(demo, hash)
	ws, err := app.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new workspace: %v", err)
	}
	return ws
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	if cfg.Workspace == nil {
		cfg.Workspace = newWorkspace(t, app.Config{})
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func expectStatus(t *testing.T, resp *http.Response, body []byte, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s %s: expected %d, got %d: %s", resp.Request.Method, resp.Request.URL.Path, want, resp.StatusCode, body)
	}
}

func decodeInto(t *testing.T, body []byte, dst any) {
	t.Helper()
	if err := json.Unmarshal(body, dst); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
}

func login(t *testing.T, base string) {
	t.Helper()
	resp, body := do(t, http.MethodPost, base+"/api/session/login", map[string]string{
		"email":    store.DemoEmail,
		"password": store.DemoPassword,
	})
	expectStatus(t, resp, body, http.StatusOK)
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, body := do(t, http.MethodGet, ts.URL+"/api/session", nil)
	expectStatus(t, resp, body, http.StatusOK)
	var session sessionResponse
	decodeInto(t, body, &session)
	if session.Authenticated {
		t.Fatalf("expected logged out session")
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/api/deals", nil)
	expectStatus(t, resp, body, http.StatusUnauthorized)

	resp, body = do(t, http.MethodPost, ts.URL+"/api/session/login", map[string]string{
		"email":    store.DemoEmail,
		"password": "wrong",
	})
	expectStatus(t, resp, body, http.StatusUnauthorized)
	if !strings.Contains(string(body), "invalid credentials") {
		t.Fatalf("unexpected error body: %s", body)
	}

	login(t, ts.URL)
	resp, body = do(t, http.MethodGet, ts.URL+"/api/session", nil)
	expectStatus(t, resp, body, http.StatusOK)
	decodeInto(t, body, &session)
	if !session.Authenticated || session.User == nil || session.User.ID != "user-1" {
		t.Fatalf("unexpected session: %+v", session)
	}

	resp, body = do(t, http.MethodPost, ts.URL+"/api/session/logout", nil)
	expectStatus(t, resp, body, http.StatusNoContent)
	resp, body = do(t, http.MethodPost, ts.URL+"/api/session/logout", nil)
	expectStatus(t, resp, body, http.StatusNoContent)
	resp, body = do(t, http.MethodGet, ts.URL+"/api/notifications", nil)
	expectStatus(t, resp, body, http.StatusUnauthorized)
}

func TestRegisterCreatesIdentity(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, body := do(t, http.MethodPost, ts.URL+"/api/session/register", map[string]string{
		"name":     "Nora Seller",
		"email":    "nora@example.com",
		"password": "secret",
		"role":     "seller",
	})
	expectStatus(t, resp, body, http.StatusCreated)
	var user domain.User
	decodeInto(t, body, &user)
	if user.ID == "" || user.Role != domain.RoleSeller || user.Email != "nora@example.com" {
		t.Fatalf("unexpected user: %+v", user)
	}

	resp, body = do(t, http.MethodPost, ts.URL+"/api/session/register", map[string]string{
		"name":     "Nora",
		"email":    "nora@example.com",
		"password": "secret",
		"role":     "admin",
	})
	expectStatus(t, resp, body, http.StatusBadRequest)
	if !strings.Contains(string(body), "role must be one of") {
		t.Fatalf("unexpected validation body: %s", body)
	}
}

func TestRequestValidation(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, body := do(t, http.MethodPost, ts.URL+"/api/session/login", map[string]string{"password": "x"})
	expectStatus(t, resp, body, http.StatusBadRequest)
	if !strings.Contains(string(body), "email is required") {
		t.Fatalf("unexpected validation body: %s", body)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/session/login", strings.NewReader("{"))
	raw, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	raw.Body.Close()
	if raw.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed JSON, got %d", raw.StatusCode)
	}

	login(t, ts.URL)
	resp, body = do(t, http.MethodPost, ts.URL+"/api/deals", map[string]any{"title": "No price"})
	expectStatus(t, resp, body, http.StatusBadRequest)
	if !strings.Contains(string(body), "initialPrice is required") {
		t.Fatalf("unexpected validation body: %s", body)
	}
}

func TestDealFlow(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, body := do(t, http.MethodPost, ts.URL+"/api/deals", map[string]any{"title": "Early", "initialPrice": 10})
	expectStatus(t, resp, body, http.StatusUnauthorized)

	login(t, ts.URL)
	resp, body = do(t, http.MethodPost, ts.URL+"/api/deals", map[string]any{
		"title":        "Warehouse Robotics",
		"description":  "Two pick-and-place units",
		"initialPrice": 120000,
	})
	expectStatus(t, resp, body, http.StatusCreated)
	var deal domain.Deal
	decodeInto(t, body, &deal)
	if deal.Status != domain.StatusPending || deal.CurrentPrice != 120000 || deal.BuyerID != "user-1" {
		t.Fatalf("unexpected deal: %+v", deal)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/api/deals/"+deal.ID, nil)
	expectStatus(t, resp, body, http.StatusOK)
	resp, body = do(t, http.MethodGet, ts.URL+"/api/deals/deal-missing", nil)
	expectStatus(t, resp, body, http.StatusNotFound)

	resp, body = do(t, http.MethodPut, ts.URL+"/api/deals/"+deal.ID+"/price", map[string]any{"price": 0})
	expectStatus(t, resp, body, http.StatusBadRequest)
	resp, body = do(t, http.MethodPut, ts.URL+"/api/deals/"+deal.ID+"/price", map[string]any{"price": 115000})
	expectStatus(t, resp, body, http.StatusOK)
	decodeInto(t, body, &deal)
	if deal.CurrentPrice != 115000 || deal.InitialPrice != 120000 {
		t.Fatalf("unexpected prices: %+v", deal)
	}

	resp, body = do(t, http.MethodPut, ts.URL+"/api/deals/"+deal.ID+"/status", map[string]any{"status": "archived"})
	expectStatus(t, resp, body, http.StatusBadRequest)
	resp, body = do(t, http.MethodPut, ts.URL+"/api/deals/"+deal.ID+"/status", map[string]any{"status": "in_progress"})
	expectStatus(t, resp, body, http.StatusOK)
	resp, body = do(t, http.MethodPut, ts.URL+"/api/deals/deal-missing/status", map[string]any{"status": "completed"})
	expectStatus(t, resp, body, http.StatusNotFound)

	var list struct {
		Items []domain.Deal `json:"items"`
		Count int           `json:"count"`
	}
	resp, body = do(t, http.MethodGet, ts.URL+"/api/deals", nil)
	expectStatus(t, resp, body, http.StatusOK)
	decodeInto(t, body, &list)
	if list.Count != 5 || list.Items[4].ID != deal.ID {
		t.Fatalf("expected new deal appended, got %d items", list.Count)
	}
	resp, body = do(t, http.MethodGet, ts.URL+"/api/deals/active", nil)
	expectStatus(t, resp, body, http.StatusOK)
	decodeInto(t, body, &list)
	for _, d := range list.Items {
		if d.Status.Closed() {
			t.Fatalf("active list contains %s deal %s", d.Status, d.ID)
		}
	}
	if list.Count != 3 {
		t.Fatalf("expected 3 active deals, got %d", list.Count)
	}
	resp, body = do(t, http.MethodGet, ts.URL+"/api/deals?status=completed", nil)
	expectStatus(t, resp, body, http.StatusOK)
	decodeInto(t, body, &list)
	if list.Count != 1 || list.Items[0].ID != "deal-3" {
		t.Fatalf("unexpected completed filter: %+v", list.Items)
	}
}

func TestMessages(t *testing.T) {
	ts := newTestServer(t, Config{})
	login(t, ts.URL)

	var list struct {
		Items []domain.Message `json:"items"`
		Count int              `json:"count"`
	}
	resp, body := do(t, http.MethodGet, ts.URL+"/api/deals/deal-1/messages", nil)
	expectStatus(t, resp, body, http.StatusOK)
	decodeInto(t, body, &list)
	if list.Count != 5 {
		t.Fatalf("expected 5 fixture messages, got %d", list.Count)
	}

	resp, body = do(t, http.MethodPost, ts.URL+"/api/deals/deal-1/messages", map[string]string{"content": "   "})
	expectStatus(t, resp, body, http.StatusBadRequest)
	resp, body = do(t, http.MethodPost, ts.URL+"/api/deals/deal-missing/messages", map[string]string{"content": "hi"})
	expectStatus(t, resp, body, http.StatusNotFound)

	resp, body = do(t, http.MethodPost, ts.URL+"/api/deals/deal-2/messages", map[string]string{"content": "Can we close this week?"})
	expectStatus(t, resp, body, http.StatusCreated)
	var msg domain.Message
	decodeInto(t, body, &msg)
	if msg.SenderID != "user-1" || msg.Read || msg.DealID != "deal-2" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/api/deals/deal-2/messages", nil)
	expectStatus(t, resp, body, http.StatusOK)
	decodeInto(t, body, &list)
	if list.Count != 1 || list.Items[0].ID != msg.ID {
		t.Fatalf("unexpected deal-2 messages: %+v", list.Items)
	}
}

func TestStrictTransitionConflict(t *testing.T) {
	ws := newWorkspace(t, app.Config{StrictTransitions: true})
	ts := newTestServer(t, Config{Workspace: ws})
	login(t, ts.URL)

	resp, body := do(t, http.MethodPut, ts.URL+"/api/deals/deal-3/status", map[string]any{"status": "pending"})
	expectStatus(t, resp, body, http.StatusConflict)
}

func TestNotifications(t *testing.T) {
	ts := newTestServer(t, Config{})
	login(t, ts.URL)

	var feed struct {
		Items  []domain.Notification `json:"items"`
		Unread int                   `json:"unread"`
	}
	unread := func() int {
		resp, body := do(t, http.MethodGet, ts.URL+"/api/notifications", nil)
		expectStatus(t, resp, body, http.StatusOK)
		decodeInto(t, body, &feed)
		return feed.Unread
	}
	if got := unread(); got != 2 {
		t.Fatalf("expected 2 unread, got %d", got)
	}

	resp, body := do(t, http.MethodPost, ts.URL+"/api/notifications/notif-1/read", nil)
	expectStatus(t, resp, body, http.StatusNoContent)
	if got := unread(); got != 1 {
		t.Fatalf("expected 1 unread, got %d", got)
	}
	resp, body = do(t, http.MethodPost, ts.URL+"/api/notifications/notif-unknown/read", nil)
	expectStatus(t, resp, body, http.StatusNoContent)

	resp, body = do(t, http.MethodPost, ts.URL+"/api/notifications/read-all", nil)
	expectStatus(t, resp, body, http.StatusNoContent)
	if got := unread(); got != 0 {
		t.Fatalf("expected 0 unread, got %d", got)
	}

	resp, body = do(t, http.MethodPost, ts.URL+"/api/notifications", map[string]string{
		"title":   "Counter offer",
		"message": "Sarah proposed $46,000",
		"type":    "deal",
		"dealId":  "deal-1",
	})
	expectStatus(t, resp, body, http.StatusCreated)
	if got := unread(); got != 1 || feed.Items[0].Title != "Counter offer" {
		t.Fatalf("expected pushed notification first and unread, got %d %+v", got, feed.Items[0])
	}
	resp, body = do(t, http.MethodPost, ts.URL+"/api/notifications", map[string]string{
		"title":   "x",
		"message": "y",
		"type":    "alert",
	})
	expectStatus(t, resp, body, http.StatusBadRequest)
}

func multipartBody(t *testing.T, name string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestUploadAndDownloadDocument(t *testing.T) {
	files, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	ws := newWorkspace(t, app.Config{Documents: files})
	ts := newTestServer(t, Config{Workspace: ws, Documents: files})
	login(t, ts.URL)

	content := []byte("%PDF-1.4 signed term sheet")
	buf, contentType := multipartBody(t, "Term Sheet.pdf", content)
	resp, err := http.Post(ts.URL+"/api/deals/deal-1/documents", contentType, buf)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	expectStatus(t, resp, body, http.StatusCreated)
	var doc domain.Document
	decodeInto(t, body, &doc)
	if doc.Name != "Term Sheet.pdf" || doc.DealID != "deal-1" || doc.URL == app.PlaceholderLocator {
		t.Fatalf("unexpected document: %+v", doc)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/api/deals/deal-1/documents/"+doc.ID, nil)
	expectStatus(t, resp, body, http.StatusOK)
	if !bytes.Equal(body, content) {
		t.Fatalf("downloaded %q, want %q", body, content)
	}
	if !strings.Contains(resp.Header.Get("Content-Disposition"), "Term Sheet.pdf") {
		t.Fatalf("unexpected disposition: %q", resp.Header.Get("Content-Disposition"))
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/api/deals/deal-1/documents/doc-1", nil)
	expectStatus(t, resp, body, http.StatusNotFound)
	resp, body = do(t, http.MethodGet, ts.URL+"/api/deals/deal-1/documents/doc-nope", nil)
	expectStatus(t, resp, body, http.StatusNotFound)

	buf, contentType = multipartBody(t, "orphan.pdf", content)
	resp, err = http.Post(ts.URL+"/api/deals/deal-missing/documents", contentType, buf)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing deal, got %d", resp.StatusCode)
	}
}

func TestUploadRequiresSessionBeforeReadingBody(t *testing.T) {
	ts := newTestServer(t, Config{MaxUploadBytes: 64})

	buf, contentType := multipartBody(t, "big.pdf", bytes.Repeat([]byte("x"), 1024))
	resp, err := http.Post(ts.URL+"/api/deals/deal-1/documents", contentType, buf)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 before size checks, got %d", resp.StatusCode)
	}
}

func TestUploadRejectsOversizedBody(t *testing.T) {
	ts := newTestServer(t, Config{MaxUploadBytes: 64})
	login(t, ts.URL)

	buf, contentType := multipartBody(t, "big.pdf", bytes.Repeat([]byte("x"), 1024))
	resp, err := http.Post(ts.URL+"/api/deals/deal-1/documents", contentType, buf)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestUploadRequiresFile(t *testing.T) {
	ts := newTestServer(t, Config{})
	login(t, ts.URL)

	resp, err := http.Post(ts.URL+"/api/deals/deal-1/documents", "text/plain", strings.NewReader("nope"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestLoginRateLimit(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(redis.Addr(), "", "dealroom:test:login", 1, time.Minute)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	ts := newTestServer(t, Config{LoginLimiter: limiter})

	login(t, ts.URL)
	resp, body := do(t, http.MethodPost, ts.URL+"/api/session/login", map[string]string{
		"email":    store.DemoEmail,
		"password": store.DemoPassword,
	})
	expectStatus(t, resp, body, http.StatusTooManyRequests)
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestHealthMetricsAndRequestID(t *testing.T) {
	m := metrics.New()
	ws := newWorkspace(t, app.Config{Observer: m})
	ts := newTestServer(t, Config{Workspace: ws, Metrics: m.Handler()})
	login(t, ts.URL)

	resp, body := do(t, http.MethodGet, ts.URL+"/healthz", nil)
	expectStatus(t, resp, body, http.StatusOK)
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID on response")
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/metrics", nil)
	expectStatus(t, resp, body, http.StatusOK)
	if !strings.Contains(string(body), `dealroom_store_operations_total{op="login",outcome="ok"} 1`) {
		t.Fatalf("login not counted in metrics output")
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/api/events", nil)
	expectStatus(t, resp, body, http.StatusNotFound)
}

func TestActivityFeed(t *testing.T) {
	redis := miniredis.RunT(t)
	stream, err := queue.NewEventStream(queue.StreamConfig{Addr: redis.Addr(), Stream: "dealroom:test:activity"})
	if err != nil {
		t.Fatalf("event stream: %v", err)
	}
	defer stream.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stream.Run(ctx)

	ws := newWorkspace(t, app.Config{Publisher: stream})
	ts := newTestServer(t, Config{Workspace: ws, Activity: stream})

	resp, body := do(t, http.MethodGet, ts.URL+"/api/activity", nil)
	expectStatus(t, resp, body, http.StatusUnauthorized)

	login(t, ts.URL)
	resp, body = do(t, http.MethodPut, ts.URL+"/api/deals/deal-2/price", map[string]any{"price": 70000})
	expectStatus(t, resp, body, http.StatusOK)

	var feed struct {
		Items []queue.Entry `json:"items"`
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, body = do(t, http.MethodGet, ts.URL+"/api/activity?limit=10", nil)
		expectStatus(t, resp, body, http.StatusOK)
		decodeInto(t, body, &feed)
		if len(feed.Items) > 0 && feed.Items[0].Event.Type == domain.EventDealPrice {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("price event never reached the activity feed: %+v", feed.Items)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if feed.Items[0].Event.DealID != "deal-2" || len(feed.Items) < 2 {
		t.Fatalf("unexpected activity feed: %+v", feed.Items)
	}
	if feed.Items[1].Event.Type != domain.EventSessionChanged {
		t.Fatalf("expected login event before the price change, got %s", feed.Items[1].Event.Type)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/api/activity?limit=0", nil)
	expectStatus(t, resp, body, http.StatusBadRequest)
}
