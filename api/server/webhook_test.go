package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/gantryproject/gantry/api/audit"
	"github.com/gantryproject/gantry/api/datastore"
	"github.com/gantryproject/gantry/api/ledger"
	"github.com/gantryproject/gantry/api/limits"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type testServer struct {
	*Server
	ds datastore.Datastore
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	ds := datastore.NewMem()
	led := ledger.New(ds, 100)
	lim := limits.New(ds, 10)

	var aud *audit.Store
	if cfg.AdminKey != "" || cfg.LimitsFile != "" {
		var err error
		aud, err = audit.New("")
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { aud.Close() })
	}

	return &testServer{Server: New(cfg, led, lim, ds, aud), ds: ds}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func jobEvent(action string, id int64, org string, labels string) []byte {
	return []byte(fmt.Sprintf(`{
		"action": %q,
		"workflow_job": {"id": %d, "run_id": 900, "name": "build", "labels": [%s]},
		"organization": {"login": %q},
		"repository": {"full_name": "%s/widgets"}
	}`, action, id, labels, org, org))
}

func postEvent(s *testServer, event string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", event)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestWebhookQueuesJob(t *testing.T) {
	s := newTestServer(t, Config{RequiredLabels: []string{"self-hosted"}})

	body := jobEvent("queued", 101, "acme", `"self-hosted", "linux"`)
	w := postEvent(s, "workflow_job", body, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body %s", w.Code, w.Body)
	}

	if n, _ := s.ds.QueueLen(context.Background(), "acme"); n != 1 {
		t.Fatalf("queue len = %d, want 1", n)
	}
	j, _ := s.ds.Dequeue(context.Background(), "acme")
	if j.ID != 101 || j.RunID != 900 || j.RepoFullName != "acme/widgets" {
		t.Fatalf("queued job %+v", j)
	}
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	s := newTestServer(t, Config{RequiredLabels: []string{"self-hosted"}})
	body := jobEvent("queued", 101, "acme", `"self-hosted"`)

	if w := postEvent(s, "workflow_job", body, nil); w.Code != http.StatusAccepted {
		t.Fatalf("first delivery status = %d", w.Code)
	}
	w := postEvent(s, "workflow_job", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d, want 200", w.Code)
	}
	if n, _ := s.ds.QueueLen(context.Background(), "acme"); n != 1 {
		t.Fatalf("queue len = %d, want 1", n)
	}
}

func TestWebhookSignature(t *testing.T) {
	s := newTestServer(t, Config{WebhookSecret: "hunter2", RequiredLabels: []string{"self-hosted"}})
	body := jobEvent("queued", 101, "acme", `"self-hosted"`)

	if w := postEvent(s, "workflow_job", body, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned status = %d, want 401", w.Code)
	}
	if w := postEvent(s, "workflow_job", body, map[string]string{
		"X-Hub-Signature-256": "sha256=deadbeef",
	}); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature status = %d, want 401", w.Code)
	}
	w := postEvent(s, "workflow_job", body, map[string]string{
		"X-Hub-Signature-256": sign("hunter2", body),
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("signed status = %d body %s", w.Code, w.Body)
	}
}

func TestWebhookLabelFilter(t *testing.T) {
	s := newTestServer(t, Config{RequiredLabels: []string{"self-hosted", "gantry"}})

	// Hosted-runner job, not for this pool.
	body := jobEvent("queued", 101, "acme", `"ubuntu-latest"`)
	if w := postEvent(s, "workflow_job", body, nil); w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	if n, _ := s.ds.QueueLen(context.Background(), "acme"); n != 0 {
		t.Fatalf("queue len = %d, want 0 for foreign labels", n)
	}

	// Label match is case-insensitive and order-independent.
	body = jobEvent("queued", 102, "acme", `"Gantry", "linux", "self-hosted"`)
	postEvent(s, "workflow_job", body, nil)
	if n, _ := s.ds.QueueLen(context.Background(), "acme"); n != 1 {
		t.Fatalf("queue len = %d, want 1", n)
	}
}

func TestWebhookLifecycleActionsAcked(t *testing.T) {
	s := newTestServer(t, Config{})

	for _, action := range []string{"in_progress", "completed"} {
		w := postEvent(s, "workflow_job", jobEvent(action, 101, "acme", `"self-hosted"`), nil)
		if w.Code != http.StatusAccepted {
			t.Fatalf("%s status = %d, want 202", action, w.Code)
		}
	}
	if n, _ := s.ds.QueueLen(context.Background(), "acme"); n != 0 {
		t.Fatalf("queue len = %d, want 0", n)
	}
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	s := newTestServer(t, Config{})

	w := postEvent(s, "push", []byte(`{}`), nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
}

func TestWebhookOrgFromRepoFallback(t *testing.T) {
	s := newTestServer(t, Config{})

	body := []byte(`{
		"action": "queued",
		"workflow_job": {"id": 5, "run_id": 1, "name": "build", "labels": []},
		"repository": {"full_name": "acme/widgets"}
	}`)
	w := postEvent(s, "workflow_job", body, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body %s", w.Code, w.Body)
	}
	if n, _ := s.ds.QueueLen(context.Background(), "acme"); n != 1 {
		t.Fatalf("queue len = %d, want 1", n)
	}
}
