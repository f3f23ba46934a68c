package main

import (
	"bytes"
	"encoding/json"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordedRequest struct {
	Method  string
	Path    string
	Body    string
	Auth    string
	Trigger string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:  r.Method,
			Path:    r.URL.RequestURI(),
			Body:    body.String(),
			Auth:    r.Header.Get("Authorization"),
			Trigger: r.Header.Get("X-Scribeflow-Trigger-Secret"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:       ts.server.URL,
		token:         "test-token",
		triggerSecret: "test-secret",
		httpClient:    ts.server.Client(),
	}
}

var ctx = context.Background()

func TestRetrievePost(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/retrieve": `{"chunks":[{"chunk_id":"c1","document_name":"notes","content":"x","confidence":90,"similarity":0.91}]}`,
	})

	client := ts.client()

	resp, err := client.post(ctx, "/v1/retrieve", map[string]any{"query": "launch plan", "top_k": 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Chunks []struct {
			ChunkID string `json:"chunk_id"`
		} `json:"chunks"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(result.Chunks) != 1 || result.Chunks[0].ChunkID != "c1" {
		t.Errorf("chunks = %+v", result.Chunks)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["query"] != "launch plan" {
		t.Errorf("body.query = %v", body["query"])
	}
	if body["top_k"] != float64(3) {
		t.Errorf("body.top_k = %v", body["top_k"])
	}
}

func TestTasksListDecode(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/tasks": `[{"ID":"task-1","TaskType":"blog_outline","Status":"pending","Title":"Why Go"}]`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/v1/tasks?limit=20&status=pending")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var tasks []taskView
	if err := decodeJSON(resp, &tasks); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if tasks[0].ID != "task-1" || tasks[0].Status != "pending" {
		t.Errorf("task = %+v", tasks[0])
	}

	if ts.requests[0].Path != "/v1/tasks?limit=20&status=pending" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
}

func TestTriggerUsesSecretHeader(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/pipeline/run": `{"claimed":2,"swept":1}`,
	})

	client := ts.client()
	resp, err := client.trigger(ctx, "/v1/pipeline/run")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]int
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["claimed"] != 2 || result["swept"] != 1 {
		t.Errorf("result = %v", result)
	}

	r := ts.requests[0]
	if r.Trigger != "test-secret" {
		t.Errorf("trigger header = %q, want test-secret", r.Trigger)
	}
	if r.Auth != "" {
		t.Errorf("trigger request carried bearer auth %q", r.Auth)
	}
}

func TestDecodeJSONErrorBody(t *testing.T) {
	ts := newTestServer(t, nil)

	client := ts.client()
	resp, err := client.get(ctx, "/v1/tasks/missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out any
	err = decodeJSON(resp, &out)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %v", err)
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "01234567" {
		t.Errorf("shortID(long) = %q, want 01234567", got)
	}
	if got := shortID("t1"); got != "t1" {
		t.Errorf("shortID(short) = %q, want t1", got)
	}
}

func TestStatusColor(t *testing.T) {
	if got := statusColor("error"); got != colorRed {
		t.Errorf("statusColor(error) = %q, want red", got)
	}
	if got := statusColor("pending_review"); got != colorYellow {
		t.Errorf("statusColor(pending_review) = %q, want yellow", got)
	}
	if got := statusColor("pending"); got != colorBold {
		t.Errorf("statusColor(pending) = %q, want bold", got)
	}
}
