package vector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeChroma struct {
	mu          sync.Mutex
	upsertCalls int
	deleteCalls int
	lastUpsert  map[string]interface{}
	lastDelete  map[string]interface{}
	lastQuery   map[string]interface{}
}

func (f *fakeChroma) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/collections", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]interface{}{
				"collections": []map[string]string{{"id": "col-1", "name": "codeatlas_blocks"}},
			})
		case http.MethodPost:
			json.NewEncoder(w).Encode(map[string]string{"id": "col-1"})
		}
	})
	mux.HandleFunc("/api/v1/collections/col-1/upsert", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.upsertCalls++
		f.lastUpsert = decodeBody(r)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/collections/col-1/delete", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deleteCalls++
		f.lastDelete = decodeBody(r)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/collections/col-1/query", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.lastQuery = decodeBody(r)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ids":       [][]string{{"demo::svc.A()"}},
			"distances": [][]float64{{0.25}},
			"metadatas": [][]map[string]interface{}{{{"project": "demo"}}},
			"documents": [][]string{{"public void A()"}},
		})
	})
	return mux
}

func decodeBody(r *http.Request) map[string]interface{} {
	body := map[string]interface{}{}
	json.NewDecoder(r.Body).Decode(&body)
	return body
}

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	parsed, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	cfg := Config{
		Host:       parsed.Hostname(),
		Port:       parsed.Port(),
		Scheme:     "http",
		Collection: "codeatlas_blocks",
		Timeout:    2 * time.Second,
	}
	client, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if !client.Available() {
		t.Fatalf("client should be available against fake server")
	}
	return client
}

func TestClientUpsertAndQuery(t *testing.T) {
	fake := &fakeChroma{}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	client := newTestClient(t, server)
	defer client.Close()

	docs := []Document{{
		ID:        "demo::svc.A()",
		Project:   "demo",
		FilePath:  "src/Svc.java",
		Signature: "public void A()",
		Content:   "public void A() { B(); }",
	}}
	if err := client.Upsert(context.Background(), docs, [][]float32{{0.1, 0.2}}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if fake.upsertCalls != 1 {
		t.Fatalf("expected 1 upsert call, got %d", fake.upsertCalls)
	}

	results, err := client.Search(context.Background(), []float32{0.1, 0.2}, "demo", 3)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 1 || results[0].ID != "demo::svc.A()" {
		t.Fatalf("unexpected results: %+v", results)
	}
	if results[0].Score <= 0 {
		t.Fatalf("expected positive score, got %f", results[0].Score)
	}
	where, ok := fake.lastQuery["where"].(map[string]interface{})
	if !ok || where["project"] != "demo" {
		t.Fatalf("expected project filter in query, got %v", fake.lastQuery["where"])
	}
}

func TestClientDeleteProject(t *testing.T) {
	fake := &fakeChroma{}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	client := newTestClient(t, server)
	defer client.Close()

	if err := client.DeleteProject(context.Background(), "demo"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if fake.deleteCalls != 1 {
		t.Fatalf("expected 1 delete call, got %d", fake.deleteCalls)
	}
	where, ok := fake.lastDelete["where"].(map[string]interface{})
	if !ok || where["project"] != "demo" {
		t.Fatalf("expected project filter in delete, got %v", fake.lastDelete)
	}
}

func TestClientUnavailableWhenServerDown(t *testing.T) {
	cfg := Config{
		Host:       "127.0.0.1",
		Port:       "1",
		Scheme:     "http",
		Collection: "codeatlas_blocks",
		Timeout:    200 * time.Millisecond,
	}
	client, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("construction must not fail hard: %v", err)
	}
	if client.Available() {
		t.Fatalf("client should report unavailable")
	}
	if _, err := client.Search(context.Background(), []float32{1}, "", 1); err == nil {
		t.Fatalf("search against dead server should error")
	}
}

func TestMemoryStoreSearchAndDelete(t *testing.T) {
	store := NewMemoryStore("")
	ctx := context.Background()
	docs := []Document{
		{ID: "demo::a", Project: "demo", Content: "alpha"},
		{ID: "demo::b", Project: "demo", Content: "beta"},
		{ID: "other::c", Project: "other", Content: "gamma"},
	}
	vectors := [][]float32{{1, 0}, {0.5, 0.5}, {1, 0}}
	if err := store.Upsert(ctx, docs, vectors); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	results, err := store.Search(ctx, []float32{1, 0}, "demo", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 demo results, got %d", len(results))
	}
	if results[0].ID != "demo::a" {
		t.Fatalf("expected exact match first, got %s", results[0].ID)
	}
	for _, r := range results {
		if r.Payload["project"] != "demo" {
			t.Fatalf("project filter leaked: %+v", r)
		}
	}

	if err := store.DeleteProject(ctx, "demo"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	remaining, err := store.Search(ctx, []float32{1, 0}, "", 10)
	if err != nil {
		t.Fatalf("search after delete: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != "other::c" {
		t.Fatalf("expected only other::c to remain, got %+v", remaining)
	}
}

func TestSetCollectionResetsMemoryStore(t *testing.T) {
	store := NewMemoryStore("first")
	ctx := context.Background()
	store.Upsert(ctx, []Document{{ID: "x", Project: "p"}}, [][]float32{{1}})
	store.SetCollection("second")
	if store.Collection() != "second" {
		t.Fatalf("collection not switched")
	}
	results, _ := store.Search(ctx, []float32{1}, "", 10)
	if len(results) != 0 {
		t.Fatalf("switching collections should drop documents")
	}
	if !strings.HasPrefix(NewMemoryStore("").Collection(), "codeatlas") {
		t.Fatalf("default collection name expected")
	}
}
