package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
)

func testStoreRoundTrip(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if err := store.Put(ctx, "history/e1/2026-03-01.json", []byte(`{"a":1}`), "application/json"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, "history/e2/2026-03-01.json", []byte(`{"b":2}`), "application/json"); err != nil {
		t.Fatalf("put: %v", err)
	}

	data, err := store.Get(ctx, "history/e1/2026-03-01.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Fatalf("data = %s", data)
	}

	keys, err := store.List(ctx, "history/e1/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 || keys[0] != "history/e1/2026-03-01.json" {
		t.Fatalf("keys = %v", keys)
	}

	if err := store.Delete(ctx, "history/e1/2026-03-01.json"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "history/e1/2026-03-01.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	// Deleting again is a no-op.
	if err := store.Delete(ctx, "history/e1/2026-03-01.json"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	testStoreRoundTrip(t, NewMemory())
}

func TestFSStore(t *testing.T) {
	store, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("new fs: %v", err)
	}
	testStoreRoundTrip(t, store)
}

func TestFSRejectsTraversal(t *testing.T) {
	store, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("new fs: %v", err)
	}
	if err := store.Put(context.Background(), "../escape.json", []byte("x"), ""); err == nil {
		t.Fatal("traversal key must be rejected")
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()

	t.Setenv(EnvDriver, "")
	store, err := Open(ctx)
	if err != nil {
		t.Fatalf("open default: %v", err)
	}
	if store.Driver() != DriverMemory {
		t.Fatalf("default driver = %s", store.Driver())
	}

	t.Setenv(EnvDriver, DriverFS)
	t.Setenv(EnvFSRoot, t.TempDir())
	store, err = Open(ctx)
	if err != nil {
		t.Fatalf("open fs: %v", err)
	}
	if store.Driver() != DriverFS {
		t.Fatalf("fs driver = %s", store.Driver())
	}

	t.Setenv(EnvDriver, "tape")
	if _, err := Open(ctx); err == nil {
		t.Fatal("unknown driver must fail")
	}
}

// stubS3 emulates enough of the S3 REST API to exercise the client without
// the network.
type stubS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *stubS3) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.TrimPrefix(req.URL.Path, "/")

	switch req.Method {
	case http.MethodPut:
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		s.objects[key] = body
		return response(http.StatusOK, ""), nil
	case http.MethodGet:
		data, ok := s.objects[key]
		if !ok {
			return response(http.StatusNotFound,
				`<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`), nil
		}
		return response(http.StatusOK, string(data)), nil
	case http.MethodDelete:
		delete(s.objects, key)
		return response(http.StatusNoContent, ""), nil
	default:
		return response(http.StatusMethodNotAllowed, ""), nil
	}
}

func response(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     http.Header{},
	}
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	stub := &stubS3{objects: map[string][]byte{}}
	store, err := NewS3(ctx, S3Config{
		Bucket:       "empirecore-test",
		Prefix:       "archive",
		Region:       "us-east-1",
		Endpoint:     "http://s3.test",
		UsePathStyle: true,
		AccessKey:    "test",
		SecretKey:    "test",
		HTTPClient:   &http.Client{Transport: stub},
	})
	if err != nil {
		t.Fatalf("new s3: %v", err)
	}

	if err := store.Put(ctx, "history/e1.json", []byte(`{"a":1}`), "application/json"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok := stub.objects["empirecore-test/archive/history/e1.json"]; !ok {
		t.Fatalf("object not stored, have %v", keysOf(stub.objects))
	}

	data, err := store.Get(ctx, "history/e1.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Fatalf("data = %s", data)
	}

	if _, err := store.Get(ctx, "history/missing.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := store.Delete(ctx, "history/e1.json"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := stub.objects["empirecore-test/archive/history/e1.json"]; ok {
		t.Fatal("object not deleted")
	}
}

func keysOf(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
