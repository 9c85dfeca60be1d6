package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lib/pq"
)

func newTestHTTP(t *testing.T, handler http.HandlerFunc) (*HTTP, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewHTTP(srv.URL, StaticToken("tok"), "anon", srv.Client())
	c.SetRetryPolicy(2, time.Millisecond, 5*time.Millisecond)
	return c, srv
}

func TestHTTP_BulkUpsert(t *testing.T) {
	var gotPath, gotAuth, gotConflict string
	var gotRows []Row

	c, _ := newTestHTTP(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotConflict = r.URL.Query().Get("on_conflict")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotRows)
		w.WriteHeader(http.StatusCreated)
	})

	rows := []Row{
		{"user_id": "u1", "k": "a", "v": json.RawMessage(`{"x":1}`)},
		{"user_id": "u1", "k": "b", "v": json.RawMessage(`{"x":2}`)},
	}
	if err := c.BulkUpsert(context.Background(), "kv_store", rows, []string{"user_id", "k"}); err != nil {
		t.Fatalf("BulkUpsert failed: %v", err)
	}

	if gotPath != "/rest/v1/kv_store" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotConflict != "user_id,k" {
		t.Errorf("on_conflict = %q", gotConflict)
	}
	if len(gotRows) != 2 || gotRows[1]["k"] != "b" {
		t.Errorf("server received %v", gotRows)
	}
}

func TestHTTP_RetriesServerErrors(t *testing.T) {
	var calls int32
	c, _ := newTestHTTP(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	if err := c.Upsert(context.Background(), "kv_store", Row{"k": "a"}, nil); err != nil {
		t.Fatalf("Upsert should succeed after retries: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("server saw %d calls, want 3", calls)
	}
}

func TestHTTP_ErrorClasses(t *testing.T) {
	tests := []struct {
		status    int
		auth      bool
		permanent bool
	}{
		{http.StatusUnauthorized, true, false},
		{http.StatusForbidden, true, false},
		{http.StatusConflict, false, true},
		{http.StatusUnprocessableEntity, false, true},
		{http.StatusNotFound, false, true},
		{http.StatusInternalServerError, false, false},
		{http.StatusTooManyRequests, false, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			c, _ := newTestHTTP(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"code":"E","message":"nope"}`))
			})

			err := c.Upsert(context.Background(), "kv_store", Row{"k": "a"}, nil)
			if err == nil {
				t.Fatalf("expected error for status %d", tt.status)
			}
			var httpErr *HTTPError
			if !errors.As(err, &httpErr) || httpErr.StatusCode != tt.status {
				t.Fatalf("error = %v, want *HTTPError with status %d", err, tt.status)
			}
			if IsAuthError(err) != tt.auth {
				t.Errorf("IsAuthError = %v, want %v", IsAuthError(err), tt.auth)
			}
			if IsPermanent(err) != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v", IsPermanent(err), tt.permanent)
			}
		})
	}
}

func TestHTTP_SaveBatchAndFetch(t *testing.T) {
	c, _ := newTestHTTP(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/rpc/save_client_kv"):
			var req batchRequest
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, &req)
			_ = json.NewEncoder(w).Encode(batchResponse{Saved: len(req.Items)})
		case r.Method == http.MethodGet:
			if r.URL.Query().Get("client_id") != "eq.c1" || r.URL.Query().Get("updated_at") != "gt.10" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`[{"k":"a","v":{"x":1},"updated_at":11}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	n, err := c.SaveBatch(context.Background(), "c1", []Row{{"k": "a"}, {"k": "b"}})
	if err != nil || n != 2 {
		t.Fatalf("SaveBatch = (%d, %v), want (2, nil)", n, err)
	}

	rows, err := c.Fetch(context.Background(), Query{Table: "client_kv_store", OwnerColumn: "client_id", Owner: "c1", SinceMillis: 10})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(rows) != 1 || rows[0]["k"] != "a" {
		t.Errorf("Fetch = %v", rows)
	}
}

func TestClassifiedErrors(t *testing.T) {
	base := errors.New("boom")
	if !IsAuthError(Auth(base)) || !errors.Is(Auth(base), base) {
		t.Errorf("Auth() should be both ErrAuth and the original error")
	}
	if !IsPermanent(fmt.Errorf("wrapped: %w", Permanent(base))) {
		t.Errorf("Permanent() should survive wrapping")
	}
	if IsAuthError(base) || IsPermanent(base) {
		t.Errorf("plain errors are neither class")
	}
	if Auth(nil) != nil || Permanent(nil) != nil {
		t.Errorf("nil stays nil")
	}
}

func TestClassifyPostgres(t *testing.T) {
	if !IsAuthError(classifyPostgres(&pq.Error{Code: "28P01"})) {
		t.Errorf("invalid_password should be an auth error")
	}
	if !IsPermanent(classifyPostgres(&pq.Error{Code: "23503"})) {
		t.Errorf("foreign_key_violation should be permanent")
	}
	if err := classifyPostgres(&pq.Error{Code: "40001"}); IsAuthError(err) || IsPermanent(err) {
		t.Errorf("serialization_failure should be retryable")
	}
}

func TestBuildUpsert(t *testing.T) {
	row := Row{"user_id": "u1", "k": "day", "v": json.RawMessage(`{"a":1}`), "updated_at": int64(5)}
	query, args, err := buildUpsert("kv_store", row, []string{"user_id", "k"})
	if err != nil {
		t.Fatalf("buildUpsert failed: %v", err)
	}

	want := `INSERT INTO "kv_store" ("k", "updated_at", "user_id", "v") VALUES ($1, $2, $3, $4)` +
		` ON CONFLICT ("user_id", "k") DO UPDATE SET "updated_at" = EXCLUDED."updated_at", "v" = EXCLUDED."v"`
	if query != want {
		t.Errorf("query =\n%s\nwant\n%s", query, want)
	}
	if len(args) != 4 || args[3] != `{"a":1}` {
		t.Errorf("args = %v", args)
	}

	if _, _, err := buildUpsert("kv_store", Row{"k": "x"}, []string{"user_id", "k"}); !IsPermanent(err) {
		t.Errorf("missing conflict column should be a permanent error, got %v", err)
	}
}
