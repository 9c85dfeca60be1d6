package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler(t *testing.T) {
	PendingItems.WithLabelValues("client_kv_store").Set(3)
	Uploads.WithLabelValues("client_kv_store", "ok").Inc()
	LocalWrites.WithLabelValues("applied").Inc()

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		`daysync_pending_items{queue="client_kv_store"} 3`,
		`daysync_uploads_total{outcome="ok",queue="client_kv_store"}`,
		`daysync_local_writes_total{decision="applied"}`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
