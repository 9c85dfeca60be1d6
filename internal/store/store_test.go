package store

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/daysync/daysync/internal/record"
)

// setupSQLite opens a SQLite store in a temp directory.
func setupSQLite(t *testing.T, codec Codec) *SQLite {
	t.Helper()

	st, err := Open(filepath.Join(t.TempDir(), "local.db"), codec)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func dayRecord(key string, ts int64, src string, water float64) *record.Record {
	return &record.Record{
		Key:       key,
		Payload:   map[string]any{"waterMl": water},
		UpdatedAt: ts,
		SourceID:  src,
	}
}

func eachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory(DefaultCodec())) })
	t.Run("memory-compressed", func(t *testing.T) {
		fn(t, NewMemory(Codec{Compress: true, MinSize: 1}))
	})
	t.Run("sqlite", func(t *testing.T) { fn(t, setupSQLite(t, DefaultCodec())) })
	t.Run("sqlite-compressed", func(t *testing.T) {
		fn(t, setupSQLite(t, Codec{Compress: true, MinSize: 1}))
	})
}

func TestStore_GetMissing(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		rec, err := st.Get(context.Background(), "nope")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if rec != nil {
			t.Errorf("Get of missing key = %+v, want nil", rec)
		}
	})
}

func TestStore_SetGet(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		want := dayRecord("daysync_dayv2_2025-01-01", 100, "a", 750)

		if err := st.Set(ctx, want); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if err := st.Invalidate(ctx, want.Key); err != nil {
			t.Fatalf("Invalidate failed: %v", err)
		}

		got, err := st.Get(ctx, want.Key)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got == nil {
			t.Fatalf("Get returned nil")
		}
		if got.UpdatedAt != 100 || got.SourceID != "a" {
			t.Errorf("metadata = (%d, %q), want (100, \"a\")", got.UpdatedAt, got.SourceID)
		}
		if record.Snapshot(got.Payload) != record.Snapshot(want.Payload) {
			t.Errorf("payload = %s, want %s", record.Snapshot(got.Payload), record.Snapshot(want.Payload))
		}
	})
}

func TestStore_ApplyUsesResolver(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		r := record.NewResolver(nil)
		key := "daysync_dayv2_2025-01-02"

		ok, err := st.Apply(ctx, dayRecord(key, 100, "a", 1), r)
		if err != nil || !ok {
			t.Fatalf("first Apply = (%v, %v), want (true, nil)", ok, err)
		}

		ok, err = st.Apply(ctx, dayRecord(key, 50, "a", 2), r)
		if err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if ok {
			t.Errorf("older write should be rejected")
		}

		ok, err = st.Apply(ctx, &record.Record{Key: key, Payload: map[string]any{}, UpdatedAt: 500}, r)
		if err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if ok {
			t.Errorf("empty write should not erase meaningful content")
		}

		ok, err = st.Apply(ctx, dayRecord(key, 200, "b", 3), r)
		if err != nil || !ok {
			t.Fatalf("newer Apply = (%v, %v), want (true, nil)", ok, err)
		}

		got, _ := st.Get(ctx, key)
		if got.UpdatedAt != 200 || got.SourceID != "b" {
			t.Errorf("stored (%d, %q), want (200, \"b\")", got.UpdatedAt, got.SourceID)
		}
	})
}

func TestStore_Keys(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for _, k := range []string{"daysync_dayv2_b", "daysync_dayv2_a", "daysync_profile"} {
			if err := st.Set(ctx, dayRecord(k, 1, "s", 1)); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
		}

		all, err := st.Keys(ctx, "")
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		if len(all) != 3 {
			t.Errorf("Keys() = %v, want 3 keys", all)
		}

		days, err := st.Keys(ctx, "dayv2_")
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		if len(days) != 2 || days[0] != "daysync_dayv2_a" {
			t.Errorf("Keys(dayv2_) = %v, want sorted day keys", days)
		}
	})
}

func TestStore_RawRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		missing, err := st.LoadRaw(ctx, "pending_sync_queue")
		if err != nil || missing != nil {
			t.Fatalf("LoadRaw of missing key = (%q, %v), want (nil, nil)", missing, err)
		}

		value := []byte(`[{"k":"x"}]`)
		if err := st.SaveRaw(ctx, "pending_sync_queue", value); err != nil {
			t.Fatalf("SaveRaw failed: %v", err)
		}
		got, err := st.LoadRaw(ctx, "pending_sync_queue")
		if err != nil {
			t.Fatalf("LoadRaw failed: %v", err)
		}
		if !bytes.Equal(got, value) {
			t.Errorf("LoadRaw = %q, want %q", got, value)
		}
	})
}

func TestStore_ClosedStore(t *testing.T) {
	st := NewMemory(DefaultCodec())
	_ = st.Close()
	if _, err := st.Get(context.Background(), "k"); err != ErrClosed {
		t.Errorf("Get after Close = %v, want ErrClosed", err)
	}
}

func TestStore_ConcurrentApplyKeepsNewest(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		key := "daysync_dayv2_2025-01-01"

		var wg sync.WaitGroup
		for ts := int64(1); ts <= 50; ts++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				if _, err := st.Apply(ctx, dayRecord(key, ts, "a", float64(ts)), nil); err != nil {
					t.Errorf("Apply(%d) failed: %v", ts, err)
				}
			}()
			go func() {
				defer wg.Done()
				if _, err := st.Get(ctx, key); err != nil {
					t.Errorf("Get failed: %v", err)
				}
			}()
		}
		wg.Wait()

		got, err := st.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got == nil || got.UpdatedAt != 50 {
			t.Fatalf("cached record = %+v, want updatedAt 50", got)
		}
		if err := st.Invalidate(ctx, key); err != nil {
			t.Fatal(err)
		}
		if got, _ := st.Get(ctx, key); got == nil || got.UpdatedAt != 50 {
			t.Errorf("durable record = %+v, want updatedAt 50", got)
		}
	})
}

func TestSQLite_CloseWhileReading(t *testing.T) {
	st := setupSQLite(t, DefaultCodec())
	ctx := context.Background()
	key := "daysync_dayv2_2025-01-01"
	if err := st.Set(ctx, dayRecord(key, 1, "a", 1)); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 20; n++ {
				if _, err := st.Get(ctx, key); err != nil && !errors.Is(err, ErrClosed) {
					t.Errorf("Get failed: %v", err)
				}
				if _, err := st.Apply(ctx, dayRecord(key, int64(n+2), "a", 1), nil); err != nil && !errors.Is(err, ErrClosed) {
					t.Errorf("Apply failed: %v", err)
				}
			}
		}()
	}
	if err := st.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	wg.Wait()

	if _, err := st.Get(ctx, key); !errors.Is(err, ErrClosed) {
		t.Errorf("Get after Close = %v, want ErrClosed", err)
	}
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")
	ctx := context.Background()

	st, err := Open(path, Codec{Compress: true, MinSize: 1})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := st.Set(ctx, dayRecord("daysync_dayv2_x", 7, "a", 9)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopen without compression; compressed values stay readable.
	st, err = Open(path, DefaultCodec())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer st.Close()

	got, err := st.Get(ctx, "daysync_dayv2_x")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil || got.UpdatedAt != 7 {
		t.Fatalf("Get after reopen = %+v", got)
	}

	count, err := st.Count(ctx)
	if err != nil || count != 1 {
		t.Errorf("Count() = (%d, %v), want (1, nil)", count, err)
	}
}

func TestCodec_Marker(t *testing.T) {
	c := Codec{Compress: true, MinSize: 1}
	rec := dayRecord("k", 1, "a", 4)

	encoded, err := c.Encode(rec)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.HasPrefix(encoded, []byte(CompressionMarker)) {
		t.Fatalf("compressed value should start with the marker")
	}

	got, err := Decode("k", encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.UpdatedAt != 1 {
		t.Errorf("UpdatedAt = %d, want 1", got.UpdatedAt)
	}

	plain, err := DefaultCodec().Encode(rec)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if bytes.HasPrefix(plain, []byte(CompressionMarker)) {
		t.Errorf("uncompressed codec must not add the marker")
	}

	if _, err := Unwrap([]byte(CompressionMarker + strings.Repeat("\xff", 11))); err == nil {
		t.Errorf("corrupt compressed value should fail to unwrap")
	}
}

func TestKey(t *testing.T) {
	if got := Key("daysync", "dayv2_2025-01-01"); got != "daysync_dayv2_2025-01-01" {
		t.Errorf("Key() = %q", got)
	}
	if got := Key("daysync", "daysync_dayv2_x"); got != "daysync_dayv2_x" {
		t.Errorf("Key() should not double-prefix, got %q", got)
	}
	if got := Logical("daysync", "daysync_dayv2_x"); got != "dayv2_x" {
		t.Errorf("Logical() = %q", got)
	}
	if got := Key("", "raw"); got != "raw" {
		t.Errorf("Key with empty prefix = %q", got)
	}
}
