package autosave

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/daysync/daysync/internal/clock"
	"github.com/daysync/daysync/internal/events"
	"github.com/daysync/daysync/internal/record"
	"github.com/daysync/daysync/internal/store"
)

const dayKey = "daysync_dayv2_2025-03-01"

var epoch = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	clk     *clock.Fake
	st      *store.Memory
	bus     *events.Bus
	saver   *Autosaver
	mu      sync.Mutex
	commits []*record.Record
	saved   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clk: clock.NewFake(epoch),
		st:  store.NewMemory(store.DefaultCodec()),
		bus: events.New(nil),
	}
	f.bus.SubscribeType(events.DataSaved, func(events.Event) {
		f.mu.Lock()
		f.saved++
		f.mu.Unlock()
	})
	saver, err := New(Options{
		Store:    f.st,
		Clock:    f.clk,
		Events:   f.bus,
		SourceID: "tab-b",
		OnCommit: func(ctx context.Context, rec *record.Record) {
			f.mu.Lock()
			f.commits = append(f.commits, rec)
			f.mu.Unlock()
		},
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	saver.Enable()
	f.saver = saver
	return f
}

func (f *fixture) commitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commits)
}

func (f *fixture) dataSaved() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saved
}

func (f *fixture) stored(t *testing.T) *record.Record {
	t.Helper()
	rec, err := f.st.Get(context.Background(), dayKey)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return rec
}

func day(water float64, ts int64) *record.Record {
	return &record.Record{
		Key:       dayKey,
		Payload:   map[string]any{"waterMl": water},
		UpdatedAt: ts,
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{SourceID: "x"}, nil); err == nil {
		t.Error("New without store succeeded")
	}
	if _, err := New(Options{Store: store.NewMemory(store.DefaultCodec())}, nil); err == nil {
		t.Error("New without source id succeeded")
	}
}

func TestObserve_DisabledAndFirstObserve(t *testing.T) {
	f := newFixture(t)

	disabled, err := New(Options{Store: f.st, Clock: f.clk, SourceID: "tab-b"}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	disabled.Observe(day(250, 1000))
	if disabled.Tracking(dayKey) {
		t.Error("disabled autosaver tracked a key")
	}

	// The first observation after hydration is the baseline.
	f.saver.Observe(day(250, 1000))
	f.clk.Advance(time.Second)
	if f.stored(t) != nil || f.commitCount() != 0 {
		t.Fatal("first observation was written")
	}
	if f.dataSaved() != 0 {
		t.Error("first observation published data-saved")
	}
}

func TestObserve_DebouncesBurst(t *testing.T) {
	f := newFixture(t)
	f.saver.Observe(day(0, 0))

	f.saver.Observe(day(250, 1000))
	f.clk.Advance(300 * time.Millisecond)
	f.saver.Observe(day(500, 1300))
	f.clk.Advance(300 * time.Millisecond)
	f.saver.Observe(day(750, 1600))

	if f.dataSaved() != 1 {
		t.Errorf("data-saved published %d times, want 1 (leading edge)", f.dataSaved())
	}
	if !f.saver.Pending(dayKey) {
		t.Fatal("key not pending during burst")
	}
	if f.stored(t) != nil {
		t.Fatal("written before the debounce elapsed")
	}

	f.clk.Advance(500 * time.Millisecond)
	got := f.stored(t)
	if got == nil {
		t.Fatal("nothing written after debounce")
	}
	if w := fmt.Sprint(got.Payload["waterMl"]); w != "750" {
		t.Errorf("stored waterMl = %s, want 750", w)
	}
	if got.UpdatedAt != 1600 || got.SourceID != "tab-b" {
		t.Errorf("stored metadata = %d/%q, want 1600/tab-b", got.UpdatedAt, got.SourceID)
	}
	if f.commitCount() != 1 {
		t.Errorf("commit hook ran %d times, want 1", f.commitCount())
	}
	if f.saver.Pending(dayKey) {
		t.Error("key still pending after flush")
	}
}

func TestFlush_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.saver.Observe(day(0, 0))
	f.saver.Observe(day(250, 1000))

	ctx := context.Background()
	if err := f.saver.Flush(ctx, FlushOptions{}); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := f.saver.Flush(ctx, FlushOptions{}); err != nil {
		t.Fatalf("second Flush failed: %v", err)
	}
	f.clk.Advance(time.Second)

	if f.commitCount() != 1 {
		t.Errorf("two flushes produced %d writes, want 1", f.commitCount())
	}
}

func TestFlush_StampsNowWhenMissing(t *testing.T) {
	f := newFixture(t)
	f.saver.Track(dayKey, nil)
	f.clk.Advance(42 * time.Millisecond)
	f.saver.Observe(day(250, 0))

	wrote, err := f.saver.FlushKey(context.Background(), dayKey, FlushOptions{})
	if err != nil || !wrote {
		t.Fatalf("FlushKey = %v, %v", wrote, err)
	}
	if got := f.stored(t).UpdatedAt; got != epoch.Add(42*time.Millisecond).UnixMilli() {
		t.Errorf("UpdatedAt = %d, want the clock time", got)
	}
}

func TestFlush_ForcedStillResolves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	newer := day(900, 5000)
	newer.SourceID = "tab-a"
	if err := f.st.Set(ctx, newer); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	f.saver.Track(dayKey, nil)
	f.saver.Observe(day(250, 1000))
	wrote, err := f.saver.FlushKey(ctx, dayKey, FlushOptions{Force: true})
	if err != nil {
		t.Fatalf("FlushKey failed: %v", err)
	}
	if wrote {
		t.Error("forced flush overwrote a newer stored value")
	}
	if got := f.stored(t); got.UpdatedAt != 5000 {
		t.Errorf("stored UpdatedAt = %d, want 5000", got.UpdatedAt)
	}
	if f.commitCount() != 0 {
		t.Error("commit hook ran for a rejected write")
	}
}

func TestFlush_ForcedRewritesUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.saver.Track(dayKey, nil)
	f.saver.Observe(day(250, 1000))

	if _, err := f.saver.FlushKey(ctx, dayKey, FlushOptions{}); err != nil {
		t.Fatalf("FlushKey failed: %v", err)
	}
	wrote, err := f.saver.FlushKey(ctx, dayKey, FlushOptions{Force: true})
	if err != nil || !wrote {
		t.Errorf("forced re-flush = %v, %v; want a write", wrote, err)
	}
}

func TestFlush_EmptyNeverClobbersMeaningful(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.st.Set(ctx, day(750, 1000)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	f.saver.Track(dayKey, nil)
	f.saver.Observe(&record.Record{Key: dayKey, Payload: map[string]any{"meals": []any{}}, UpdatedAt: 9000})
	wrote, err := f.saver.FlushKey(ctx, dayKey, FlushOptions{Force: true})
	if err != nil {
		t.Fatalf("FlushKey failed: %v", err)
	}
	if wrote {
		t.Fatal("empty shell overwrote meaningful data")
	}
	if got := f.stored(t); got.UpdatedAt != 1000 {
		t.Errorf("stored UpdatedAt = %d, want 1000", got.UpdatedAt)
	}
}

func TestFlush_AppliesAttachmentPolicy(t *testing.T) {
	f := newFixture(t)
	f.saver.Track(dayKey, nil)
	f.saver.Observe(&record.Record{
		Key: dayKey,
		Payload: map[string]any{
			"meals": []any{
				map[string]any{"photos": []any{
					map[string]any{"url": "https://cdn/p1.jpg", "data": "abc"},
					map[string]any{"data": strings.Repeat("x", record.DefaultMaxInlineBytes+1)},
				}},
			},
		},
		UpdatedAt: 1000,
	})
	if _, err := f.saver.FlushKey(context.Background(), dayKey, FlushOptions{}); err != nil {
		t.Fatalf("FlushKey failed: %v", err)
	}

	photos := f.stored(t).Payload["meals"].([]any)[0].(map[string]any)["photos"].([]any)
	first := photos[0].(map[string]any)
	if _, ok := first["data"]; ok {
		t.Error("photo with url kept inline data")
	}
	second := photos[1].(map[string]any)
	if _, ok := second["data"]; ok || second["dataSkipped"] != true {
		t.Errorf("oversize photo = %v, want data dropped and dataSkipped", second)
	}
}

func TestAbsorb_PreventsWriteBack(t *testing.T) {
	f := newFixture(t)
	f.saver.Observe(day(0, 0))

	f.saver.Absorb(day(900, 5000))
	f.saver.Observe(day(900, 5000))
	f.clk.Advance(time.Second)

	if f.commitCount() != 0 {
		t.Error("absorbed value was written back")
	}
	if f.dataSaved() != 0 {
		t.Error("absorbed value published data-saved")
	}
}

func TestAbsorb_KeepsPendingLocalChange(t *testing.T) {
	f := newFixture(t)
	f.saver.Observe(day(0, 0))
	f.saver.Observe(day(250, 6000))

	f.saver.Absorb(day(900, 5000))
	f.clk.Advance(time.Second)

	if got := f.stored(t); got == nil || got.UpdatedAt != 6000 {
		t.Errorf("stored = %+v, want the newer local change", got)
	}
}

func TestClose_FlushesAndStops(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.saver.Observe(day(0, 0))
	f.saver.Observe(day(250, 1000))

	if err := f.saver.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if f.stored(t) == nil {
		t.Fatal("Close did not flush the pending change")
	}

	f.saver.Observe(day(500, 2000))
	f.clk.Advance(time.Second)
	if f.commitCount() != 1 {
		t.Errorf("commits = %d after Close, want 1", f.commitCount())
	}
	if err := f.saver.Flush(ctx, FlushOptions{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Flush after Close = %v, want ErrClosed", err)
	}
	if err := f.saver.Close(ctx); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestSuspend_Flushes(t *testing.T) {
	f := newFixture(t)
	f.saver.Observe(day(0, 0))
	f.saver.Observe(day(250, 1000))

	if err := f.saver.Suspend(context.Background()); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	if f.stored(t) == nil {
		t.Error("Suspend did not flush")
	}
	if f.saver.Pending(dayKey) {
		t.Error("key still pending after Suspend")
	}
}
