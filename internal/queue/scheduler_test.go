package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/daysync/daysync/internal/clock"
	"github.com/daysync/daysync/internal/events"
	"github.com/daysync/daysync/internal/store"
	"github.com/daysync/daysync/internal/transport"
	"github.com/daysync/daysync/internal/transport/transporttest"
)

type fakeAuth struct {
	mu       sync.Mutex
	authed   bool
	uid      string
	failures []error
}

func newFakeAuth(uid string) *fakeAuth {
	return &fakeAuth{authed: true, uid: uid}
}

func (a *fakeAuth) IsAuthenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authed
}

func (a *fakeAuth) UserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.uid
}

func (a *fakeAuth) IsAuthError(err error) bool { return transport.IsAuthError(err) }

func (a *fakeAuth) HandleAuthFailure(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = append(a.failures, err)
}

func (a *fakeAuth) failureCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.failures)
}

type fakeNetwork struct{ down atomic.Bool }

func (n *fakeNetwork) Online() bool { return !n.down.Load() }

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func recordEvents(bus *events.Bus) *recorder {
	r := &recorder{}
	bus.Subscribe(func(e events.Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	clk   *clock.Fake
	fake  *transporttest.Fake
	auth  *fakeAuth
	net   *fakeNetwork
	bus   *events.Bus
	rec   *recorder
	sched *Scheduler
}

func newHarness(t *testing.T, part Partition, policy RetryPolicy) *harness {
	t.Helper()
	h := &harness{
		clk:  clock.NewFake(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)),
		fake: transporttest.New(),
		auth: newFakeAuth("u1"),
		net:  &fakeNetwork{},
		bus:  events.New(nil),
	}
	h.rec = recordEvents(h.bus)
	q, _ := newMemQueue(t, part.Name)
	h.sched = NewScheduler(SchedulerConfig{
		Partition: part,
		Queue:     q,
		Transport: h.fake,
		Auth:      h.auth,
		Network:   h.net,
		Clock:     h.clk,
		Events:    h.bus,
		Retry:     policy,
	})
	t.Cleanup(h.sched.Close)
	return h
}

func perItemPartition() Partition {
	return Partition{
		Name:            "test_queue",
		Table:           "kv",
		OwnerColumn:     "user_id",
		ConflictColumns: []string{"user_id", transport.ColumnKey},
		Mode:            ModePerItem,
		IdentityScoped:  true,
		OnlineDelay:     100 * time.Millisecond,
		Concurrency:     2,
	}
}

func TestScheduler_DebouncesAndBulkUploads(t *testing.T) {
	h := newHarness(t, IdentityPartition(), DefaultRetryPolicy())

	h.sched.Enqueue(item("", "dayv2_a", `{"waterMl":1}`))
	h.clk.Advance(200 * time.Millisecond)
	h.sched.Enqueue(item("", "dayv2_b", `{"waterMl":2}`))

	h.clk.Advance(99 * time.Millisecond)
	if n := len(h.fake.Calls()); n != 0 {
		t.Fatalf("transport called %d times before debounce elapsed", n)
	}

	h.clk.Advance(time.Millisecond)
	calls := h.fake.Calls()
	if len(calls) != 1 {
		t.Fatalf("transport called %d times, want 1", len(calls))
	}
	if calls[0].Method != "bulk" || len(calls[0].Rows) != 2 {
		t.Fatalf("call = %s with %d rows, want one bulk call with 2 rows", calls[0].Method, len(calls[0].Rows))
	}
	if calls[0].Table != transport.TableUserKV {
		t.Errorf("table = %q, want %q", calls[0].Table, transport.TableUserKV)
	}
	if _, ok := h.fake.Row(transport.TableUserKV, "u1:dayv2_a"); !ok {
		t.Error("row u1:dayv2_a not uploaded with the signed-in owner")
	}
	if h.sched.Pending() != 0 {
		t.Errorf("Pending = %d after upload, want 0", h.sched.Pending())
	}
	uploaded := h.rec.ofType(events.DataUploaded)
	if len(uploaded) != 1 || uploaded[0].Count != 2 {
		t.Errorf("data-uploaded events = %+v, want one with count 2", uploaded)
	}
}

func TestScheduler_SameKeyUploadsLatest(t *testing.T) {
	h := newHarness(t, IdentityPartition(), DefaultRetryPolicy())

	h.sched.Enqueue(item("", "dayv2_a", `1`))
	h.sched.Enqueue(item("", "dayv2_a", `2`))
	h.clk.Advance(300 * time.Millisecond)

	calls := h.fake.Calls()
	if len(calls) != 1 || len(calls[0].Rows) != 1 {
		t.Fatalf("calls = %+v, want one call with one row", calls)
	}
	if got := string(calls[0].Rows[0][transport.ColumnValue].(json.RawMessage)); got != `2` {
		t.Errorf("uploaded value = %s, want 2", got)
	}
}

func TestScheduler_OfflineBacksOff(t *testing.T) {
	h := newHarness(t, IdentityPartition(), DefaultRetryPolicy())
	h.net.down.Store(true)

	h.sched.Enqueue(item("", "dayv2_a", `1`))

	// Offline drains wait for the backoff delay, not the debounce.
	h.clk.Advance(300 * time.Millisecond)
	if errs := h.rec.ofType(events.SyncError); len(errs) != 0 {
		t.Fatalf("drained after the online debounce while offline")
	}
	h.clk.Advance(700 * time.Millisecond)
	h.clk.Advance(time.Second)
	h.clk.Advance(2 * time.Second)

	errs := h.rec.ofType(events.SyncError)
	if len(errs) != 3 {
		t.Fatalf("got %d sync-error events, want 3", len(errs))
	}
	for i, want := range []int{1, 2, 4} {
		if errs[i].RetryIn != want {
			t.Errorf("sync-error #%d retryIn = %d, want %d", i+1, errs[i].RetryIn, want)
		}
		if !errors.Is(errs[i].Err, ErrOffline) {
			t.Errorf("sync-error #%d err = %v, want ErrOffline", i+1, errs[i].Err)
		}
	}
	if len(h.fake.Calls()) != 0 {
		t.Fatal("transport called while offline")
	}
	if !h.sched.Armed() {
		t.Fatal("scheduler not re-armed while offline")
	}

	h.net.down.Store(false)
	h.clk.Advance(4 * time.Second)
	if len(h.fake.Calls()) != 1 {
		t.Fatalf("transport called %d times after reconnect, want 1", len(h.fake.Calls()))
	}
	if h.sched.Retry().Attempt() != 0 {
		t.Errorf("retry attempt = %d after success, want 0", h.sched.Retry().Attempt())
	}
}

func TestScheduler_TransientFailureRetriesThenStops(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 3}
	h := newHarness(t, IdentityPartition(), policy)
	h.fake.FailWith(func(transporttest.Call) error { return errors.New("connection reset") })

	h.sched.Enqueue(item("", "dayv2_a", `1`))
	h.clk.Advance(300 * time.Millisecond)
	h.clk.Advance(time.Second)
	h.clk.Advance(2 * time.Second)

	if n := len(h.fake.Calls()); n != 3 {
		t.Fatalf("transport called %d times, want 3", n)
	}
	errs := h.rec.ofType(events.SyncError)
	for i, want := range []int{1, 2, 4} {
		if errs[i].RetryIn != want {
			t.Errorf("sync-error #%d retryIn = %d, want %d", i+1, errs[i].RetryIn, want)
		}
	}
	if h.sched.Armed() {
		t.Error("scheduler still armed after retries were exhausted")
	}
	if h.sched.Queue().Len() != 1 {
		t.Fatalf("queue len = %d, want the item kept", h.sched.Queue().Len())
	}

	// A new change schedules a drain again.
	h.fake.FailWith(nil)
	h.sched.Enqueue(item("", "dayv2_b", `1`))
	h.clk.Advance(300 * time.Millisecond)
	if h.sched.Pending() != 0 {
		t.Errorf("Pending = %d after recovery, want 0", h.sched.Pending())
	}
}

func TestScheduler_AuthFailureHalts(t *testing.T) {
	h := newHarness(t, IdentityPartition(), DefaultRetryPolicy())
	h.fake.FailWith(func(transporttest.Call) error {
		return &transport.HTTPError{StatusCode: 401, Message: "JWT expired"}
	})

	h.sched.Enqueue(item("", "dayv2_a", `1`))
	h.clk.Advance(300 * time.Millisecond)

	if !h.sched.Halted() {
		t.Fatal("scheduler not halted after 401")
	}
	if h.auth.failureCount() != 1 {
		t.Errorf("HandleAuthFailure called %d times, want 1", h.auth.failureCount())
	}
	if h.sched.Queue().Len() != 1 {
		t.Errorf("queue len = %d, want the item requeued", h.sched.Queue().Len())
	}
	if halted := h.rec.ofType(events.SyncHalted); len(halted) != 1 {
		t.Errorf("got %d sync-halted events, want 1", len(halted))
	}
	if len(h.rec.ofType(events.SyncError)) != 0 {
		t.Error("auth failure reported as a sync error")
	}

	h.sched.Enqueue(item("", "dayv2_b", `1`))
	h.clk.Advance(time.Minute)
	if n := len(h.fake.Calls()); n != 1 {
		t.Fatalf("transport called %d times while halted, want 1", n)
	}

	h.fake.FailWith(nil)
	h.sched.Resume()
	h.clk.Advance(300 * time.Millisecond)
	if h.sched.Halted() || h.sched.Pending() != 0 {
		t.Errorf("after Resume: halted %v pending %d", h.sched.Halted(), h.sched.Pending())
	}
	if h.fake.RowCount(transport.TableUserKV) != 2 {
		t.Errorf("uploaded %d rows, want 2", h.fake.RowCount(transport.TableUserKV))
	}
}

func TestScheduler_NotAuthenticatedHalts(t *testing.T) {
	h := newHarness(t, IdentityPartition(), DefaultRetryPolicy())
	h.auth.authed = false

	h.sched.Enqueue(item("", "dayv2_a", `1`))
	h.clk.Advance(300 * time.Millisecond)

	if !h.sched.Halted() {
		t.Fatal("scheduler not halted without a session")
	}
	if len(h.fake.Calls()) != 0 {
		t.Error("transport called without a session")
	}
}

func TestScheduler_SignInCollapsesEarlierWrite(t *testing.T) {
	h := newHarness(t, IdentityPartition(), DefaultRetryPolicy())
	h.auth.uid = ""

	h.sched.Enqueue(item("", "dayv2_k1", `{"v":"a"}`))
	h.clk.Advance(300 * time.Millisecond)
	if !h.sched.Halted() {
		t.Fatal("scheduler not halted without a user id")
	}

	h.auth.mu.Lock()
	h.auth.uid = "u1"
	h.auth.mu.Unlock()
	h.sched.Enqueue(item("", "dayv2_k1", `{"v":"b"}`))
	if n := h.sched.Queue().Len(); n != 1 {
		t.Fatalf("queue len = %d after sign-in, want 1", n)
	}
	h.sched.Resume()
	h.clk.Advance(300 * time.Millisecond)

	calls := h.fake.Calls()
	if len(calls) != 1 || len(calls[0].Rows) != 1 {
		t.Fatalf("calls = %+v, want one call with one row", calls)
	}
	if got := string(calls[0].Rows[0][transport.ColumnValue].(json.RawMessage)); got != `{"v":"b"}` {
		t.Errorf("uploaded value = %s, want the newer write", got)
	}
}

func TestScheduler_StampsOwnerBeforeDedupe(t *testing.T) {
	// A queue persisted by an older run can hold one key both unscoped and
	// scoped.
	st := store.NewMemory(store.DefaultCodec())
	persisted := `[{"owner":"","k":"dayv2_k1","v":{"v":"a"},"updated_at":1},` +
		`{"owner":"u1","k":"dayv2_k1","v":{"v":"b"},"updated_at":2}]`
	if err := st.SaveRaw(context.Background(), IdentityQueueKey, []byte(persisted)); err != nil {
		t.Fatalf("SaveRaw failed: %v", err)
	}
	q, err := NewQueue(context.Background(), IdentityQueueKey, st, nil)
	if err != nil {
		t.Fatalf("NewQueue failed: %v", err)
	}

	clk := clock.NewFake(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))
	fake := transporttest.New()
	sched := NewScheduler(SchedulerConfig{
		Partition: IdentityPartition(),
		Queue:     q,
		Transport: fake,
		Auth:      newFakeAuth("u1"),
		Clock:     clk,
	})
	defer sched.Close()

	sched.ScheduleDrain()
	clk.Advance(300 * time.Millisecond)

	calls := fake.Calls()
	if len(calls) != 1 || len(calls[0].Rows) != 1 {
		t.Fatalf("calls = %+v, want one call with one row", calls)
	}
	if got := string(calls[0].Rows[0][transport.ColumnValue].(json.RawMessage)); got != `{"v":"b"}` {
		t.Errorf("uploaded value = %s, want the last write", got)
	}
}

func TestScheduler_PermanentErrorDropsItem(t *testing.T) {
	h := newHarness(t, perItemPartition(), DefaultRetryPolicy())
	h.fake.FailWith(func(c transporttest.Call) error {
		if c.Rows[0][transport.ColumnKey] == "bad" {
			return &transport.HTTPError{StatusCode: 422, Message: "invalid payload"}
		}
		return nil
	})

	h.sched.Enqueue(item("", "good", `1`))
	h.sched.Enqueue(item("", "bad", `1`))
	h.clk.Advance(100 * time.Millisecond)

	if h.sched.Pending() != 0 {
		t.Errorf("Pending = %d, want 0 (bad item dropped)", h.sched.Pending())
	}
	dropped := h.rec.ofType(events.ItemDropped)
	if len(dropped) != 1 || dropped[0].Key != "bad" {
		t.Errorf("item-dropped events = %+v, want one for bad", dropped)
	}
	if _, ok := h.fake.Row("kv", "u1:good"); !ok {
		t.Error("good item not uploaded")
	}
	if h.sched.Armed() {
		t.Error("scheduler re-armed after a permanent failure")
	}
}

func TestScheduler_GroupedFailsPerOwner(t *testing.T) {
	h := newHarness(t, OwnerPartition(), DefaultRetryPolicy())
	h.fake.FailWith(func(c transporttest.Call) error {
		if c.Owner == "c2" {
			return errors.New("timeout")
		}
		return nil
	})

	h.sched.Enqueue(item("c1", "products", `1`))
	h.sched.Enqueue(item("c2", "products", `1`))
	h.sched.Enqueue(item("c1", "profile", `1`))
	h.clk.Advance(500 * time.Millisecond)

	calls := h.fake.Calls()
	if len(calls) != 2 {
		t.Fatalf("transport called %d times, want one batch per owner", len(calls))
	}
	for _, c := range calls {
		if c.Method != "batch" {
			t.Errorf("method = %s, want batch", c.Method)
		}
	}
	if _, ok := h.fake.Row(transport.TableClientKV, "c1:profile"); !ok {
		t.Error("c1 rows not saved")
	}
	got := h.sched.Queue().Snapshot()
	if want := []string{"c2:products"}; !equalStrings(keys(got), want) {
		t.Errorf("queue = %v, want %v", keys(got), want)
	}
}

func TestScheduler_RequeueKeepsNewerWrite(t *testing.T) {
	h := newHarness(t, IdentityPartition(), DefaultRetryPolicy())
	h.fake.FailWith(func(transporttest.Call) error { return errors.New("502 bad gateway") })
	entered := h.fake.Block()

	h.sched.Enqueue(item("", "dayv2_a", `1`))
	done := make(chan struct{})
	go func() {
		h.sched.DrainNow(context.Background())
		close(done)
	}()
	<-entered

	if h.sched.InFlight() != 1 || !h.sched.IsPending("dayv2_a") {
		t.Fatalf("in flight = %d, pending(a) = %v", h.sched.InFlight(), h.sched.IsPending("dayv2_a"))
	}
	h.sched.Enqueue(item("", "dayv2_a", `2`))
	h.fake.Release()
	<-done

	got := h.sched.Queue().Snapshot()
	if len(got) != 1 || string(got[0].Value) != `2` {
		t.Fatalf("queue = %+v, want only the newer write", got)
	}
	if h.sched.InFlight() != 0 {
		t.Errorf("InFlight = %d after drain, want 0", h.sched.InFlight())
	}
}

func TestScheduler_CloseStopsTimer(t *testing.T) {
	h := newHarness(t, IdentityPartition(), DefaultRetryPolicy())
	h.sched.Enqueue(item("", "dayv2_a", `1`))
	h.sched.Close()
	h.clk.Advance(time.Second)

	if len(h.fake.Calls()) != 0 {
		t.Error("drained after Close")
	}
	if h.sched.Queue().Len() != 1 {
		t.Error("Close dropped queued items")
	}
}

func TestMode_String(t *testing.T) {
	for m, want := range map[Mode]string{ModePerItem: "per-item", ModeBulk: "bulk", ModeGrouped: "grouped", Mode(9): "unknown"} {
		if got := m.String(); got != want {
			t.Errorf("Mode(%d).String() = %q, want %q", m, got, want)
		}
	}
}
