package feishu

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/nextlevelbuilder/larkclaw/internal/channels"
)

type sinkCall struct {
	op   string // "create" or "patch"
	id   string
	text string
}

// fakeSink records stream operations. When block is set each call waits for a
// value on it before returning.
type fakeSink struct {
	mu        sync.Mutex
	calls     []sinkCall
	createErr error
	patchErr  error
	block     chan struct{}
	entered   chan struct{}
	active    int
	maxActive int
	nextID    int
}

func (f *fakeSink) enter() {
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
}

func (f *fakeSink) leave() {
	f.mu.Lock()
	f.active--
	f.mu.Unlock()
}

func (f *fakeSink) Create(_ context.Context, text string) (string, error) {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sinkCall{op: "create", text: text})
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	return "om_" + strings.Repeat("x", f.nextID), nil
}

func (f *fakeSink) Patch(_ context.Context, id, text string) error {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sinkCall{op: "patch", id: id, text: text})
	return f.patchErr
}

func (f *fakeSink) snapshot() []sinkCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sinkCall(nil), f.calls...)
}

var streamEpoch = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

func newTestStream(sink draftSink, opts DraftStreamOptions) (*DraftStream, *channels.ManualScheduler) {
	sched := channels.NewManualScheduler(streamEpoch)
	opts.Scheduler = sched
	if opts.Throttle == 0 {
		opts.Throttle = 300 * time.Millisecond
	}
	return NewDraftStream(context.Background(), sink, opts), sched
}

func TestDraftStream_CoalescesToNewest(t *testing.T) {
	sink := &fakeSink{}
	s, sched := newTestStream(sink, DraftStreamOptions{})

	s.Update("u1")
	s.Update("u2")
	s.Update("u3")
	if n := len(sink.snapshot()); n != 0 {
		t.Fatalf("sent %d times before the interval elapsed, want 0", n)
	}

	sched.Advance(300 * time.Millisecond)

	calls := sink.snapshot()
	if len(calls) != 1 {
		t.Fatalf("sent %d times, want exactly 1: %+v", len(calls), calls)
	}
	if calls[0].text != "u3" {
		t.Errorf("sent %q, want the newest text u3", calls[0].text)
	}
	if sched.Pending() != 0 {
		t.Errorf("pending timers = %d after flush, want 0", sched.Pending())
	}
}

func TestDraftStream_IdenticalUpdatesSendOnce(t *testing.T) {
	sink := &fakeSink{}
	s, sched := newTestStream(sink, DraftStreamOptions{})

	s.Update("same")
	s.Update("same")
	sched.Advance(time.Second)
	s.Update("same")
	sched.Advance(time.Second)

	if n := len(sink.snapshot()); n != 1 {
		t.Errorf("sent %d times, want 1", n)
	}
}

func TestDraftStream_FirstCreatesThenPatches(t *testing.T) {
	sink := &fakeSink{}
	s, sched := newTestStream(sink, DraftStreamOptions{})

	for _, text := range []string{"a", "ab", "abc", "abcd"} {
		s.Update(text)
		sched.Advance(300 * time.Millisecond)
	}

	calls := sink.snapshot()
	if len(calls) != 4 {
		t.Fatalf("sent %d times, want 4: %+v", len(calls), calls)
	}
	if calls[0].op != "create" {
		t.Fatalf("first op = %s, want create", calls[0].op)
	}
	id := s.MessageID()
	if id == "" {
		t.Fatal("MessageID() empty after a successful create")
	}
	for i, c := range calls[1:] {
		if c.op != "patch" || c.id != id {
			t.Errorf("call %d = %+v, want patch of %s", i+1, c, id)
		}
	}
	if s.Sends() != 4 {
		t.Errorf("Sends() = %d, want 4", s.Sends())
	}
}

func TestDraftStream_ImmediateWhenIntervalElapsed(t *testing.T) {
	sink := &fakeSink{}
	s, sched := newTestStream(sink, DraftStreamOptions{})

	sched.Advance(time.Second)
	s.Update("now")

	if calls := sink.snapshot(); len(calls) != 1 || calls[0].text != "now" {
		t.Errorf("calls = %+v, want one immediate send", calls)
	}
	if sched.Pending() != 0 {
		t.Errorf("an immediate send should not leave a timer, pending = %d", sched.Pending())
	}
}

func TestDraftStream_ThrottleSpacing(t *testing.T) {
	sink := &fakeSink{}
	s, sched := newTestStream(sink, DraftStreamOptions{})

	sched.Advance(time.Second)
	s.Update("one") // immediate
	sched.Advance(100 * time.Millisecond)
	s.Update("two") // 100ms after the send: deferred
	if n := len(sink.snapshot()); n != 1 {
		t.Fatalf("sent %d, want 1 before the interval elapses", n)
	}
	sched.Advance(199 * time.Millisecond)
	if n := len(sink.snapshot()); n != 1 {
		t.Fatalf("sent %d at 299ms, want 1", n)
	}
	sched.Advance(time.Millisecond)
	if calls := sink.snapshot(); len(calls) != 2 || calls[1].text != "two" {
		t.Errorf("calls = %+v, want second send exactly at the interval", calls)
	}
}

func TestDraftStream_StopIsFinal(t *testing.T) {
	sink := &fakeSink{}
	s, sched := newTestStream(sink, DraftStreamOptions{})

	s.Update("pending")
	s.Stop()
	s.Stop()
	sched.Advance(time.Second)
	s.Update("after stop")
	sched.Advance(time.Second)
	if err := s.Flush(); err != nil {
		t.Errorf("Flush after Stop = %v", err)
	}

	if n := len(sink.snapshot()); n != 0 {
		t.Errorf("sent %d times after Stop, want 0", n)
	}
	if !s.Stopped() {
		t.Error("Stopped() = false after Stop")
	}
	if sched.Pending() != 0 {
		t.Errorf("pending timers after Stop = %d, want 0", sched.Pending())
	}
}

func TestDraftStream_OverflowStops(t *testing.T) {
	sink := &fakeSink{}
	s, sched := newTestStream(sink, DraftStreamOptions{MaxChars: 10})

	s.Update("short")
	s.Update(strings.Repeat("x", 11))
	sched.Advance(time.Second)
	s.Update("short again")
	sched.Advance(time.Second)

	if n := len(sink.snapshot()); n != 0 {
		t.Errorf("sent %d times after overflow, want 0", n)
	}
	if !s.Stopped() || !s.Overflowed() {
		t.Errorf("Stopped() = %v Overflowed() = %v, want true true", s.Stopped(), s.Overflowed())
	}
}

func TestDraftStream_OverflowCountsRunes(t *testing.T) {
	sink := &fakeSink{}
	s, sched := newTestStream(sink, DraftStreamOptions{MaxChars: 4})

	s.Update("你好世界") // 4 runes, 12 bytes
	sched.Advance(time.Second)
	if s.Stopped() {
		t.Fatal("4 runes should fit a 4 character limit")
	}
	if n := len(sink.snapshot()); n != 1 {
		t.Errorf("sent %d, want 1", n)
	}
}

func TestDraftStream_SendErrorStops(t *testing.T) {
	sink := &fakeSink{createErr: errors.New("boom")}
	var reported []error
	s, sched := newTestStream(sink, DraftStreamOptions{OnError: func(err error) { reported = append(reported, err) }})

	s.Update("first")
	sched.Advance(time.Second)
	s.Update("second")
	sched.Advance(time.Second)

	if n := len(sink.snapshot()); n != 1 {
		t.Errorf("sink called %d times, want 1 (no retry inside the stream)", n)
	}
	if !s.Stopped() {
		t.Error("stream should stop after a send error")
	}
	if len(reported) != 1 {
		t.Errorf("OnError called %d times, want 1", len(reported))
	}
	if s.MessageID() != "" {
		t.Errorf("MessageID() = %q after a failed create, want empty", s.MessageID())
	}
	if err := s.Drain(context.Background()); err == nil || err.Error() != "boom" {
		t.Errorf("Drain() = %v, want the stopping error", err)
	}
}

func TestDraftStream_PatchErrorKeepsMessageID(t *testing.T) {
	sink := &fakeSink{}
	s, sched := newTestStream(sink, DraftStreamOptions{})

	s.Update("one")
	sched.Advance(300 * time.Millisecond)
	id := s.MessageID()

	sink.mu.Lock()
	sink.patchErr = errors.New("rate limited")
	sink.mu.Unlock()

	s.Update("two")
	sched.Advance(300 * time.Millisecond)

	if !s.Stopped() {
		t.Error("stream should stop after a patch error")
	}
	if s.MessageID() != id || s.LastSent() != "one" {
		t.Errorf("MessageID() = %q LastSent() = %q, want %q and the last good text", s.MessageID(), s.LastSent(), id)
	}
}

func TestDraftStream_NeverConcurrent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sink := &fakeSink{block: make(chan struct{}), entered: make(chan struct{}, 4)}
	s, sched := newTestStream(sink, DraftStreamOptions{})
	sched.Advance(time.Second)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Update("first") // immediate send, blocks in the sink
	}()
	<-sink.entered

	s.Update("second")
	if err := s.Flush(); err != nil {
		t.Errorf("Flush during in-flight send = %v", err)
	}
	s.Update("third")

	sink.block <- struct{}{}
	<-done

	if calls := sink.snapshot(); len(calls) != 1 {
		t.Fatalf("sent %d while the first send was in flight, want 1", len(calls))
	}
	if sched.Pending() != 1 {
		t.Fatalf("a follow-up flush should be scheduled, pending = %d", sched.Pending())
	}

	go func() { sink.block <- struct{}{} }()
	sched.Advance(300 * time.Millisecond)
	<-sink.entered

	calls := sink.snapshot()
	if len(calls) != 2 || calls[1].op != "patch" || calls[1].text != "third" {
		t.Errorf("calls = %+v, want a patch with the newest text", calls)
	}
	if sink.maxActive != 1 {
		t.Errorf("max concurrent sends = %d, want 1", sink.maxActive)
	}
}

func TestDraftStream_DrainSendsPendingNow(t *testing.T) {
	sink := &fakeSink{}
	s, sched := newTestStream(sink, DraftStreamOptions{})

	s.Update("partial")
	if err := s.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if calls := sink.snapshot(); len(calls) != 1 || calls[0].text != "partial" {
		t.Errorf("calls = %+v, want the pending text sent by Drain", calls)
	}
	if sched.Pending() != 0 {
		t.Errorf("Drain should cancel the scheduled flush, pending = %d", sched.Pending())
	}

	if err := s.Drain(context.Background()); err != nil {
		t.Errorf("second Drain: %v", err)
	}
	if n := len(sink.snapshot()); n != 1 {
		t.Errorf("idle Drain sent again: %d calls", n)
	}
}

func TestDraftStream_DrainWaitsForInFlight(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sink := &fakeSink{block: make(chan struct{}), entered: make(chan struct{}, 4)}
	s, sched := newTestStream(sink, DraftStreamOptions{})
	sched.Advance(time.Second)

	go s.Update("first")
	<-sink.entered
	s.Update("final")

	drained := make(chan error, 1)
	go func() { drained <- s.Drain(context.Background()) }()

	sink.block <- struct{}{} // release "first"
	<-sink.entered           // Drain's flush of "final"
	sink.block <- struct{}{}

	if err := <-drained; err != nil {
		t.Fatalf("Drain: %v", err)
	}
	calls := sink.snapshot()
	if len(calls) != 2 || calls[1].text != "final" {
		t.Errorf("calls = %+v, want first then final", calls)
	}
}

func TestDraftStream_DrainHonoursContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sink := &fakeSink{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	s, sched := newTestStream(sink, DraftStreamOptions{})
	sched.Advance(time.Second)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Update("stuck")
	}()
	<-sink.entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Drain(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Drain() = %v, want context.Canceled", err)
	}

	sink.block <- struct{}{}
	<-done
}
