package feishu

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/larkclaw/internal/channels"
)

const (
	defaultStreamThrottle = 300 * time.Millisecond
	// Interactive cards are capped at 30k characters of content.
	defaultStreamMaxChars = 28000
)

var errNoMessageID = errors.New("draft stream: create returned no message id")

// draftSink performs the network side of a DraftStream.
type draftSink interface {
	Create(ctx context.Context, text string) (string, error)
	Patch(ctx context.Context, messageID, text string) error
}

// DraftStreamOptions configures a DraftStream. Zero values take defaults.
type DraftStreamOptions struct {
	Throttle  time.Duration
	MaxChars  int
	Scheduler channels.Scheduler
	OnError   func(error) // send failure; the stream is already stopped
	OnSend    func()      // each successful create or patch
}

// DraftStream turns a fast sequence of partial texts into at most one network
// operation per throttle interval against a single message. The first send
// creates the message; later sends patch it. Only the newest text is sent.
//
// Timer callbacks run on their own goroutines, so state is guarded by mu and
// network calls happen outside the lock.
type DraftStream struct {
	ctx      context.Context
	sink     draftSink
	sched    channels.Scheduler
	throttle time.Duration
	maxChars int
	onError  func(error)
	onSend   func()

	mu           sync.Mutex
	lastSentText string
	lastSentAt   time.Time
	pendingText  string
	inFlight     bool
	idle         chan struct{} // closed when the in-flight send returns
	stopped      bool
	overflowed   bool
	messageID    string
	timer        channels.Timer
	timerGen     uint64
	sends        int
	err          error
}

// NewDraftStream creates a stream. ctx bounds every send, including those
// fired from timers. The throttle window starts now.
func NewDraftStream(ctx context.Context, sink draftSink, opts DraftStreamOptions) *DraftStream {
	if opts.Throttle <= 0 {
		opts.Throttle = defaultStreamThrottle
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = defaultStreamMaxChars
	}
	if opts.Scheduler == nil {
		opts.Scheduler = channels.SystemScheduler()
	}
	return &DraftStream{
		ctx:        ctx,
		sink:       sink,
		sched:      opts.Scheduler,
		throttle:   opts.Throttle,
		maxChars:   opts.MaxChars,
		onError:    opts.OnError,
		onSend:     opts.OnSend,
		lastSentAt: opts.Scheduler.Now(),
	}
}

// Update records text as the latest desired content. It sends immediately
// when nothing is in flight and the throttle interval has passed since the
// last send; otherwise a flush is scheduled for when the interval elapses.
// Text longer than MaxChars stops the stream for good.
func (s *DraftStream) Update(text string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if n := utf8.RuneCountInString(text); n > s.maxChars {
		s.overflowed = true
		s.stopLocked()
		id := s.messageID
		s.mu.Unlock()
		slog.Warn("feishu draft stream exceeds max card size, streaming stopped",
			"chars", n, "max", s.maxChars, "message_id", id)
		return
	}

	s.pendingText = text
	if s.inFlight || s.timer != nil {
		s.mu.Unlock()
		return
	}
	if wait := s.throttle - s.sched.Now().Sub(s.lastSentAt); wait > 0 {
		s.scheduleLocked(wait)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	_ = s.flush()
}

// Flush sends the pending text now, bypassing the throttle. If a send is in
// flight the pending text goes out after it completes.
func (s *DraftStream) Flush() error {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return nil
	}
	s.cancelTimerLocked()
	s.mu.Unlock()
	return s.flush()
}

// Wait blocks until no send is in flight. It does not flush.
func (s *DraftStream) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		if !s.inFlight {
			s.mu.Unlock()
			return nil
		}
		idle := s.idle
		s.mu.Unlock()
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Drain waits for any in-flight send, then flushes until the newest text has
// been sent. It returns the send error that stopped the stream, if any.
func (s *DraftStream) Drain(ctx context.Context) error {
	for {
		if err := s.Wait(ctx); err != nil {
			return err
		}
		s.mu.Lock()
		if s.stopped {
			err := s.err
			s.mu.Unlock()
			return err
		}
		if s.inFlight {
			s.mu.Unlock()
			continue
		}
		s.cancelTimerLocked()
		done := s.pendingText == "" || s.pendingText == s.lastSentText
		s.mu.Unlock()

		if done {
			return nil
		}
		if err := s.flush(); err != nil {
			return err
		}
	}
}

// Stop ends the stream. Pending text and any scheduled flush are dropped.
// A send already in flight completes but nothing follows it. Idempotent.
func (s *DraftStream) Stop() {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()
}

// MessageID returns the id of the message created by the first successful send.
func (s *DraftStream) MessageID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageID
}

// Stopped reports whether the stream has been stopped for any reason.
func (s *DraftStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Overflowed reports whether the stream stopped because the text grew too large.
func (s *DraftStream) Overflowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overflowed
}

// Sends returns the number of successful network operations.
func (s *DraftStream) Sends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends
}

// LastSent returns the text of the last successful send.
func (s *DraftStream) LastSent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSentText
}

func (s *DraftStream) flush() error {
	s.mu.Lock()
	if s.stopped || s.inFlight {
		s.mu.Unlock()
		return nil
	}
	text := s.pendingText
	if text == "" || text == s.lastSentText {
		s.mu.Unlock()
		return nil
	}
	s.inFlight = true
	s.idle = make(chan struct{})
	id := s.messageID
	s.mu.Unlock()

	var err error
	if id == "" {
		id, err = s.sink.Create(s.ctx, text)
		if err == nil && id == "" {
			err = errNoMessageID
		}
	} else {
		err = s.sink.Patch(s.ctx, id, text)
	}

	s.mu.Lock()
	s.inFlight = false
	close(s.idle)
	if err != nil {
		s.err = err
		s.stopLocked()
		s.mu.Unlock()
		slog.Warn("feishu draft stream send failed, streaming stopped", "message_id", id, "error", err)
		if s.onError != nil {
			s.onError(err)
		}
		return err
	}
	if s.messageID == "" {
		s.messageID = id
	}
	s.lastSentText = text
	s.lastSentAt = s.sched.Now()
	s.sends++
	if !s.stopped && s.pendingText != "" && s.pendingText != s.lastSentText {
		s.scheduleLocked(s.throttle)
	}
	s.mu.Unlock()

	if s.onSend != nil {
		s.onSend()
	}
	return nil
}

func (s *DraftStream) scheduleLocked(d time.Duration) {
	if s.timer != nil {
		return
	}
	s.timerGen++
	gen := s.timerGen
	s.timer = s.sched.AfterFunc(d, func() { s.onTimer(gen) })
}

func (s *DraftStream) onTimer(gen uint64) {
	s.mu.Lock()
	if gen != s.timerGen || s.timer == nil {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()
	_ = s.flush()
}

func (s *DraftStream) cancelTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

func (s *DraftStream) stopLocked() {
	s.stopped = true
	s.pendingText = ""
	s.cancelTimerLocked()
}
