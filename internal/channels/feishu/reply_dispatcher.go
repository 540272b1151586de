package feishu

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/larkclaw/internal/bus"
	"github.com/nextlevelbuilder/larkclaw/internal/channels"
	"github.com/nextlevelbuilder/larkclaw/internal/metrics"
)

const (
	defaultTextChunkLimit = 4000
	// Card markdown beyond this is split across several cards.
	defaultMaxCardChars = 28000
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/larkclaw/internal/channels/feishu")

// DispatchConfig is the delivery configuration snapshot used for one reply.
type DispatchConfig struct {
	RenderMode         RenderMode
	TextChunkLimit     int
	ChunkMode          channels.ChunkMode
	Streaming          bool
	StreamInGroups     bool
	StreamThrottle     time.Duration
	StreamMaxChars     int
	MaxCardChars       int
	MediaMaxBytes      int64
	MediaRetryAttempts int
	TypingIndicator    bool
}

func (c DispatchConfig) withDefaults() DispatchConfig {
	if c.RenderMode == "" {
		c.RenderMode = RenderAuto
	}
	if c.TextChunkLimit <= 0 {
		c.TextChunkLimit = defaultTextChunkLimit
	}
	if c.ChunkMode == "" {
		c.ChunkMode = channels.ChunkModeLength
	}
	if c.StreamThrottle <= 0 {
		c.StreamThrottle = defaultStreamThrottle
	}
	if c.StreamMaxChars <= 0 {
		c.StreamMaxChars = defaultStreamMaxChars
	}
	if c.MaxCardChars <= 0 {
		c.MaxCardChars = defaultMaxCardChars
	}
	if c.MediaMaxBytes <= 0 {
		c.MediaMaxBytes = defaultMediaMaxBytes
	}
	if c.MediaRetryAttempts <= 0 {
		c.MediaRetryAttempts = defaultMediaAttempts
	}
	return c
}

// streams reports whether partial output is streamed into a draft card for peerKind.
func (c DispatchConfig) streams(peerKind string) bool {
	if !c.Streaming || c.RenderMode == RenderRaw {
		return false
	}
	return peerKind != "group" || c.StreamInGroups
}

// DispatcherOption customizes a ReplyDispatcher.
type DispatcherOption func(*ReplyDispatcher)

// WithScheduler drives stream throttling from s instead of the system clock.
func WithScheduler(s channels.Scheduler) DispatcherOption {
	return func(d *ReplyDispatcher) { d.sched = s }
}

// WithMetrics reports delivery activity to m.
func WithMetrics(m *metrics.Delivery) DispatcherOption {
	return func(d *ReplyDispatcher) { d.metrics = m }
}

// withMediaBackOff replaces the media upload backoff policy.
func withMediaBackOff(f func() backoff.BackOff) DispatcherOption {
	return func(d *ReplyDispatcher) { d.media.newBackOff = f }
}

// ReplyDispatcher delivers the output of one agent run to one chat.
// Partial payloads stream into a single card; the final payload either
// completes that card or goes out through ordinary chunked delivery.
type ReplyDispatcher struct {
	cfg     DispatchConfig
	sender  Sender
	target  channels.ReplyTarget
	hooks   channels.Hooks
	metrics *metrics.Delivery
	sched   channels.Scheduler
	typing  *TypingIndicator
	media   *mediaUploader

	span      trace.Span
	startedAt time.Time
	stream    *DraftStream

	mu      sync.Mutex
	outcome channels.DeliveryOutcome
	replied bool
	started bool
	closed  bool
}

var _ channels.ReplySession = (*ReplyDispatcher)(nil)

// NewReplyDispatcher creates a dispatcher. cfg is copied; later config
// reloads do not affect a dispatch in progress.
func NewReplyDispatcher(ctx context.Context, sender Sender, target channels.ReplyTarget, cfg DispatchConfig, hooks channels.Hooks, opts ...DispatcherOption) *ReplyDispatcher {
	cfg = cfg.withDefaults()
	d := &ReplyDispatcher{
		cfg:    cfg,
		sender: sender,
		target: target,
		hooks:  hooks,
		sched:  channels.SystemScheduler(),
		media:  newMediaUploader(sender, cfg.MediaMaxBytes, cfg.MediaRetryAttempts),
	}
	for _, opt := range opts {
		opt(d)
	}
	if cfg.TypingIndicator {
		d.typing = NewTypingIndicator(sender, target.ReplyToMessageID, d.metrics)
	}
	d.startedAt = d.sched.Now()
	_, d.span = tracer.Start(ctx, "feishu.reply", trace.WithAttributes(
		attribute.String("feishu.chat_id", target.ChatID),
		attribute.String("feishu.peer_kind", target.PeerKind),
		attribute.String("feishu.render_mode", string(cfg.RenderMode)),
	))
	return d
}

// Start marks the reply as in progress and shows the typing indicator.
func (d *ReplyDispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started || d.closed {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.typing.Start(ctx)
	d.hooks.Start()
}

// Deliver handles one payload. It is a no-op once ctx is done or the
// dispatcher is closed.
func (d *ReplyDispatcher) Deliver(ctx context.Context, payload channels.ReplyPayload) {
	if ctx.Err() != nil || d.isClosed() {
		return
	}
	switch payload.Kind {
	case channels.ReplyPartial:
		d.deliverPartial(ctx, payload.Text)
	default:
		d.deliverFinal(ctx, payload)
	}
}

func (d *ReplyDispatcher) deliverPartial(ctx context.Context, text string) {
	if text == "" || !d.cfg.streams(d.target.PeerKind) {
		return
	}
	if d.stream == nil {
		d.stream = NewDraftStream(ctx, dispatchSink{d}, DraftStreamOptions{
			Throttle:  d.cfg.StreamThrottle,
			MaxChars:  d.cfg.StreamMaxChars,
			Scheduler: d.sched,
			OnError: func(err error) {
				d.metrics.StreamAborted("error")
				d.reportError(err, channels.DeliveryInfo{Kind: channels.ReplyPartial, Stage: "stream", Chunk: -1})
			},
			OnSend: d.metrics.StreamUpdated,
		})
	}
	d.stream.Update(text)
}

func (d *ReplyDispatcher) deliverFinal(ctx context.Context, payload channels.ReplyPayload) {
	if payload.Text != "" && !d.finishStream(ctx, payload.Text) {
		d.deliverText(ctx, payload.Text)
	}
	if d.stream != nil {
		d.stream.Stop()
	}
	d.deliverMedia(ctx, payload.Media)
}

// finishStream pushes the final text into the streamed card. It reports
// false when the card cannot carry the final text and ordinary delivery
// must run instead.
func (d *ReplyDispatcher) finishStream(ctx context.Context, text string) bool {
	s := d.stream
	if s == nil || s.Stopped() {
		return false
	}
	if err := s.Wait(ctx); err != nil {
		s.Stop()
		return false
	}
	if s.MessageID() == "" {
		s.Stop()
		return false
	}

	s.Update(text)
	if s.Overflowed() {
		d.metrics.StreamAborted("overflow")
		return false
	}
	if err := s.Drain(ctx); err != nil {
		return false
	}

	d.mu.Lock()
	d.outcome.Streamed = true
	d.mu.Unlock()
	d.span.AddEvent("stream.completed", trace.WithAttributes(attribute.String("feishu.message_id", s.MessageID())))
	return true
}

func (d *ReplyDispatcher) deliverText(ctx context.Context, text string) {
	format := SelectFormat(d.cfg.RenderMode, text)
	limit, mode := d.cfg.TextChunkLimit, d.cfg.ChunkMode
	if format == FormatCard {
		limit, mode = d.cfg.MaxCardChars, channels.ChunkModeLength
	}
	chunks := channels.ChunkText(text, limit, mode)
	d.span.AddEvent("deliver", trace.WithAttributes(
		attribute.String("feishu.format", string(format)),
		attribute.Int("feishu.chunks", len(chunks)),
	))

	for i, chunk := range chunks {
		if ctx.Err() != nil {
			return
		}
		target := d.nextTarget()
		var err error
		if format == FormatCard {
			_, err = d.sender.SendCard(ctx, target, BuildCard(chunk))
		} else {
			_, err = d.sender.SendText(ctx, target, chunk)
		}
		if err != nil {
			d.metrics.Failed("chunk")
			d.reportError(fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err),
				channels.DeliveryInfo{Kind: channels.ReplyFinal, Stage: "chunk", Chunk: i})
			return
		}
		d.metrics.Sent(string(format))
		d.mu.Lock()
		d.replied = true
		d.outcome.FinalSends++
		d.mu.Unlock()
	}
}

func (d *ReplyDispatcher) deliverMedia(ctx context.Context, media []bus.MediaAttachment) {
	for i, att := range media {
		if ctx.Err() != nil {
			return
		}
		kind, key, err := d.media.upload(ctx, att)
		if err == nil {
			_, err = d.sender.SendMedia(ctx, d.nextTarget(), kind, key)
		}
		if err == nil {
			d.mu.Lock()
			d.replied = true
			d.outcome.MediaSent++
			d.mu.Unlock()
			continue
		}

		slog.Warn("feishu media delivery failed, sending link instead",
			"chat_id", d.target.ChatID, "source", att.URL, "error", err)
		d.metrics.MediaFallback()
		if _, ferr := d.sender.SendText(ctx, d.nextTarget(), mediaFallbackText(att)); ferr != nil {
			d.metrics.Failed("media")
			d.reportError(fmt.Errorf("media fallback: %w", ferr),
				channels.DeliveryInfo{Kind: channels.ReplyFinal, Stage: "media", Chunk: i})
			continue
		}
		d.mu.Lock()
		d.replied = true
		d.outcome.MediaFallbacks++
		d.mu.Unlock()
	}
}

// Close stops streaming and the typing indicator and reports the outcome.
// Calls after the first return the same outcome.
func (d *ReplyDispatcher) Close(ctx context.Context, runErr error) channels.DeliveryOutcome {
	d.mu.Lock()
	if d.closed {
		outcome := d.outcome
		d.mu.Unlock()
		return outcome
	}
	d.closed = true
	d.mu.Unlock()

	if d.stream != nil {
		d.stream.Stop()
	}
	d.typing.Stop(ctx)
	d.hooks.Stop()

	d.mu.Lock()
	if d.stream != nil {
		d.outcome.StreamUpdates = d.stream.Sends()
	}
	outcome := d.outcome
	d.mu.Unlock()

	result := "ok"
	switch {
	case runErr != nil:
		result = "error"
		d.span.RecordError(runErr)
		d.span.SetStatus(codes.Error, runErr.Error())
	case outcome.Errors > 0:
		result = "partial"
		d.span.SetStatus(codes.Error, "delivery errors")
	}
	d.span.SetAttributes(
		attribute.Int("feishu.final_sends", outcome.FinalSends),
		attribute.Int("feishu.stream_updates", outcome.StreamUpdates),
		attribute.Bool("feishu.streamed", outcome.Streamed),
		attribute.Int("feishu.media_sent", outcome.MediaSent),
		attribute.Int("feishu.errors", outcome.Errors),
	)
	d.span.End()
	d.metrics.ReplyFinished(result, d.sched.Now().Sub(d.startedAt))

	d.hooks.Idle(outcome)
	return outcome
}

func (d *ReplyDispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// nextTarget addresses the next message. Only the first message of a reply
// is threaded under the inbound message.
func (d *ReplyDispatcher) nextTarget() Target {
	d.mu.Lock()
	defer d.mu.Unlock()
	replyTo := ""
	if !d.replied {
		replyTo = d.target.ReplyToMessageID
	}
	return ChatTarget(baseChatID(d.target.ChatID), replyTo)
}

func (d *ReplyDispatcher) reportError(err error, info channels.DeliveryInfo) {
	d.mu.Lock()
	d.outcome.Errors++
	d.mu.Unlock()
	d.hooks.Error(err, info)
}

// dispatchSink streams into one updatable card addressed like any other
// message of the reply.
type dispatchSink struct {
	d *ReplyDispatcher
}

func (s dispatchSink) Create(ctx context.Context, text string) (string, error) {
	res, err := s.d.sender.SendCard(ctx, s.d.nextTarget(), BuildCard(text))
	if err != nil {
		return "", err
	}
	s.d.mu.Lock()
	s.d.replied = true
	s.d.mu.Unlock()
	return res.MessageID, nil
}

func (s dispatchSink) Patch(ctx context.Context, messageID, text string) error {
	return s.d.sender.PatchCard(ctx, messageID, BuildCard(text))
}
