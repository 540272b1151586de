// Package feishu implements the Feishu/Lark channel.
// Inbound events arrive through the Lark SDK (WebSocket or webhook); replies go
// out through the native REST client, streamed into a single card when enabled.
// Default domain: Lark Global (open.larksuite.com).
package feishu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nextlevelbuilder/larkclaw/internal/bus"
	"github.com/nextlevelbuilder/larkclaw/internal/channels"
	"github.com/nextlevelbuilder/larkclaw/internal/config"
	"github.com/nextlevelbuilder/larkclaw/internal/metrics"
)

const (
	defaultWebhookPort = 3000
	defaultWebhookPath = "/feishu/events"
	senderCacheTTL     = 10 * time.Minute
	senderCacheSize    = 1024
	dedupCapacity      = 4096
)

// Channel connects to Feishu/Lark.
type Channel struct {
	*channels.BaseChannel
	cfg     atomic.Pointer[config.FeishuConfig]
	client  *LarkClient
	sender  Sender
	metrics *metrics.Delivery
	sched   channels.Scheduler

	botOpenID    atomic.Value // string
	dedup        *bus.DedupeCache
	senderNames  *expirable.LRU[string, string]
	groupHistory *channels.PendingHistory
	limiter      *channels.WebhookRateLimiter

	mu         sync.Mutex
	cancel     context.CancelFunc
	httpServer *http.Server
}

// Option customizes a Channel.
type Option func(*Channel)

// WithSender replaces the REST sender used for replies.
func WithSender(s Sender) Option {
	return func(c *Channel) { c.sender = s }
}

// WithDeliveryMetrics reports inbound drops and reply delivery to m.
func WithDeliveryMetrics(m *metrics.Delivery) Option {
	return func(c *Channel) { c.metrics = m }
}

// WithReplyScheduler drives reply stream throttling from s instead of the
// system clock.
func WithReplyScheduler(s channels.Scheduler) Option {
	return func(c *Channel) { c.sched = s }
}

// WithBotOpenID skips the bot identity probe.
func WithBotOpenID(id string) Option {
	return func(c *Channel) { c.botOpenID.Store(id) }
}

// New creates a new Feishu/Lark channel.
func New(cfg config.FeishuConfig, msgBus *bus.MessageBus, opts ...Option) (*Channel, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("feishu app_id and app_secret are required")
	}

	client := NewLarkClient(cfg.AppID, cfg.AppSecret, resolveDomain(cfg.Domain))

	c := &Channel{
		BaseChannel:  channels.NewBaseChannel("feishu", msgBus, cfg.AllowFrom),
		client:       client,
		dedup:        bus.NewDedupeCache(cfg.DedupTTL(), dedupCapacity),
		senderNames:  expirable.NewLRU[string, string](senderCacheSize, nil, senderCacheTTL),
		groupHistory: channels.NewPendingHistory(),
		limiter:      channels.NewWebhookRateLimiter(),
	}
	c.botOpenID.Store("")
	c.cfg.Store(&cfg)
	for _, opt := range opts {
		opt(c)
	}
	if c.sender == nil {
		c.sender = NewSender(client)
	}
	return c, nil
}

func (c *Channel) config() config.FeishuConfig {
	return *c.cfg.Load()
}

func (c *Channel) botID() string {
	id, _ := c.botOpenID.Load().(string)
	return id
}

// UpdateConfig swaps the delivery and policy settings. Replies already in
// progress keep the snapshot they started with. Credential and connection
// changes need a restart.
func (c *Channel) UpdateConfig(cfg config.FeishuConfig) {
	old := c.config()
	if old.AppID != cfg.AppID || old.AppSecret != cfg.AppSecret ||
		old.ConnectionMode != cfg.ConnectionMode || old.Domain != cfg.Domain ||
		old.WebhookPort != cfg.WebhookPort || old.WebhookPath != cfg.WebhookPath {
		slog.Warn("feishu: connection settings changed, restart to apply")
	}
	c.SetAllowList(cfg.AllowFrom)
	c.cfg.Store(&cfg)
	slog.Info("feishu: config updated", "render_mode", cfg.RenderMode, "streaming", cfg.StreamingEnabled())
}

// Start begins receiving Feishu events via WebSocket or Webhook.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting feishu/lark bot")

	if c.botID() == "" {
		if err := c.probeBotInfo(ctx); err != nil {
			slog.Warn("feishu bot probe failed (will continue)", "error", err)
		} else {
			slog.Info("feishu bot connected", "bot_open_id", c.botID())
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	cfg := c.config()
	var err error
	switch cfg.ConnectionMode {
	case "webhook":
		err = c.startWebhook(runCtx, cfg)
	default: // "websocket"
		err = c.startWebSocket(runCtx, cfg)
	}
	if err != nil {
		cancel()
		return err
	}
	c.SetRunning(true)
	return nil
}

// Stop shuts down the Feishu channel.
func (c *Channel) Stop(ctx context.Context) error {
	slog.Info("stopping feishu/lark bot")

	c.mu.Lock()
	cancel, srv := c.cancel, c.httpServer
	c.cancel, c.httpServer = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
		}
	}

	c.SetRunning(false)
	return nil
}

// DispatchConfig returns the delivery settings a new reply would use.
func (c *Channel) DispatchConfig() DispatchConfig {
	cfg := c.config()
	return DispatchConfig{
		RenderMode:         ParseRenderMode(cfg.RenderMode),
		TextChunkLimit:     cfg.TextChunkLimit,
		ChunkMode:          channels.ParseChunkMode(cfg.ChunkMode),
		Streaming:          cfg.StreamingEnabled(),
		StreamInGroups:     cfg.StreamInGroupsEnabled(),
		StreamThrottle:     cfg.StreamThrottle(),
		StreamMaxChars:     cfg.StreamMaxChars,
		MediaMaxBytes:      cfg.MediaMaxBytes(),
		MediaRetryAttempts: cfg.MediaRetryAttempts,
		TypingIndicator:    cfg.TypingEnabled(),
	}
}

// StreamEnabled reports whether partial output is worth forwarding.
func (c *Channel) StreamEnabled() bool {
	dc := c.DispatchConfig()
	return dc.Streaming && dc.RenderMode != RenderRaw
}

// BeginReply opens a reply session for one agent run.
func (c *Channel) BeginReply(ctx context.Context, target channels.ReplyTarget, hooks channels.Hooks) channels.ReplySession {
	opts := []DispatcherOption{WithMetrics(c.metrics)}
	if c.sched != nil {
		opts = append(opts, WithScheduler(c.sched))
	}
	return NewReplyDispatcher(ctx, c.sender, target, c.DispatchConfig(), hooks, opts...)
}

// Send delivers a one-shot outbound message through the same engine as
// agent replies, without streaming or typing.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("feishu bot not running")
	}
	return c.deliver(ctx, msg)
}

func (c *Channel) deliver(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.ChatID == "" {
		return fmt.Errorf("empty chat ID for feishu send")
	}
	if msg.Content == "" && len(msg.Media) == 0 {
		return nil
	}

	target := channels.ReplyTarget{
		ChatID:           msg.ChatID,
		ReplyToMessageID: msg.Metadata["reply_to_message_id"],
		PeerKind:         msg.Metadata["peer_kind"],
	}
	cfg := c.DispatchConfig()
	cfg.Streaming = false
	cfg.TypingIndicator = false

	var errs []error
	hooks := channels.Hooks{OnError: func(err error, info channels.DeliveryInfo) {
		errs = append(errs, fmt.Errorf("feishu %s: %w", info.Stage, err))
	}}
	d := NewReplyDispatcher(ctx, c.sender, target, cfg, hooks, WithMetrics(c.metrics))
	d.Deliver(ctx, channels.ReplyPayload{Text: msg.Content, Kind: channels.ReplyFinal, Media: msg.Media})
	d.Close(context.WithoutCancel(ctx), nil)
	return errors.Join(errs...)
}

// SendDirect delivers msg without requiring Start, for one-off CLI sends.
func (c *Channel) SendDirect(ctx context.Context, msg bus.OutboundMessage) error {
	return c.deliver(ctx, msg)
}

// Probe checks credentials by fetching the bot identity.
func (c *Channel) Probe(ctx context.Context) (string, error) {
	if err := c.probeBotInfo(ctx); err != nil {
		return "", err
	}
	return c.botID(), nil
}

// --- Bot probe ---

func (c *Channel) probeBotInfo(ctx context.Context) error {
	openID, err := c.client.GetBotInfo(ctx)
	if err != nil {
		return fmt.Errorf("fetch bot info: %w", err)
	}
	if openID == "" {
		return fmt.Errorf("bot open_id is empty")
	}
	c.botOpenID.Store(openID)
	return nil
}

// --- Domain resolution ---

func resolveDomain(domain string) string {
	switch domain {
	case "feishu":
		return "https://open.feishu.cn"
	case "", "lark":
		return "https://open.larksuite.com"
	default:
		if !strings.HasPrefix(domain, "http") {
			return "https://" + domain
		}
		return strings.TrimRight(domain, "/")
	}
}

// Ensure Channel implements the channel interfaces at compile time.
var (
	_ channels.Channel      = (*Channel)(nil)
	_ channels.ReplyChannel = (*Channel)(nil)
)
