package feishu

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	larkevent "github.com/larksuite/oapi-sdk-go/v3/event"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"github.com/nextlevelbuilder/larkclaw/internal/config"
)

const maxWebhookBody = 1 << 20

// newEventDispatcher registers the channel's event handlers. Events the bot
// does not act on get no-op handlers so the SDK does not log them as unhandled.
func (c *Channel) newEventDispatcher(cfg config.FeishuConfig) *dispatcher.EventDispatcher {
	d := dispatcher.NewEventDispatcher(cfg.VerificationToken, cfg.EncryptKey)
	d.InitConfig(larkevent.WithLogger(newSDKLogger()))
	d.OnP2MessageReceiveV1(c.onMessageReceive)
	d.OnP2MessageReadV1(func(context.Context, *larkim.P2MessageReadV1) error { return nil })
	d.OnP2MessageReactionCreatedV1(func(context.Context, *larkim.P2MessageReactionCreatedV1) error { return nil })
	d.OnP2MessageReactionDeletedV1(func(context.Context, *larkim.P2MessageReactionDeletedV1) error { return nil })
	return d
}

func (c *Channel) onMessageReceive(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
	c.handleMessageEvent(ctx, event)
	return nil
}

// --- Connection modes ---

func (c *Channel) startWebSocket(ctx context.Context, cfg config.FeishuConfig) error {
	slog.Info("feishu: starting WebSocket connection")

	ws := larkws.NewClient(cfg.AppID, cfg.AppSecret,
		larkws.WithEventHandler(c.newEventDispatcher(cfg)),
		larkws.WithDomain(resolveDomain(cfg.Domain)),
		larkws.WithLogger(newSDKLogger()),
		larkws.WithLogLevel(sdkLogLevel()),
	)

	// Start only returns on a fatal connect error; reconnects are internal.
	go func() {
		if err := ws.Start(ctx); err != nil && ctx.Err() == nil {
			slog.Error("feishu websocket error", "error", err)
		}
	}()

	slog.Info("feishu WebSocket client started")
	return nil
}

func (c *Channel) startWebhook(ctx context.Context, cfg config.FeishuConfig) error {
	port := cfg.WebhookPort
	if port <= 0 {
		port = defaultWebhookPort
	}
	path := cfg.WebhookPath
	if path == "" {
		path = defaultWebhookPath
	}

	slog.Info("feishu: starting Webhook server", "port", port, "path", path)

	mux := http.NewServeMux()
	mux.Handle(path, c.webhookHandler(c.newEventDispatcher(cfg)))

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("feishu webhook listen: %w", err)
	}

	c.mu.Lock()
	c.httpServer = srv
	c.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("feishu webhook server error", "error", err)
		}
	}()

	slog.Info("feishu Webhook server listening", "port", port)
	return nil
}

// webhookHandler verifies, decrypts and dispatches event callbacks. URL
// verification challenges are answered by the SDK dispatcher.
func (c *Channel) webhookHandler(d *dispatcher.EventDispatcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !c.limiter.Allow(remoteIP(r)) {
			c.metrics.InboundDropped("rate_limited")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
			return
		}

		resp := d.Handle(r.Context(), &larkevent.EventReq{
			Header:     r.Header,
			Body:       body,
			RequestURI: r.RequestURI,
		})
		if resp == nil {
			http.Error(w, "empty response", http.StatusInternalServerError)
			return
		}
		for key, values := range resp.Header {
			for _, value := range values {
				w.Header().Add(key, value)
			}
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(resp.Body)
	})
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
