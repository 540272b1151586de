package feishu

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/nextlevelbuilder/larkclaw/internal/channels"
	"github.com/nextlevelbuilder/larkclaw/internal/config"
)

// messageContext holds parsed information from a Feishu message event.
type messageContext struct {
	ChatID       string
	MessageID    string
	SenderID     string // sender_id.open_id
	SenderType   string // "user" or "app"
	ChatType     string // "p2p" or "group"
	Content      string
	ContentType  string // "text", "post", "image", etc.
	MentionedBot bool
	RootID       string // thread root message ID
	ParentID     string // parent message ID
	Mentions     []mentionInfo
}

type mentionInfo struct {
	Key    string // @_user_N placeholder
	OpenID string
	Name   string
}

// handleMessageEvent processes an incoming Feishu message event.
func (c *Channel) handleMessageEvent(ctx context.Context, event *larkim.P2MessageReceiveV1) {
	mc := c.parseMessageEvent(event)
	if mc == nil || mc.MessageID == "" {
		return
	}
	cfg := c.config()

	// 1. Dedup check
	if c.dedup.Seen(mc.MessageID) {
		slog.Debug("feishu message deduplicated", "message_id", mc.MessageID)
		c.metrics.InboundDropped("duplicate")
		return
	}

	// 2. Ignore other bots (and our own echoes)
	if mc.SenderType == "app" {
		c.metrics.InboundDropped("bot_sender")
		return
	}

	// 3. Resolve sender name (cached)
	senderName := c.resolveSenderName(ctx, mc.SenderID)

	// 4. Group policy
	if mc.ChatType == "group" {
		if !c.checkGroupPolicy(cfg, mc.SenderID, mc.ChatID) {
			slog.Debug("feishu group message rejected by policy", "sender_id", mc.SenderID, "chat_id", mc.ChatID)
			c.metrics.InboundDropped("policy")
			return
		}

		// 5. RequireMention check: record to history if not mentioned
		if cfg.RequireMentionEnabled() && !mc.MentionedBot {
			c.groupHistory.Record(sessionChatID(cfg, mc), channels.HistoryEntry{
				Sender:    senderName,
				Body:      mc.Content,
				Timestamp: time.Now(),
				MessageID: mc.MessageID,
			}, historyLimit(cfg))

			slog.Debug("feishu group message recorded (no mention)",
				"chat_id", mc.ChatID, "sender", senderName,
			)
			c.metrics.InboundDropped("no_mention")
			return
		}
	}

	// 6. DM policy
	if mc.ChatType == "p2p" && !c.checkDMPolicy(cfg, mc.SenderID) {
		c.metrics.InboundDropped("policy")
		return
	}

	content := mc.Content
	if content == "" {
		content = "[empty message]"
	}

	// 7. Topic session
	chatID := sessionChatID(cfg, mc)

	slog.Debug("feishu message received",
		"sender_id", mc.SenderID,
		"sender_name", senderName,
		"chat_id", chatID,
		"chat_type", mc.ChatType,
		"mentioned_bot", mc.MentionedBot,
		"preview", channels.Truncate(content, 50),
	)

	peerKind := "direct"
	if mc.ChatType == "group" {
		peerKind = "group"
	}

	metadata := map[string]string{
		"message_id":     mc.MessageID,
		"chat_type":      mc.ChatType,
		"sender_name":    senderName,
		"sender_open_id": mc.SenderID,
		"mentioned_bot":  fmt.Sprintf("%t", mc.MentionedBot),
		"platform":       "feishu",
	}
	if mc.RootID != "" {
		metadata["root_id"] = mc.RootID
	}

	// Group context: pending history plus sender annotation.
	if mc.ChatType == "group" && senderName != "" {
		annotated := fmt.Sprintf("[From: %s]\n%s", senderName, content)
		if limit := historyLimit(cfg); limit > 0 {
			content = c.groupHistory.BuildContext(chatID, annotated, limit)
		} else {
			content = annotated
		}
	}

	// 8. Publish to bus
	c.HandleMessage(mc.SenderID, chatID, content, nil, metadata, peerKind)

	if mc.ChatType == "group" {
		c.groupHistory.Clear(chatID)
	}
}

// sessionChatID keys a conversation: the chat, or the thread when topic
// sessions are enabled.
func sessionChatID(cfg config.FeishuConfig, mc *messageContext) string {
	if mc.RootID != "" && cfg.TopicSessionMode == "enabled" {
		return fmt.Sprintf("%s:topic:%s", mc.ChatID, mc.RootID)
	}
	return mc.ChatID
}

func historyLimit(cfg config.FeishuConfig) int {
	if cfg.HistoryLimit == 0 {
		return channels.DefaultGroupHistoryLimit
	}
	return cfg.HistoryLimit
}
