package feishu

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/larkclaw/internal/config"
)

// --- Sender name resolution ---

func (c *Channel) resolveSenderName(ctx context.Context, openID string) string {
	if openID == "" {
		return ""
	}
	if name, ok := c.senderNames.Get(openID); ok {
		return name
	}

	name, err := c.client.GetUser(ctx, openID, "open_id")
	if err != nil {
		slog.Debug("feishu fetch sender name failed", "open_id", openID, "error", err)
		return ""
	}
	if name != "" {
		c.senderNames.Add(openID, name)
	}
	return name
}

// --- Policy checks ---

// checkGroupPolicy accepts a group message per group_policy. Under
// "allowlist" either the sender (allow_from) or the chat (group_allow_from)
// must be listed.
func (c *Channel) checkGroupPolicy(cfg config.FeishuConfig, senderID, chatID string) bool {
	switch cfg.GroupPolicy {
	case "disabled":
		return false
	case "allowlist":
		if c.HasAllowList() && c.IsAllowed(senderID) {
			return true
		}
		for _, allowed := range cfg.GroupAllowFrom {
			allowed = strings.TrimPrefix(allowed, "@")
			if allowed == chatID || allowed == senderID {
				return true
			}
		}
		return false
	default: // "open"
		return true
	}
}

func (c *Channel) checkDMPolicy(cfg config.FeishuConfig, senderID string) bool {
	switch cfg.DMPolicy {
	case "disabled":
		slog.Debug("feishu DM rejected: disabled", "sender_id", senderID)
		return false
	case "allowlist":
		if !c.HasAllowList() || !c.IsAllowed(senderID) {
			slog.Debug("feishu DM rejected by allowlist", "sender_id", senderID)
			return false
		}
		return true
	default: // "open"
		return true
	}
}
