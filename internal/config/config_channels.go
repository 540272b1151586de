package config

import "time"

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	Feishu FeishuConfig `json:"feishu"`
}

type FeishuConfig struct {
	Enabled           bool                `json:"enabled"`
	AppID             string              `json:"app_id"`
	AppSecret         string              `json:"app_secret"`
	EncryptKey        string              `json:"encrypt_key,omitempty"`
	VerificationToken string              `json:"verification_token,omitempty"`
	Domain            string              `json:"domain,omitempty"`             // "lark" (default/global), "feishu" (China), or custom URL
	ConnectionMode    string              `json:"connection_mode,omitempty"`    // "websocket" (default), "webhook"
	WebhookPort       int                 `json:"webhook_port,omitempty"`       // default 3000
	WebhookPath       string              `json:"webhook_path,omitempty"`       // default "/feishu/events"
	AllowFrom         FlexibleStringSlice `json:"allow_from"`
	DMPolicy          string              `json:"dm_policy,omitempty"`          // "open" (default), "allowlist", "disabled"
	GroupPolicy       string              `json:"group_policy,omitempty"`       // "open" (default), "allowlist", "disabled"
	GroupAllowFrom    FlexibleStringSlice `json:"group_allow_from,omitempty"`
	RequireMention    *bool               `json:"require_mention,omitempty"`    // default true (groups)
	TopicSessionMode  string              `json:"topic_session_mode,omitempty"` // "disabled" (default), "enabled"
	HistoryLimit      int                 `json:"history_limit,omitempty"`      // pending group messages kept for context (default 50)
	DedupTTLSec       int                 `json:"dedup_ttl_sec,omitempty"`      // default 60

	// Outbound delivery
	RenderMode         string `json:"render_mode,omitempty"`          // "auto" (default), "raw", "card"
	TextChunkLimit     int    `json:"text_chunk_limit,omitempty"`     // default 4000
	ChunkMode          string `json:"chunk_mode,omitempty"`           // "length" (default), "newline"
	Streaming          *bool  `json:"streaming,omitempty"`            // default true
	StreamInGroups     *bool  `json:"stream_in_groups,omitempty"`     // default true
	StreamThrottleMs   int    `json:"stream_throttle_ms,omitempty"`   // default 300
	StreamMaxChars     int    `json:"stream_max_chars,omitempty"`     // default 28000
	MediaMaxMB         int    `json:"media_max_mb,omitempty"`         // default 30
	MediaRetryAttempts int    `json:"media_retry_attempts,omitempty"` // default 3
	TypingIndicator    *bool  `json:"typing_indicator,omitempty"`     // default true
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// StreamingEnabled reports whether partial replies stream into a draft card.
func (f FeishuConfig) StreamingEnabled() bool { return boolOr(f.Streaming, true) }

// StreamInGroupsEnabled reports whether streaming also applies to group chats.
func (f FeishuConfig) StreamInGroupsEnabled() bool { return boolOr(f.StreamInGroups, true) }

// TypingEnabled reports whether the typing reaction is shown while replying.
func (f FeishuConfig) TypingEnabled() bool { return boolOr(f.TypingIndicator, true) }

// RequireMentionEnabled reports whether group messages must mention the bot.
func (f FeishuConfig) RequireMentionEnabled() bool { return boolOr(f.RequireMention, true) }

// DedupTTL is how long an inbound message id is remembered.
func (f FeishuConfig) DedupTTL() time.Duration {
	if f.DedupTTLSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(f.DedupTTLSec) * time.Second
}

// StreamThrottle is the minimum interval between draft card updates.
func (f FeishuConfig) StreamThrottle() time.Duration {
	if f.StreamThrottleMs <= 0 {
		return 300 * time.Millisecond
	}
	return time.Duration(f.StreamThrottleMs) * time.Millisecond
}

// MediaMaxBytes is the upload size limit.
func (f FeishuConfig) MediaMaxBytes() int64 {
	if f.MediaMaxMB <= 0 {
		return 30 << 20
	}
	return int64(f.MediaMaxMB) << 20
}
