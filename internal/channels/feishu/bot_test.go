package feishu

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/nextlevelbuilder/larkclaw/internal/bus"
	"github.com/nextlevelbuilder/larkclaw/internal/config"
)

func strp(s string) *string { return &s }

// newTestChannel builds a channel whose REST client talks to a fake API
// that knows one user, ou_alice.
func newTestChannel(t *testing.T, mutate func(*config.FeishuConfig), opts ...Option) (*Channel, *bus.MessageBus, *fakeSender) {
	t.Helper()
	api := &fakeLarkAPI{respond: func(r recordedRequest) interface{} {
		if strings.HasPrefix(r.Path, "/open-apis/contact/v3/users/") {
			return map[string]interface{}{"code": 0, "data": map[string]interface{}{
				"user": map[string]string{"name": "Alice"},
			}}
		}
		return map[string]interface{}{"code": 0}
	}}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	cfg := config.Default().Channels.Feishu
	cfg.Enabled = true
	cfg.AppID = "cli_test"
	cfg.AppSecret = "secret"
	cfg.Domain = srv.URL
	if mutate != nil {
		mutate(&cfg)
	}

	msgBus := bus.New()
	sender := newFakeSender()
	opts = append([]Option{WithSender(sender), WithBotOpenID("ou_bot")}, opts...)
	c, err := New(cfg, msgBus, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, msgBus, sender
}

type eventFields struct {
	messageID  string
	chatID     string
	chatType   string
	msgType    string
	content    string
	sender     string
	senderType string
	rootID     string
	mentions   []*larkim.MentionEvent
}

func messageEvent(e eventFields) *larkim.P2MessageReceiveV1 {
	if e.msgType == "" {
		e.msgType = "text"
	}
	if e.sender == "" {
		e.sender = "ou_alice"
	}
	if e.senderType == "" {
		e.senderType = "user"
	}
	msg := &larkim.EventMessage{
		MessageId:   strp(e.messageID),
		ChatId:      strp(e.chatID),
		ChatType:    strp(e.chatType),
		MessageType: strp(e.msgType),
		Content:     strp(e.content),
		Mentions:    e.mentions,
	}
	if e.rootID != "" {
		msg.RootId = strp(e.rootID)
	}
	return &larkim.P2MessageReceiveV1{Event: &larkim.P2MessageReceiveV1Data{
		Message: msg,
		Sender: &larkim.EventSender{
			SenderId:   &larkim.UserId{OpenId: strp(e.sender)},
			SenderType: strp(e.senderType),
		},
	}}
}

func botMention() []*larkim.MentionEvent {
	return []*larkim.MentionEvent{{
		Key:  strp("@_user_1"),
		Name: strp("claw"),
		Id:   &larkim.UserId{OpenId: strp("ou_bot")},
	}}
}

func consume(t *testing.T, b *bus.MessageBus) (bus.InboundMessage, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	return b.ConsumeInbound(ctx)
}

func TestHandleMessageEvent_Direct(t *testing.T) {
	c, b, _ := newTestChannel(t, nil)

	c.handleMessageEvent(context.Background(), messageEvent(eventFields{
		messageID: "om_1", chatID: "oc_dm", chatType: "p2p", content: `{"text":"hello"}`,
	}))

	msg, ok := consume(t, b)
	if !ok {
		t.Fatal("no inbound message published")
	}
	if msg.Content != "hello" || msg.ChatID != "oc_dm" || msg.PeerKind != "direct" || msg.Channel != "feishu" {
		t.Errorf("inbound = %+v", msg)
	}
	if msg.Metadata["message_id"] != "om_1" || msg.Metadata["sender_name"] != "Alice" {
		t.Errorf("metadata = %v", msg.Metadata)
	}
}

func TestHandleMessageEvent_Dedup(t *testing.T) {
	c, b, _ := newTestChannel(t, nil)
	ev := messageEvent(eventFields{messageID: "om_dup", chatID: "oc_dm", chatType: "p2p", content: `{"text":"hi"}`})

	c.handleMessageEvent(context.Background(), ev)
	c.handleMessageEvent(context.Background(), ev)

	if _, ok := consume(t, b); !ok {
		t.Fatal("first delivery missing")
	}
	if msg, ok := consume(t, b); ok {
		t.Errorf("redelivery published again: %+v", msg)
	}
}

func TestHandleMessageEvent_IgnoresBots(t *testing.T) {
	c, b, _ := newTestChannel(t, nil)
	c.handleMessageEvent(context.Background(), messageEvent(eventFields{
		messageID: "om_bot", chatID: "oc_dm", chatType: "p2p", content: `{"text":"echo"}`, senderType: "app",
	}))
	if msg, ok := consume(t, b); ok {
		t.Errorf("bot message published: %+v", msg)
	}
}

func TestHandleMessageEvent_GroupHistory(t *testing.T) {
	c, b, _ := newTestChannel(t, nil)
	ctx := context.Background()

	c.handleMessageEvent(ctx, messageEvent(eventFields{
		messageID: "om_a", chatID: "oc_group", chatType: "group", content: `{"text":"lunch at noon?"}`,
	}))
	if msg, ok := consume(t, b); ok {
		t.Fatalf("unmentioned group message published: %+v", msg)
	}

	c.handleMessageEvent(ctx, messageEvent(eventFields{
		messageID: "om_b", chatID: "oc_group", chatType: "group",
		content: `{"text":"@_user_1 what did I ask?"}`, mentions: botMention(),
	}))
	msg, ok := consume(t, b)
	if !ok {
		t.Fatal("mentioned group message not published")
	}
	if msg.PeerKind != "group" {
		t.Errorf("PeerKind = %q, want group", msg.PeerKind)
	}
	for _, want := range []string{"Alice: lunch at noon?", "[From: Alice]\nwhat did I ask?"} {
		if !strings.Contains(msg.Content, want) {
			t.Errorf("content missing %q:\n%s", want, msg.Content)
		}
	}
	if strings.Contains(msg.Content, "@_user_1") {
		t.Errorf("bot mention not stripped:\n%s", msg.Content)
	}
	if got := c.groupHistory.Entries("oc_group"); len(got) != 0 {
		t.Errorf("history not cleared after reply: %v", got)
	}
}

func TestHandleMessageEvent_TopicSession(t *testing.T) {
	c, b, _ := newTestChannel(t, func(cfg *config.FeishuConfig) {
		cfg.TopicSessionMode = "enabled"
		f := false
		cfg.RequireMention = &f
	})
	c.handleMessageEvent(context.Background(), messageEvent(eventFields{
		messageID: "om_t", chatID: "oc_group", chatType: "group", rootID: "om_root", content: `{"text":"in thread"}`,
	}))
	msg, ok := consume(t, b)
	if !ok {
		t.Fatal("topic message not published")
	}
	if msg.ChatID != "oc_group:topic:om_root" || msg.Metadata["root_id"] != "om_root" {
		t.Errorf("chat id = %q metadata = %v", msg.ChatID, msg.Metadata)
	}
}

func TestHandleMessageEvent_Policies(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*config.FeishuConfig)
		chatType string
		chatID   string
		want     bool
	}{
		{"dm open", nil, "p2p", "oc_dm", true},
		{"dm disabled", func(c *config.FeishuConfig) { c.DMPolicy = "disabled" }, "p2p", "oc_dm", false},
		{"dm allowlist miss", func(c *config.FeishuConfig) {
			c.DMPolicy = "allowlist"
		}, "p2p", "oc_dm", false},
		{"dm allowlist hit", func(c *config.FeishuConfig) {
			c.DMPolicy = "allowlist"
			c.AllowFrom = []string{"ou_alice"}
		}, "p2p", "oc_dm", true},
		{"group disabled", func(c *config.FeishuConfig) { c.GroupPolicy = "disabled" }, "group", "oc_g", false},
		{"group allowlist by chat", func(c *config.FeishuConfig) {
			c.GroupPolicy = "allowlist"
			c.GroupAllowFrom = []string{"oc_g"}
		}, "group", "oc_g", true},
		{"group allowlist other chat", func(c *config.FeishuConfig) {
			c.GroupPolicy = "allowlist"
			c.GroupAllowFrom = []string{"oc_other"}
		}, "group", "oc_g", false},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, b, _ := newTestChannel(t, tt.mutate)
			ev := eventFields{
				messageID: "om_p" + string(rune('a'+i)), chatID: tt.chatID, chatType: tt.chatType,
				content: `{"text":"@_user_1 hi"}`,
			}
			if tt.chatType == "group" {
				ev.mentions = botMention()
			}
			c.handleMessageEvent(context.Background(), messageEvent(ev))
			if _, got := consume(t, b); got != tt.want {
				t.Errorf("published = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseMessageContent(t *testing.T) {
	tests := []struct {
		msgType, raw, want string
	}{
		{"text", `{"text":"hi there"}`, "hi there"},
		{"text", `not json`, "not json"},
		{"image", `{"image_key":"img_1"}`, "[image]"},
		{"file", `{"file_key":"f","file_name":"report.pdf"}`, "[file: report.pdf]"},
		{"audio", `{"file_key":"f"}`, "[audio]"},
		{"sticker", `{}`, "[sticker]"},
		{"share_chat", `{}`, "[share_chat message]"},
		{"text", ``, ""},
	}
	for _, tt := range tests {
		if got := parseMessageContent(tt.raw, tt.msgType); got != tt.want {
			t.Errorf("parseMessageContent(%q, %q) = %q, want %q", tt.raw, tt.msgType, got, tt.want)
		}
	}
}

func TestParsePostContent(t *testing.T) {
	received := `{"title":"Plan","content":[[{"tag":"text","text":"see "},{"tag":"a","text":"doc","href":"https://x.test"}],[{"tag":"at","user_name":"Bob"},{"tag":"text","text":" ok?"}],[{"tag":"img","image_key":"k"}]]}`
	want := "Plan\nsee [doc](https://x.test)\n@Bob ok?\n[image]"
	if got := parsePostContent(received); got != want {
		t.Errorf("parsePostContent(received) = %q, want %q", got, want)
	}

	localized := `{"zh_cn":{"title":"","content":[[{"tag":"md","text":"**bold**"}]]}}`
	if got := parsePostContent(localized); got != "**bold**" {
		t.Errorf("parsePostContent(localized) = %q, want **bold**", got)
	}

	if got := parsePostContent("{"); got != "{" {
		t.Errorf("parsePostContent(invalid) = %q, want raw input", got)
	}
}

func TestStripBotMention(t *testing.T) {
	mentions := []mentionInfo{
		{Key: "@_user_1", OpenID: "ou_bot", Name: "claw"},
		{Key: "@_user_2", OpenID: "ou_bob", Name: "Bob"},
	}
	got := stripBotMention("@_user_1 ask @_user_2 please", mentions, "ou_bot")
	if got != "ask @Bob please" {
		t.Errorf("stripBotMention = %q, want %q", got, "ask @Bob please")
	}
	// Without a known bot id nothing is removed.
	got = stripBotMention("@_user_1 hi", mentions[:1], "")
	if got != "@claw hi" {
		t.Errorf("stripBotMention(no bot id) = %q, want %q", got, "@claw hi")
	}
}

func TestParseMessageEvent_Nil(t *testing.T) {
	c, _, _ := newTestChannel(t, nil)
	if mc := c.parseMessageEvent(nil); mc != nil {
		t.Errorf("parseMessageEvent(nil) = %+v", mc)
	}
	if mc := c.parseMessageEvent(&larkim.P2MessageReceiveV1{}); mc != nil {
		t.Errorf("parseMessageEvent(empty) = %+v", mc)
	}
}
