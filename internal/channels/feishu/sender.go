package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Target addresses an outbound message. When ReplyTo is set the message is
// posted as a reply to that message instead of a new message in ReceiveID.
type Target struct {
	ReceiveID     string
	ReceiveIDType string // chat_id, open_id, union_id
	ReplyTo       string
}

// ChatTarget builds a Target for a chat or user id, inferring the id type from its prefix.
func ChatTarget(id, replyTo string) Target {
	return Target{ReceiveID: id, ReceiveIDType: resolveReceiveIDType(id), ReplyTo: replyTo}
}

// SendResult is the canonical result of a successful create or reply.
type SendResult struct {
	MessageID string
}

// MediaKind selects the message type used for an uploaded resource.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaFile  MediaKind = "file"
)

// Sender performs platform calls for the delivery engine. Errors from the
// platform are *APIError; anything else is a transport failure.
type Sender interface {
	SendText(ctx context.Context, target Target, text string) (SendResult, error)
	SendCard(ctx context.Context, target Target, card Card) (SendResult, error)
	PatchCard(ctx context.Context, messageID string, card Card) error
	UploadImage(ctx context.Context, data io.Reader) (string, error)
	UploadFile(ctx context.Context, data io.Reader, fileName, fileType string) (string, error)
	SendMedia(ctx context.Context, target Target, kind MediaKind, key string) (SendResult, error)
	AddReaction(ctx context.Context, messageID, emojiType string) (string, error)
	RemoveReaction(ctx context.Context, messageID, reactionID string) error
}

// larkSender implements Sender over LarkClient.
type larkSender struct {
	client *LarkClient
}

// NewSender wraps a LarkClient as a Sender.
func NewSender(client *LarkClient) Sender {
	return &larkSender{client: client}
}

func (s *larkSender) send(ctx context.Context, target Target, msgType, content string) (SendResult, error) {
	var (
		id  string
		err error
	)
	if target.ReplyTo != "" {
		id, err = s.client.ReplyMessage(ctx, target.ReplyTo, msgType, content)
	} else {
		if target.ReceiveID == "" {
			return SendResult{}, fmt.Errorf("feishu send %s: empty receive id", msgType)
		}
		idType := target.ReceiveIDType
		if idType == "" {
			idType = resolveReceiveIDType(target.ReceiveID)
		}
		id, err = s.client.CreateMessage(ctx, idType, target.ReceiveID, msgType, content)
	}
	if err != nil {
		return SendResult{}, fmt.Errorf("feishu send %s: %w", msgType, err)
	}
	return SendResult{MessageID: id}, nil
}

func (s *larkSender) SendText(ctx context.Context, target Target, text string) (SendResult, error) {
	return s.send(ctx, target, "post", buildPostContent(NeutralizeOrderedLists(text)))
}

func (s *larkSender) SendCard(ctx context.Context, target Target, card Card) (SendResult, error) {
	data, err := json.Marshal(card)
	if err != nil {
		return SendResult{}, fmt.Errorf("marshal card: %w", err)
	}
	return s.send(ctx, target, "interactive", string(data))
}

func (s *larkSender) PatchCard(ctx context.Context, messageID string, card Card) error {
	data, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("marshal card: %w", err)
	}
	if err := s.client.PatchMessage(ctx, messageID, string(data)); err != nil {
		return fmt.Errorf("feishu patch card: %w", err)
	}
	return nil
}

func (s *larkSender) UploadImage(ctx context.Context, data io.Reader) (string, error) {
	return s.client.UploadImage(ctx, data)
}

func (s *larkSender) UploadFile(ctx context.Context, data io.Reader, fileName, fileType string) (string, error) {
	return s.client.UploadFile(ctx, data, fileName, fileType, 0)
}

func (s *larkSender) SendMedia(ctx context.Context, target Target, kind MediaKind, key string) (SendResult, error) {
	var content map[string]string
	switch kind {
	case MediaImage:
		content = map[string]string{"image_key": key}
	default:
		content = map[string]string{"file_key": key}
	}
	data, _ := json.Marshal(content)
	return s.send(ctx, target, string(kind), string(data))
}

func (s *larkSender) AddReaction(ctx context.Context, messageID, emojiType string) (string, error) {
	return s.client.AddReaction(ctx, messageID, emojiType)
}

func (s *larkSender) RemoveReaction(ctx context.Context, messageID, reactionID string) error {
	return s.client.DeleteReaction(ctx, messageID, reactionID)
}

// --- Target resolution ---

func resolveReceiveIDType(id string) string {
	switch {
	case strings.HasPrefix(id, "oc_"):
		return "chat_id"
	case strings.HasPrefix(id, "ou_"):
		return "open_id"
	case strings.HasPrefix(id, "on_"):
		return "union_id"
	default:
		return "chat_id"
	}
}

// baseChatID strips the ":topic:<root>" suffix used for topic sessions.
func baseChatID(chatID string) string {
	if idx := strings.Index(chatID, ":topic:"); idx > 0 {
		return chatID[:idx]
	}
	return chatID
}
