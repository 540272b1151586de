package feishu

import (
	"encoding/json"
	"fmt"
	"strings"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
)

func (c *Channel) parseMessageEvent(event *larkim.P2MessageReceiveV1) *messageContext {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return nil
	}
	msg := event.Event.Message

	mc := &messageContext{
		ChatID:      deref(msg.ChatId),
		MessageID:   deref(msg.MessageId),
		ChatType:    deref(msg.ChatType),
		ContentType: deref(msg.MessageType),
		RootID:      deref(msg.RootId),
		ParentID:    deref(msg.ParentId),
	}
	if sender := event.Event.Sender; sender != nil {
		mc.SenderType = deref(sender.SenderType)
		if sender.SenderId != nil {
			mc.SenderID = deref(sender.SenderId.OpenId)
		}
	}

	content := parseMessageContent(deref(msg.Content), mc.ContentType)

	botOpenID := c.botID()
	for _, m := range msg.Mentions {
		if m == nil {
			continue
		}
		mi := mentionInfo{Key: deref(m.Key), Name: deref(m.Name)}
		if m.Id != nil {
			mi.OpenID = deref(m.Id.OpenId)
		}
		mc.Mentions = append(mc.Mentions, mi)
		if botOpenID != "" && mi.OpenID == botOpenID {
			mc.MentionedBot = true
		}
	}

	if len(mc.Mentions) > 0 {
		content = stripBotMention(content, mc.Mentions, botOpenID)
	}
	mc.Content = content
	return mc
}

// --- Content parsing ---

func parseMessageContent(rawContent, messageType string) string {
	if rawContent == "" {
		return ""
	}

	switch messageType {
	case "text":
		var textMsg struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(rawContent), &textMsg); err == nil {
			return textMsg.Text
		}
		return rawContent

	case "post":
		return parsePostContent(rawContent)

	case "image":
		return "[image]"

	case "file", "audio", "media":
		var fileMsg struct {
			FileName string `json:"file_name"`
		}
		if err := json.Unmarshal([]byte(rawContent), &fileMsg); err == nil && fileMsg.FileName != "" {
			return fmt.Sprintf("[%s: %s]", messageType, fileMsg.FileName)
		}
		return "[" + messageType + "]"

	case "sticker":
		return "[sticker]"

	default:
		return fmt.Sprintf("[%s message]", messageType)
	}
}

type postElement struct {
	Tag      string `json:"tag"`
	Text     string `json:"text"`
	Href     string `json:"href"`
	UserName string `json:"user_name"`
	Language string `json:"language"`
}

type postBody struct {
	Title   string          `json:"title"`
	Content [][]postElement `json:"content"`
}

// parsePostContent flattens a rich-text post into markdown-ish text. Received
// posts carry the body directly; sent ones are wrapped in a locale key.
func parsePostContent(rawContent string) string {
	body, ok := decodePostBody(rawContent)
	if !ok {
		return rawContent
	}

	var lines []string
	if body.Title != "" {
		lines = append(lines, body.Title)
	}
	for _, para := range body.Content {
		var sb strings.Builder
		for _, el := range para {
			switch el.Tag {
			case "text", "md":
				sb.WriteString(el.Text)
			case "at":
				if el.UserName != "" {
					sb.WriteString("@" + el.UserName)
				}
			case "a":
				if el.Text != "" {
					fmt.Fprintf(&sb, "[%s](%s)", el.Text, el.Href)
				} else {
					sb.WriteString(el.Href)
				}
			case "code_block":
				fmt.Fprintf(&sb, "```%s\n%s\n```", el.Language, strings.TrimRight(el.Text, "\n"))
			case "img":
				sb.WriteString("[image]")
			case "media":
				sb.WriteString("[media]")
			case "emotion":
				sb.WriteString("[emoji]")
			}
		}
		if sb.Len() > 0 {
			lines = append(lines, sb.String())
		}
	}
	return strings.Join(lines, "\n")
}

func decodePostBody(raw string) (postBody, bool) {
	var direct postBody
	if err := json.Unmarshal([]byte(raw), &direct); err == nil && (direct.Content != nil || direct.Title != "") {
		return direct, true
	}

	var localized map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &localized); err != nil {
		return postBody{}, false
	}
	for _, lang := range []string{"zh_cn", "en_us", "ja_jp"} {
		if data, ok := localized[lang]; ok {
			var b postBody
			if json.Unmarshal(data, &b) == nil {
				return b, true
			}
		}
	}
	for _, data := range localized {
		var b postBody
		if json.Unmarshal(data, &b) == nil && b.Content != nil {
			return b, true
		}
	}
	return postBody{}, false
}

// stripBotMention removes the bot's @ placeholder and spells out the others.
func stripBotMention(text string, mentions []mentionInfo, botOpenID string) string {
	for _, m := range mentions {
		if m.Key == "" {
			continue
		}
		if botOpenID != "" && m.OpenID == botOpenID {
			text = strings.ReplaceAll(text, m.Key, "")
		} else if m.Name != "" {
			text = strings.ReplaceAll(text, m.Key, "@"+m.Name)
		}
	}
	return strings.TrimSpace(text)
}

// --- Helpers ---

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
