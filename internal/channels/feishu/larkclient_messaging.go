package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"github.com/google/uuid"
)

// --- IM API: Messages ---

type messageData struct {
	MessageID string `json:"message_id"`
}

// CreateMessage posts a new message. A random uuid makes the request idempotent
// for an hour on the platform side.
func (c *LarkClient) CreateMessage(ctx context.Context, receiveIDType, receiveID, msgType, content string) (string, error) {
	path := "/open-apis/im/v1/messages?receive_id_type=" + url.QueryEscape(receiveIDType)
	body := map[string]string{
		"receive_id": receiveID,
		"msg_type":   msgType,
		"content":    content,
		"uuid":       uuid.NewString(),
	}
	resp, err := c.doJSON(ctx, "POST", path, body)
	if err != nil {
		return "", err
	}
	var data messageData
	if err := resp.decode("send message", &data); err != nil {
		return "", err
	}
	return data.MessageID, nil
}

// ReplyMessage replies to an existing message in its chat.
func (c *LarkClient) ReplyMessage(ctx context.Context, parentID, msgType, content string) (string, error) {
	path := "/open-apis/im/v1/messages/" + url.PathEscape(parentID) + "/reply"
	body := map[string]string{
		"msg_type": msgType,
		"content":  content,
		"uuid":     uuid.NewString(),
	}
	resp, err := c.doJSON(ctx, "POST", path, body)
	if err != nil {
		return "", err
	}
	var data messageData
	if err := resp.decode("reply message", &data); err != nil {
		return "", err
	}
	return data.MessageID, nil
}

// PatchMessage replaces the content of an interactive card sent with update_multi.
func (c *LarkClient) PatchMessage(ctx context.Context, messageID, content string) error {
	path := "/open-apis/im/v1/messages/" + url.PathEscape(messageID)
	resp, err := c.doJSON(ctx, "PATCH", path, map[string]string{"content": content})
	if err != nil {
		return err
	}
	return resp.decode("patch message", nil)
}

// --- IM API: Reactions ---

func (c *LarkClient) AddReaction(ctx context.Context, messageID, emojiType string) (string, error) {
	path := "/open-apis/im/v1/messages/" + url.PathEscape(messageID) + "/reactions"
	body := map[string]interface{}{
		"reaction_type": map[string]string{"emoji_type": emojiType},
	}
	resp, err := c.doJSON(ctx, "POST", path, body)
	if err != nil {
		return "", err
	}
	var data struct {
		ReactionID string `json:"reaction_id"`
	}
	if err := resp.decode("add reaction", &data); err != nil {
		return "", err
	}
	return data.ReactionID, nil
}

func (c *LarkClient) DeleteReaction(ctx context.Context, messageID, reactionID string) error {
	path := fmt.Sprintf("/open-apis/im/v1/messages/%s/reactions/%s", url.PathEscape(messageID), url.PathEscape(reactionID))
	resp, err := c.doJSON(ctx, "DELETE", path, nil)
	if err != nil {
		return err
	}
	return resp.decode("delete reaction", nil)
}

// --- IM API: Images ---

func (c *LarkClient) UploadImage(ctx context.Context, data io.Reader) (string, error) {
	resp, err := c.doMultipart(ctx, "/open-apis/im/v1/images",
		map[string]string{"image_type": "message"},
		"image", data, "image.png")
	if err != nil {
		return "", err
	}
	var result struct {
		ImageKey string `json:"image_key"`
	}
	if err := resp.decode("upload image", &result); err != nil {
		return "", err
	}
	return result.ImageKey, nil
}

// --- IM API: Files ---

func (c *LarkClient) UploadFile(ctx context.Context, data io.Reader, fileName, fileType string, durationMs int) (string, error) {
	fields := map[string]string{
		"file_type": fileType,
		"file_name": fileName,
	}
	if durationMs > 0 {
		fields["duration"] = strconv.Itoa(durationMs)
	}
	resp, err := c.doMultipart(ctx, "/open-apis/im/v1/files", fields, "file", data, fileName)
	if err != nil {
		return "", err
	}
	var result struct {
		FileKey string `json:"file_key"`
	}
	if err := resp.decode("upload file", &result); err != nil {
		return "", err
	}
	return result.FileKey, nil
}

// --- Bot API ---

// GetBotInfo fetches the bot's identity from /open-apis/bot/v3/info.
// Returns the bot's open_id which is needed for mention detection in groups.
func (c *LarkClient) GetBotInfo(ctx context.Context) (string, error) {
	resp, err := c.doJSON(ctx, "GET", "/open-apis/bot/v3/info", nil)
	if err != nil {
		return "", err
	}
	if resp.Code != 0 {
		return "", &APIError{Op: "get bot info", Code: resp.Code, Msg: resp.Msg}
	}
	// bot/v3/info returns the bot object at the top level, not under data.
	var result struct {
		Bot struct {
			OpenID string `json:"open_id"`
		} `json:"bot"`
	}
	if len(resp.Bot) > 0 {
		if err := json.Unmarshal(resp.Bot, &result.Bot); err != nil {
			return "", fmt.Errorf("get bot info: %w", err)
		}
		return result.Bot.OpenID, nil
	}
	if err := resp.decode("get bot info", &result); err != nil {
		return "", err
	}
	return result.Bot.OpenID, nil
}

// --- Contact API ---

func (c *LarkClient) GetUser(ctx context.Context, userID, userIDType string) (string, error) {
	path := fmt.Sprintf("/open-apis/contact/v3/users/%s?user_id_type=%s", url.PathEscape(userID), url.QueryEscape(userIDType))
	resp, err := c.doJSON(ctx, "GET", path, nil)
	if err != nil {
		return "", err
	}
	var result struct {
		User struct {
			Name string `json:"name"`
		} `json:"user"`
	}
	if err := resp.decode("get user", &result); err != nil {
		return "", err
	}
	return result.User.Name, nil
}
