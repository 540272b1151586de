package cmd

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/larkclaw/internal/bus"
	"github.com/nextlevelbuilder/larkclaw/internal/channels/feishu"
	"github.com/nextlevelbuilder/larkclaw/internal/metrics"
)

func sendCmd() *cobra.Command {
	var (
		chatID  string
		replyTo string
		media   []string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Send a message to a Feishu/Lark chat through the reply engine",
		Long: "Send delivers text and attachments the same way agent replies are delivered: " +
			"chunked, rendered as text or card, with media falling back to links.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := ""
			if len(args) == 1 {
				text = args[0]
			}
			if text == "-" {
				data, err := readAllStdin()
				if err != nil {
					return err
				}
				text = data
			}
			return runSend(chatID, replyTo, text, media, timeout)
		},
	}
	cmd.Flags().StringVar(&chatID, "chat", "", "target chat ID (oc_...) or user open_id (ou_...)")
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "message ID to reply to")
	cmd.Flags().StringSliceVar(&media, "media", nil, "file path or URL to attach (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "overall send timeout")
	_ = cmd.MarkFlagRequired("chat")
	return cmd
}

func runSend(chatID, replyTo, text string, media []string, timeout time.Duration) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.Gateway.LogLevel)
	if text == "" && len(media) == 0 {
		return fmt.Errorf("nothing to send: provide text or --media")
	}

	ch, err := feishu.New(cfg.FeishuSnapshot(), nil, feishu.WithDeliveryMetrics(metrics.Default()))
	if err != nil {
		return err
	}

	msg := bus.OutboundMessage{
		Channel:  ch.Name(),
		ChatID:   chatID,
		Content:  text,
		Metadata: map[string]string{},
	}
	if replyTo != "" {
		msg.Metadata["reply_to_message_id"] = replyTo
	}
	for _, m := range media {
		msg.Media = append(msg.Media, bus.MediaAttachment{URL: m, ContentType: guessContentType(m)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ch.SendDirect(ctx, msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	fmt.Println("sent")
	return nil
}

func guessContentType(path string) string {
	ext := strings.ToLower(filepath.Ext(strings.SplitN(path, "?", 2)[0]))
	if ext == "" {
		return ""
	}
	ct := mime.TypeByExtension(ext)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return ct
}

func readAllStdin() (string, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(data), nil
}
