package feishu

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// sentMessage is one operation seen by fakeSender.
type sentMessage struct {
	Op      string // text, card, patch, media, upload_image, upload_file, react, unreact
	Target  Target
	ID      string
	Text    string
	Card    Card
	Kind    MediaKind
	Key     string
	Size    int
	Name    string
	FileTyp string
}

// fakeSender records every call. Per-op errors can be queued in fail: the
// first entry is consumed by the next call to that op.
type fakeSender struct {
	mu   sync.Mutex
	log  []sentMessage
	fail map[string][]error
	seq  int
}

func newFakeSender() *fakeSender {
	return &fakeSender{fail: make(map[string][]error)}
}

func (f *fakeSender) failNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = append(f.fail[op], errs...)
}

func (f *fakeSender) record(m sentMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q := f.fail[m.Op]; len(q) > 0 {
		f.fail[m.Op] = q[1:]
		if q[0] != nil {
			f.log = append(f.log, sentMessage{Op: m.Op + "_failed", Target: m.Target})
			return q[0]
		}
	}
	f.log = append(f.log, m)
	return nil
}

func (f *fakeSender) nextID(prefix string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

func (f *fakeSender) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.log))
	for i, m := range f.log {
		out[i] = m.Op
	}
	return out
}

func (f *fakeSender) calls(op string) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, m := range f.log {
		if m.Op == op {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSender) SendText(_ context.Context, target Target, text string) (SendResult, error) {
	id := f.nextID("om_text")
	if err := f.record(sentMessage{Op: "text", Target: target, ID: id, Text: text}); err != nil {
		return SendResult{}, err
	}
	return SendResult{MessageID: id}, nil
}

func (f *fakeSender) SendCard(_ context.Context, target Target, card Card) (SendResult, error) {
	id := f.nextID("om_card")
	if err := f.record(sentMessage{Op: "card", Target: target, ID: id, Card: card}); err != nil {
		return SendResult{}, err
	}
	return SendResult{MessageID: id}, nil
}

func (f *fakeSender) PatchCard(_ context.Context, messageID string, card Card) error {
	return f.record(sentMessage{Op: "patch", ID: messageID, Card: card})
}

func (f *fakeSender) UploadImage(_ context.Context, data io.Reader) (string, error) {
	b, _ := io.ReadAll(data)
	key := f.nextID("img")
	if err := f.record(sentMessage{Op: "upload_image", Key: key, Size: len(b)}); err != nil {
		return "", err
	}
	return key, nil
}

func (f *fakeSender) UploadFile(_ context.Context, data io.Reader, fileName, fileType string) (string, error) {
	b, _ := io.ReadAll(data)
	key := f.nextID("file")
	if err := f.record(sentMessage{Op: "upload_file", Key: key, Size: len(b), Name: fileName, FileTyp: fileType}); err != nil {
		return "", err
	}
	return key, nil
}

func (f *fakeSender) SendMedia(_ context.Context, target Target, kind MediaKind, key string) (SendResult, error) {
	id := f.nextID("om_media")
	if err := f.record(sentMessage{Op: "media", Target: target, ID: id, Kind: kind, Key: key}); err != nil {
		return SendResult{}, err
	}
	return SendResult{MessageID: id}, nil
}

func (f *fakeSender) AddReaction(_ context.Context, messageID, emojiType string) (string, error) {
	id := f.nextID("reaction")
	if err := f.record(sentMessage{Op: "react", ID: messageID, Key: emojiType}); err != nil {
		return "", err
	}
	return id, nil
}

func (f *fakeSender) RemoveReaction(_ context.Context, messageID, reactionID string) error {
	return f.record(sentMessage{Op: "unreact", ID: messageID, Key: reactionID})
}

// cardText returns the concatenated markdown content of a card.
func cardText(c Card) string {
	var s string
	for _, el := range c.Body.Elements {
		if el["tag"] == "markdown" {
			if content, ok := el["content"].(string); ok {
				s += content
			}
		}
	}
	return s
}
