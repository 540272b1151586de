package feishu

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   map[string]interface{}
}

// fakeLarkAPI serves the token endpoint and records every other call.
// respond, when set, builds the JSON reply for a request.
type fakeLarkAPI struct {
	mu       sync.Mutex
	requests []recordedRequest
	tokens   int
	respond  func(r recordedRequest) interface{}
}

func (f *fakeLarkAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.URL.Path == tokenEndpoint {
		f.mu.Lock()
		f.tokens++
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0, "tenant_access_token": "t-123", "expire": 7200,
		})
		return
	}

	rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		json.NewDecoder(r.Body).Decode(&rec.Body)
	}
	f.mu.Lock()
	f.requests = append(f.requests, rec)
	respond := f.respond
	f.mu.Unlock()

	var resp interface{} = map[string]interface{}{
		"code": 0, "msg": "ok", "data": map[string]string{"message_id": "om_new"},
	}
	if respond != nil {
		resp = respond(rec)
	}
	json.NewEncoder(w).Encode(resp)
}

func (f *fakeLarkAPI) calls() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func newTestLarkSender(t *testing.T, api *fakeLarkAPI) Sender {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	client := NewLarkClient("cli_test", "secret", srv.URL)
	client.SetRateLimit(0, 0)
	return NewSender(client)
}

func TestLarkSender_SendTextCreatesPost(t *testing.T) {
	api := &fakeLarkAPI{}
	s := newTestLarkSender(t, api)

	res, err := s.SendText(context.Background(), ChatTarget("oc_chat", ""), "1. First\n2. Second")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if res.MessageID != "om_new" {
		t.Errorf("MessageID = %q, want om_new", res.MessageID)
	}

	calls := api.calls()
	if len(calls) != 1 {
		t.Fatalf("requests = %d, want 1", len(calls))
	}
	req := calls[0]
	if req.Method != http.MethodPost || req.Path != "/open-apis/im/v1/messages" || req.Query != "receive_id_type=chat_id" {
		t.Errorf("request = %s %s?%s", req.Method, req.Path, req.Query)
	}
	if req.Body["msg_type"] != "post" || req.Body["receive_id"] != "oc_chat" {
		t.Errorf("body = %v", req.Body)
	}
	if uuid, _ := req.Body["uuid"].(string); uuid == "" {
		t.Error("create request carries no idempotency uuid")
	}
	content, _ := req.Body["content"].(string)
	if !strings.Contains(content, `**1.** First\n**2.** Second`) {
		t.Errorf("post content = %s, want neutralized list markers", content)
	}
}

func TestLarkSender_ReplyTo(t *testing.T) {
	api := &fakeLarkAPI{}
	s := newTestLarkSender(t, api)

	if _, err := s.SendCard(context.Background(), ChatTarget("oc_chat", "om_parent"), BuildCard("**hi**")); err != nil {
		t.Fatalf("SendCard: %v", err)
	}
	req := api.calls()[0]
	if req.Path != "/open-apis/im/v1/messages/om_parent/reply" {
		t.Errorf("path = %s, want the reply endpoint", req.Path)
	}
	if req.Body["msg_type"] != "interactive" {
		t.Errorf("msg_type = %v, want interactive", req.Body["msg_type"])
	}
	var card Card
	if err := json.Unmarshal([]byte(req.Body["content"].(string)), &card); err != nil {
		t.Fatalf("card content: %v", err)
	}
	if !card.Config.UpdateMulti || card.Schema != "2.0" {
		t.Errorf("card = %+v, want an updatable schema 2.0 card", card)
	}
}

func TestLarkSender_PatchCard(t *testing.T) {
	api := &fakeLarkAPI{}
	s := newTestLarkSender(t, api)

	if err := s.PatchCard(context.Background(), "om_card", BuildCard("v2")); err != nil {
		t.Fatalf("PatchCard: %v", err)
	}
	req := api.calls()[0]
	if req.Method != http.MethodPatch || req.Path != "/open-apis/im/v1/messages/om_card" {
		t.Errorf("request = %s %s", req.Method, req.Path)
	}
}

func TestLarkSender_APIError(t *testing.T) {
	api := &fakeLarkAPI{respond: func(recordedRequest) interface{} {
		return map[string]interface{}{"code": 230020, "msg": "rate limited"}
	}}
	s := newTestLarkSender(t, api)

	_, err := s.SendText(context.Background(), ChatTarget("ou_user", ""), "hi")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Code != 230020 || !apiErr.Temporary() {
		t.Errorf("APIError = %+v, want temporary code 230020", apiErr)
	}
	if q := api.calls()[0].Query; q != "receive_id_type=open_id" {
		t.Errorf("query = %s, want open_id receive type", q)
	}
}

func TestLarkSender_Reactions(t *testing.T) {
	api := &fakeLarkAPI{respond: func(r recordedRequest) interface{} {
		if r.Method == http.MethodPost {
			return map[string]interface{}{"code": 0, "data": map[string]string{"reaction_id": "r_1"}}
		}
		return map[string]interface{}{"code": 0}
	}}
	s := newTestLarkSender(t, api)
	ctx := context.Background()

	id, err := s.AddReaction(ctx, "om_in", typingEmoji)
	if err != nil || id != "r_1" {
		t.Fatalf("AddReaction = (%q, %v), want r_1", id, err)
	}
	if err := s.RemoveReaction(ctx, "om_in", id); err != nil {
		t.Fatalf("RemoveReaction: %v", err)
	}
	calls := api.calls()
	if calls[1].Method != http.MethodDelete || calls[1].Path != "/open-apis/im/v1/messages/om_in/reactions/r_1" {
		t.Errorf("delete request = %s %s", calls[1].Method, calls[1].Path)
	}
	api.mu.Lock()
	tokens := api.tokens
	api.mu.Unlock()
	if tokens != 1 {
		t.Errorf("token requests = %d, want 1 (cached)", tokens)
	}
}

func TestResolveReceiveIDType(t *testing.T) {
	tests := map[string]string{
		"oc_abc":  "chat_id",
		"ou_abc":  "open_id",
		"on_abc":  "union_id",
		"unknown": "chat_id",
	}
	for id, want := range tests {
		if got := resolveReceiveIDType(id); got != want {
			t.Errorf("resolveReceiveIDType(%q) = %q, want %q", id, got, want)
		}
	}
}

func TestBaseChatID(t *testing.T) {
	if got := baseChatID("oc_abc:topic:om_root"); got != "oc_abc" {
		t.Errorf("baseChatID = %q, want oc_abc", got)
	}
	if got := baseChatID("oc_abc"); got != "oc_abc" {
		t.Errorf("baseChatID = %q, want oc_abc", got)
	}
}
