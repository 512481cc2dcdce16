package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/taskpilot/taskpilot/internal/agent"
	"github.com/taskpilot/taskpilot/internal/auth"
	"github.com/taskpilot/taskpilot/internal/history"
	"github.com/taskpilot/taskpilot/internal/llm"
	"github.com/taskpilot/taskpilot/internal/store"
	"github.com/taskpilot/taskpilot/internal/tools"
)

// echoClient replies with fixed text and never requests tools.
type echoClient struct{ reply string }

func (c *echoClient) Chat(ctx context.Context, messages []llm.Message, specs []llm.ToolSpec) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{
		Message:      llm.Message{Role: llm.RoleAssistant, Content: c.reply},
		FinishReason: "stop",
	}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *store.Store, *auth.Guard) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	guard := auth.NewGuard("test-secret")
	registry := tools.NewRegistry(st, guard, logger)
	loader := history.NewLoader(st, 20, 8000, logger)
	loop := agent.NewLoop(st, loader, registry, &echoClient{reply: "hello there"}, guard, agent.Limits{
		MaxToolRounds: 3,
		ModelTimeout:  time.Second,
		ToolTokenTTL:  time.Minute,
	}, logger)

	srv := NewServer("", 0, loop, st, guard, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st, guard
}

func doRequest(t *testing.T, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return resp, raw
}

func devToken(userID uuid.UUID) string {
	return "user_id:" + userID.String()
}

func TestChatRoundTrip(t *testing.T) {
	ts, st, _ := newTestServer(t)
	userID := uuid.New()

	resp, raw := doRequest(t, "POST",
		fmt.Sprintf("%s/v1/users/%s/chat", ts.URL, userID),
		devToken(userID),
		ChatRequest{Message: "hi"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}

	var out ChatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Response != "hello there" {
		t.Errorf("response = %q", out.Response)
	}
	if out.ConversationID == 0 {
		t.Fatal("no conversation id returned")
	}

	msgs, err := st.ListMessages(out.ConversationID, userID, 0, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("persisted %d messages, want 2", len(msgs))
	}
}

func TestChatAuthFailures(t *testing.T) {
	ts, _, guard := newTestServer(t)
	userID := uuid.New()
	other := uuid.New()

	otherToken, err := guard.MintToken(other, time.Minute)
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}

	url := fmt.Sprintf("%s/v1/users/%s/chat", ts.URL, userID)

	cases := []struct {
		name  string
		token string
		want  int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"garbage token", "nonsense", http.StatusUnauthorized},
		{"someone else's token", otherToken, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := doRequest(t, "POST", url, tc.token, ChatRequest{Message: "hi"})
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestChatValidation(t *testing.T) {
	ts, _, _ := newTestServer(t)
	userID := uuid.New()
	url := fmt.Sprintf("%s/v1/users/%s/chat", ts.URL, userID)

	resp, _ := doRequest(t, "POST", url, devToken(userID), ChatRequest{Message: "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank message: status = %d, want 400", resp.StatusCode)
	}

	resp, _ = doRequest(t, "POST",
		fmt.Sprintf("%s/v1/users/not-a-uuid/chat", ts.URL), devToken(userID), ChatRequest{Message: "hi"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad user id: status = %d, want 400", resp.StatusCode)
	}
}

func TestChatForeignConversation(t *testing.T) {
	ts, st, _ := newTestServer(t)
	owner := uuid.New()
	intruder := uuid.New()

	conv, _ := st.CreateConversation(owner, "private")

	resp, _ := doRequest(t, "POST",
		fmt.Sprintf("%s/v1/users/%s/chat", ts.URL, intruder),
		devToken(intruder),
		ChatRequest{Message: "hi", ConversationID: conv.ID})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestConversationListAndMessages(t *testing.T) {
	ts, _, _ := newTestServer(t)
	userID := uuid.New()

	// Create a conversation via chat.
	_, raw := doRequest(t, "POST",
		fmt.Sprintf("%s/v1/users/%s/chat", ts.URL, userID),
		devToken(userID),
		ChatRequest{Message: "remember the milk"})
	var chat ChatResponse
	json.Unmarshal(raw, &chat)

	resp, raw := doRequest(t, "GET",
		fmt.Sprintf("%s/v1/users/%s/conversations", ts.URL, userID),
		devToken(userID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var listing struct {
		Count         int                         `json:"count"`
		Conversations []store.ConversationSummary `json:"conversations"`
	}
	if err := json.Unmarshal(raw, &listing); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if listing.Count != 1 || listing.Conversations[0].Title != "remember the milk" {
		t.Errorf("listing = %+v", listing)
	}

	resp, raw = doRequest(t, "GET",
		fmt.Sprintf("%s/v1/users/%s/conversations/%d/messages", ts.URL, userID, chat.ConversationID),
		devToken(userID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("messages status = %d", resp.StatusCode)
	}
	var msgs struct {
		Count int `json:"count"`
	}
	json.Unmarshal(raw, &msgs)
	if msgs.Count != 2 {
		t.Errorf("message count = %d, want 2", msgs.Count)
	}

	// Another user cannot read them.
	stranger := uuid.New()
	resp, _ = doRequest(t, "GET",
		fmt.Sprintf("%s/v1/users/%s/conversations/%d/messages", ts.URL, stranger, chat.ConversationID),
		devToken(stranger), nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("stranger status = %d, want 403", resp.StatusCode)
	}
}

func TestConversationDelete(t *testing.T) {
	ts, st, _ := newTestServer(t)
	userID := uuid.New()

	conv, _ := st.CreateConversation(userID, "to delete")
	url := fmt.Sprintf("%s/v1/users/%s/conversations/%d", ts.URL, userID, conv.ID)

	resp, _ := doRequest(t, "DELETE", url, devToken(userID), nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}

	resp, _ = doRequest(t, "DELETE", url, devToken(userID), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestHealthAndVersion(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, raw := doRequest(t, "GET", ts.URL+"/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
	var health map[string]string
	json.Unmarshal(raw, &health)
	if health["status"] != "healthy" {
		t.Errorf("health = %v", health)
	}

	resp, raw = doRequest(t, "GET", ts.URL+"/v1/version", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("version status = %d", resp.StatusCode)
	}
	var version map[string]string
	json.Unmarshal(raw, &version)
	if version["version"] == "" {
		t.Errorf("version payload = %v", version)
	}
}
