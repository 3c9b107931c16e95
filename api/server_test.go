package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"convsync/chat"
	"convsync/metrics"
	"convsync/models"
	"convsync/presence"
	"convsync/storage"
)

type testAPI struct {
	router  http.Handler
	store   *storage.Store
	tracker *presence.Tracker
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	var mu sync.Mutex
	current := time.UnixMilli(1_700_000_000_000)
	store.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Millisecond)
		return current
	})

	messages := chat.NewMessageService(store, chat.Options{})
	conversations := chat.NewConversationService(store, messages, chat.Options{})
	tracker := presence.NewTracker(presence.NewMemoryBackend(), presence.Config{})

	router := NewRouter(Dependencies{
		Conversations: conversations,
		Messages:      messages,
		Presence:      tracker,
		Users:         store,
		Health:        store.Ping,
		Metrics:       metrics.New(),
	})
	return &testAPI{router: router, store: store, tracker: tracker}
}

func (a *testAPI) do(t *testing.T, userID int64, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID > 0 {
		req.Header.Set(HeaderUserID, fmt.Sprint(userID))
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestConversationLifecycleOverHTTP(t *testing.T) {
	a := newTestAPI(t)
	if rec := a.do(t, 2, http.MethodPut, "/api/v1/users/2", UserRequest{DisplayName: "Grace"}); rec.Code != http.StatusOK {
		t.Fatalf("upsert user: %d %s", rec.Code, rec.Body)
	}

	rec := a.do(t, 1, http.MethodPost, "/api/v1/conversations", CreateConversationRequest{
		ParticipantIDs: []int64{2},
		InitialMessage: &MessageRequest{Content: "hi"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", rec.Code, rec.Body)
	}
	created := decode[CreateConversationResponse](t, rec)
	if created.Existing || created.InitialMessage == nil || created.InitialMessage.ID != 1 {
		t.Fatalf("unexpected create response: %+v", created)
	}
	if created.Conversation.DisplayName != "Grace" {
		t.Fatalf("expected display name Grace, got %q", created.Conversation.DisplayName)
	}
	convPath := fmt.Sprintf("/api/v1/conversations/%d", created.Conversation.ID)

	again := a.do(t, 2, http.MethodPost, "/api/v1/conversations", CreateConversationRequest{ParticipantIDs: []int64{1}})
	if again.Code != http.StatusOK || !decode[CreateConversationResponse](t, again).Existing {
		t.Fatalf("expected existing conversation with 200, got %d %s", again.Code, again.Body)
	}

	list := decode[struct {
		Conversations []ConversationView `json:"conversations"`
	}](t, a.do(t, 2, http.MethodGet, "/api/v1/conversations", nil))
	if len(list.Conversations) != 1 || list.Conversations[0].UnreadCount != 1 {
		t.Fatalf("unexpected list for user 2: %+v", list.Conversations)
	}

	read := a.do(t, 2, http.MethodPost, convPath+"/read", nil)
	if read.Code != http.StatusOK || decode[models.ReadState](t, read).UnreadCount != 0 {
		t.Fatalf("mark read failed: %d %s", read.Code, read.Body)
	}

	sent := a.do(t, 2, http.MethodPost, convPath+"/messages", MessageRequest{Content: "hello", ClientKey: "k1"})
	if sent.Code != http.StatusCreated || decode[models.Message](t, sent).ID != 2 {
		t.Fatalf("send failed: %d %s", sent.Code, sent.Body)
	}

	page := decode[models.MessagePage](t, a.do(t, 1, http.MethodGet, convPath+"/messages?after=1", nil))
	if len(page.Messages) != 1 || page.Messages[0].Content != "hello" {
		t.Fatalf("unexpected page: %+v", page)
	}

	edited := a.do(t, 2, http.MethodPatch, convPath+"/messages/2", EditMessageRequest{Content: "hello there"})
	if edited.Code != http.StatusOK || decode[models.Message](t, edited).EditedAt == nil {
		t.Fatalf("edit failed: %d %s", edited.Code, edited.Body)
	}
	if rec := a.do(t, 2, http.MethodDelete, convPath+"/messages/2", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete failed: %d %s", rec.Code, rec.Body)
	}

	added := a.do(t, 1, http.MethodPost, convPath+"/participants", AddParticipantsRequest{UserIDs: []int64{3}})
	if added.Code != http.StatusOK {
		t.Fatalf("add participants failed: %d %s", added.Code, added.Body)
	}
	if res := decode[AddParticipantsResponse](t, added); !res.Conversation.IsGroup || len(res.Added) != 1 {
		t.Fatalf("unexpected add response: %+v", res)
	}
}

func TestNotAvailableResponsesAreIdentical(t *testing.T) {
	a := newTestAPI(t)
	created := decode[CreateConversationResponse](t, a.do(t, 1, http.MethodPost, "/api/v1/conversations", CreateConversationRequest{ParticipantIDs: []int64{2}}))
	convPath := fmt.Sprintf("/api/v1/conversations/%d", created.Conversation.ID)

	forbidden := a.do(t, 9, http.MethodGet, convPath, nil)
	missing := a.do(t, 1, http.MethodGet, "/api/v1/conversations/999", nil)
	if forbidden.Code != http.StatusNotFound || missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for both, got %d and %d", forbidden.Code, missing.Code)
	}
	if forbidden.Body.String() != missing.Body.String() {
		t.Fatalf("bodies differ: %s vs %s", forbidden.Body, missing.Body)
	}
	if strings.Contains(forbidden.Body.String(), "999") {
		t.Fatalf("error body must not echo ids")
	}
}

func TestRequestValidation(t *testing.T) {
	a := newTestAPI(t)
	created := decode[CreateConversationResponse](t, a.do(t, 1, http.MethodPost, "/api/v1/conversations", CreateConversationRequest{ParticipantIDs: []int64{2}}))
	convPath := fmt.Sprintf("/api/v1/conversations/%d", created.Conversation.ID)

	tests := []struct {
		name   string
		user   int64
		method string
		path   string
		body   any
		want   int
	}{
		{name: "no identity", user: 0, method: http.MethodGet, path: "/api/v1/conversations", want: http.StatusUnauthorized},
		{name: "bad id", user: 1, method: http.MethodGet, path: "/api/v1/conversations/abc", want: http.StatusBadRequest},
		{name: "both cursors", user: 1, method: http.MethodGet, path: convPath + "/messages?before=5&after=1", want: http.StatusBadRequest},
		{name: "non numeric cursor", user: 1, method: http.MethodGet, path: convPath + "/messages?before=x", want: http.StatusBadRequest},
		{name: "empty message", user: 1, method: http.MethodPost, path: convPath + "/messages", body: MessageRequest{Content: "  "}, want: http.StatusBadRequest},
		{name: "self conversation", user: 1, method: http.MethodPost, path: "/api/v1/conversations", body: CreateConversationRequest{ParticipantIDs: []int64{1}}, want: http.StatusBadRequest},
		{name: "other user's profile", user: 1, method: http.MethodPut, path: "/api/v1/users/2", body: UserRequest{DisplayName: "x"}, want: http.StatusForbidden},
		{name: "bad presence ids", user: 1, method: http.MethodGet, path: "/api/v1/presence?ids=1,x", want: http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := a.do(t, tc.user, tc.method, tc.path, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d %s", tc.want, rec.Code, rec.Body)
			}
		})
	}
}

func TestRequestsCountAsPresence(t *testing.T) {
	a := newTestAPI(t)

	if rec := a.do(t, 5, http.MethodGet, "/api/v1/conversations", nil); rec.Code != http.StatusOK {
		t.Fatalf("list failed: %d", rec.Code)
	}

	rec := a.do(t, 6, http.MethodGet, "/api/v1/presence?ids=5,7", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("presence failed: %d %s", rec.Code, rec.Body)
	}
	got := decode[struct {
		Presence []models.Presence `json:"presence"`
	}](t, rec)
	if len(got.Presence) != 2 || got.Presence[0].UserID != 5 || !got.Presence[0].IsOnline || got.Presence[1].IsOnline {
		t.Fatalf("unexpected presence: %+v", got.Presence)
	}
}

type unreachableBackend struct{}

func (unreachableBackend) Touch(context.Context, int64, time.Time) error {
	return errors.New("dial tcp 10.0.0.7:6379: connect: connection refused")
}

func (unreachableBackend) LastSeen(context.Context, []int64) (map[int64]time.Time, error) {
	return nil, errors.New("dial tcp 10.0.0.7:6379: connect: connection refused")
}

func TestPresenceBackendOutageIsRetryable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := NewRouter(Dependencies{
		Presence: presence.NewTracker(unreachableBackend{}, presence.Config{}),
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/presence?ids=1,2", nil)
	req.Header.Set(HeaderUserID, "1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d %s", rec.Code, rec.Body)
	}
	body := decode[map[string]any](t, rec)
	if body["retryable"] != true {
		t.Fatalf("expected a retryable body, got %v", body)
	}
	if strings.Contains(rec.Body.String(), "10.0.0.7") {
		t.Fatalf("backend details must not leak: %s", rec.Body)
	}
}

func TestInvalidInputBodyCarriesOnlyTheReason(t *testing.T) {
	a := newTestAPI(t)
	created := decode[CreateConversationResponse](t, a.do(t, 1, http.MethodPost, "/api/v1/conversations", CreateConversationRequest{
		ParticipantIDs: []int64{2},
		InitialMessage: &MessageRequest{Content: "hi"},
	}))
	msgPath := fmt.Sprintf("/api/v1/conversations/%d/messages/1", created.Conversation.ID)
	if rec := a.do(t, 1, http.MethodDelete, msgPath, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete failed: %d %s", rec.Code, rec.Body)
	}

	rec := a.do(t, 1, http.MethodPatch, msgPath, EditMessageRequest{Content: "edited"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 editing a deleted message, got %d %s", rec.Code, rec.Body)
	}
	if got := decode[map[string]string](t, rec)["error"]; got != "message is deleted" {
		t.Fatalf("unexpected error body %q", got)
	}

	rec = a.do(t, 1, http.MethodPost, "/api/v1/conversations", CreateConversationRequest{ParticipantIDs: []int64{1}})
	if got := decode[map[string]string](t, rec)["error"]; strings.Contains(got, "chat:") || got == "" {
		t.Fatalf("unexpected error body %q", got)
	}
}

func TestSearchUsersAndHealth(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	for id, name := range map[int64]string{1: "Ada Lovelace", 2: "Alan Turing", 3: "Grace Hopper"} {
		if err := a.store.UpsertUser(ctx, storage.User{ID: id, DisplayName: name}); err != nil {
			t.Fatalf("UpsertUser failed: %v", err)
		}
	}

	got := decode[struct {
		Users []models.User `json:"users"`
	}](t, a.do(t, 1, http.MethodGet, "/api/v1/users?q=a", nil))
	if len(got.Users) != 2 {
		t.Fatalf("expected 2 users matching 'a', got %+v", got.Users)
	}

	if rec := a.do(t, 0, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	metricsRec := a.do(t, 0, http.MethodGet, "/metrics", nil)
	if metricsRec.Code != http.StatusOK || !strings.Contains(metricsRec.Body.String(), "convsync_http_requests_total") {
		t.Fatalf("metrics endpoint missing request counter")
	}
}

func TestListenAndShutdown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv, err := Listen("127.0.0.1:0", NewRouter(Dependencies{}))
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	if srv.Port() == 0 {
		t.Fatalf("expected a bound port")
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", srv.Addr()))
	if err != nil {
		t.Fatalf("GET healthz failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if _, open := <-srv.Errors(); open {
		t.Fatalf("errors channel should be closed after shutdown")
	}
}
