package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/glamour29/chat-app/internal/config"
	"github.com/glamour29/chat-app/internal/db"
	"github.com/glamour29/chat-app/internal/models"
	"github.com/glamour29/chat-app/internal/service"
	"github.com/glamour29/chat-app/internal/ws"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gdb, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Config{Port: "0", JWTSecret: "test-secret", Env: "dev", AccessTokenTTLMinutes: 15, RefreshTokenTTLDays: 7}
	return SetupRouter(cfg, gdb, ws.NewHub(), ws.NewPresence()), gdb
}

func doJSON(t *testing.T, r *gin.Engine, method, path, token string, body interface{}) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	resp := map[string]json.RawMessage{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response %s: %v", w.Body.String(), err)
		}
	}
	return w, resp
}

// registerAndLogin 注册一个用户并返回 access token。
func registerAndLogin(t *testing.T, r *gin.Engine, username string) string {
	t.Helper()
	creds := map[string]string{"username": username, "password": "password"}
	if w, _ := doJSON(t, r, http.MethodPost, "/api/v1/auth/register", "", creds); w.Code != http.StatusOK {
		t.Fatalf("register %s: %d %s", username, w.Code, w.Body.String())
	}
	w, resp := doJSON(t, r, http.MethodPost, "/api/v1/auth/login", "", creds)
	if w.Code != http.StatusOK {
		t.Fatalf("login %s: %d %s", username, w.Code, w.Body.String())
	}
	var token string
	if err := json.Unmarshal(resp["access_token"], &token); err != nil || token == "" {
		t.Fatalf("no access token in %s", w.Body.String())
	}
	return token
}

func TestHealthz(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	r, _ := newTestRouter(t)
	w, _ := doJSON(t, r, http.MethodGet, "/api/v1/rooms", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	w, _ = doJSON(t, r, http.MethodGet, "/api/v1/rooms", "not-a-jwt", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bogus token, got %d", w.Code)
	}
}

func TestWebSocketHandshakeRejectedWithoutToken(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/ws?token=garbage", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: %d, want 401", w.Code)
	}
}

func TestRegisterValidation(t *testing.T) {
	r, _ := newTestRouter(t)
	cases := []struct {
		name string
		body map[string]string
		want int
	}{
		{"short username", map[string]string{"username": "a", "password": "password"}, http.StatusBadRequest},
		{"short password", map[string]string{"username": "alice", "password": "abc"}, http.StatusBadRequest},
		{"empty", map[string]string{}, http.StatusBadRequest},
		{"ok", map[string]string{"username": "alice", "password": "password"}, http.StatusOK},
		{"duplicate", map[string]string{"username": "alice", "password": "password"}, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, _ := doJSON(t, r, http.MethodPost, "/api/v1/auth/register", "", tc.body)
			if w.Code != tc.want {
				t.Errorf("got %d, want %d: %s", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

func TestLoginWrongPassword(t *testing.T) {
	r, _ := newTestRouter(t)
	registerAndLogin(t, r, "alice")
	w, _ := doJSON(t, r, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": "alice", "password": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestFriendFlowAndPrivateRoom(t *testing.T) {
	r, _ := newTestRouter(t)
	alice := registerAndLogin(t, r, "alice")
	bob := registerAndLogin(t, r, "bob")

	// alice -> bob friend request.
	w, _ := doJSON(t, r, http.MethodPost, "/api/v1/friends/requests", alice, map[string]uint{"user_id": 2})
	if w.Code != http.StatusOK {
		t.Fatalf("send request: %d %s", w.Code, w.Body.String())
	}

	// bob sees the pending request.
	w, resp := doJSON(t, r, http.MethodGet, "/api/v1/friends/requests", bob, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pending: %d", w.Code)
	}
	var pending []map[string]interface{}
	if err := json.Unmarshal(resp["requests"], &pending); err != nil || len(pending) != 1 {
		t.Fatalf("pending = %s", resp["requests"])
	}

	// bob accepts, getting a shared private room.
	w, resp = doJSON(t, r, http.MethodPost, "/api/v1/friends/accept", bob, map[string]uint{"user_id": 1})
	if w.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", w.Code, w.Body.String())
	}
	var roomID uint
	if err := json.Unmarshal(resp["room_id"], &roomID); err != nil || roomID == 0 {
		t.Fatalf("room_id = %s", resp["room_id"])
	}

	// both ends list each other as friends.
	for _, token := range []string{alice, bob} {
		w, resp = doJSON(t, r, http.MethodGet, "/api/v1/friends", token, nil)
		var friends []map[string]interface{}
		if err := json.Unmarshal(resp["friends"], &friends); err != nil || len(friends) != 1 {
			t.Fatalf("friends = %s", resp["friends"])
		}
	}

	// private room lookup is idempotent and order independent.
	w, resp = doJSON(t, r, http.MethodPost, "/api/v1/rooms/private", alice, map[string]uint{"partner_id": 2})
	if w.Code != http.StatusOK {
		t.Fatalf("private room: %d", w.Code)
	}
	var room struct {
		ID uint `json:"id"`
	}
	if err := json.Unmarshal(resp["room"], &room); err != nil || room.ID != roomID {
		t.Fatalf("room = %s, want id %d", resp["room"], roomID)
	}
}

func TestRoomsAndMessagesEndpoints(t *testing.T) {
	r, _ := newTestRouter(t)
	alice := registerAndLogin(t, r, "alice")
	registerAndLogin(t, r, "bob")
	carol := registerAndLogin(t, r, "carol")

	w, resp := doJSON(t, r, http.MethodPost, "/api/v1/rooms/group", alice, map[string]interface{}{
		"name": "Team", "member_ids": []uint{2},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("create group: %d %s", w.Code, w.Body.String())
	}
	var room struct {
		ID      uint `json:"id"`
		IsGroup bool `json:"is_group"`
	}
	if err := json.Unmarshal(resp["room"], &room); err != nil || !room.IsGroup {
		t.Fatalf("room = %s", resp["room"])
	}

	// carol is not a member and may not read the log.
	path := fmt.Sprintf("/api/v1/rooms/%d/messages", room.ID)
	if w, _ := doJSON(t, r, http.MethodGet, path, carol, nil); w.Code != http.StatusForbidden {
		t.Fatalf("outsider read: %d, want 403", w.Code)
	}
	w, resp = doJSON(t, r, http.MethodGet, path, alice, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("member read: %d", w.Code)
	}
	var msgs []map[string]interface{}
	if err := json.Unmarshal(resp["messages"], &msgs); err != nil || len(msgs) != 0 {
		t.Fatalf("messages = %s", resp["messages"])
	}

	// pin the room, then it leads the inbox listing.
	flagPath := fmt.Sprintf("/api/v1/rooms/%d/flags", room.ID)
	if w, _ := doJSON(t, r, http.MethodPut, flagPath, alice, map[string]interface{}{"flag": "pinned", "value": true}); w.Code != http.StatusOK {
		t.Fatalf("set flag: %d", w.Code)
	}
	w, resp = doJSON(t, r, http.MethodGet, "/api/v1/rooms", alice, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list rooms: %d", w.Code)
	}
	var rooms []struct {
		ID     uint `json:"id"`
		Pinned bool `json:"pinned"`
	}
	if err := json.Unmarshal(resp["rooms"], &rooms); err != nil || len(rooms) != 1 || !rooms[0].Pinned {
		t.Fatalf("rooms = %s", resp["rooms"])
	}
}

func TestProfileAndSearch(t *testing.T) {
	r, _ := newTestRouter(t)
	alice := registerAndLogin(t, r, "alice")
	registerAndLogin(t, r, "bobby")

	w, resp := doJSON(t, r, http.MethodPut, "/api/v1/users/me", alice, map[string]string{"full_name": "Alice W"})
	if w.Code != http.StatusOK {
		t.Fatalf("update profile: %d %s", w.Code, w.Body.String())
	}
	var user struct {
		FullName string `json:"full_name"`
	}
	if err := json.Unmarshal(resp["user"], &user); err != nil || user.FullName != "Alice W" {
		t.Fatalf("user = %s", resp["user"])
	}

	w, resp = doJSON(t, r, http.MethodGet, "/api/v1/users/search?query=bob", alice, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("search: %d", w.Code)
	}
	var found []struct {
		Username string `json:"username"`
	}
	if err := json.Unmarshal(resp["users"], &found); err != nil || len(found) != 1 || found[0].Username != "bobby" {
		t.Fatalf("search result = %s", resp["users"])
	}
}

func TestPinnedAndSeenRequireMembership(t *testing.T) {
	r, gdb := newTestRouter(t)
	alice := registerAndLogin(t, r, "alice")
	bob := registerAndLogin(t, r, "bob")
	carol := registerAndLogin(t, r, "carol")

	w, resp := doJSON(t, r, http.MethodPost, "/api/v1/rooms/group", alice, map[string]interface{}{
		"name": "Team", "member_ids": []uint{2},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("create group: %d %s", w.Code, w.Body.String())
	}
	var room struct {
		ID uint `json:"id"`
	}
	if err := json.Unmarshal(resp["room"], &room); err != nil || room.ID == 0 {
		t.Fatalf("room = %s", resp["room"])
	}

	msgSvc := service.NewMessageService(gdb)
	msg, err := msgSvc.Append(room.ID, 1, "pinned note", "")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := msgSvc.SetPinned(msg.ID, true); err != nil {
		t.Fatalf("SetPinned: %v", err)
	}

	// Pinned content is members-only.
	pinnedPath := fmt.Sprintf("/api/v1/rooms/%d/messages/pinned", room.ID)
	if w, _ := doJSON(t, r, http.MethodGet, pinnedPath, carol, nil); w.Code != http.StatusForbidden {
		t.Fatalf("outsider pinned read: %d, want 403", w.Code)
	}
	w, resp = doJSON(t, r, http.MethodGet, pinnedPath, alice, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("member pinned read: %d", w.Code)
	}
	var msgs []map[string]interface{}
	if err := json.Unmarshal(resp["messages"], &msgs); err != nil || len(msgs) != 1 {
		t.Fatalf("pinned messages = %s", resp["messages"])
	}

	// Only a member may advance read state.
	seenPath := fmt.Sprintf("/api/v1/messages/%d/seen", msg.ID)
	if w, _ := doJSON(t, r, http.MethodPut, seenPath, carol, nil); w.Code != http.StatusForbidden {
		t.Fatalf("outsider mark seen: %d, want 403", w.Code)
	}
	got, err := msgSvc.Get(msg.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.MessageStatusSent {
		t.Fatalf("status after rejected mark = %q, want sent", got.Status)
	}
	if w, _ := doJSON(t, r, http.MethodPut, seenPath, bob, nil); w.Code != http.StatusOK {
		t.Fatalf("member mark seen: %d", w.Code)
	}
	got, err = msgSvc.Get(msg.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.MessageStatusSeen {
		t.Errorf("status = %q, want seen", got.Status)
	}
}
