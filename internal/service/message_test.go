package service

import (
	"errors"
	"fmt"
	"testing"

	"github.com/glamour29/chat-app/internal/models"
)

func seedPrivateRoom(t *testing.T, svc *RoomService, a, b uint) uint {
	t.Helper()
	room, err := svc.CreateOrGetPrivateRoom(a, b)
	if err != nil {
		t.Fatalf("CreateOrGetPrivateRoom() error = %v", err)
	}
	return room.ID
}

func TestAppend(t *testing.T) {
	gdb := newTestDB(t)
	ids := seedUsers(t, gdb, 2)
	roomID := seedPrivateRoom(t, NewRoomService(gdb), ids[0], ids[1])
	svc := NewMessageService(gdb)

	msg, err := svc.Append(roomID, ids[0], "hi", "")
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if msg.ID == 0 {
		t.Error("Append() did not assign an id")
	}
	if msg.CreatedAt.IsZero() {
		t.Error("Append() did not assign a timestamp")
	}
	if msg.Type != models.MessageTypeText {
		t.Errorf("Append() type = %q, want TEXT default", msg.Type)
	}
	if msg.Status != models.MessageStatusSent {
		t.Errorf("Append() status = %q, want sent", msg.Status)
	}
	if msg.Sender != "user1" {
		t.Errorf("Append() sender = %q, want user1", msg.Sender)
	}
}

func TestAppend_Invalid(t *testing.T) {
	gdb := newTestDB(t)
	ids := seedUsers(t, gdb, 2)
	roomID := seedPrivateRoom(t, NewRoomService(gdb), ids[0], ids[1])
	svc := NewMessageService(gdb)

	if _, err := svc.Append(roomID, ids[0], "   ", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("Append(blank content) error = %v, want ErrValidation", err)
	}
	if _, err := svc.Append(roomID, ids[0], "hi", "GIF"); !errors.Is(err, ErrValidation) {
		t.Errorf("Append(unknown type) error = %v, want ErrValidation", err)
	}
}

func TestListByRoom_OrderedExactlyOnce(t *testing.T) {
	gdb := newTestDB(t)
	ids := seedUsers(t, gdb, 2)
	roomID := seedPrivateRoom(t, NewRoomService(gdb), ids[0], ids[1])
	svc := NewMessageService(gdb)

	var appended []uint
	for i := 0; i < 5; i++ {
		msg, err := svc.Append(roomID, ids[i%2], fmt.Sprintf("msg-%d", i), "")
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		appended = append(appended, msg.ID)
	}

	msgs, err := svc.ListByRoom(roomID, 0, 0)
	if err != nil {
		t.Fatalf("ListByRoom() error = %v", err)
	}
	if len(msgs) != len(appended) {
		t.Fatalf("ListByRoom() length = %d, want %d", len(msgs), len(appended))
	}
	seen := map[uint]int{}
	for i, m := range msgs {
		seen[m.ID]++
		if i > 0 && msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Errorf("ListByRoom() not non-decreasing at index %d", i)
		}
	}
	for _, id := range appended {
		if seen[id] != 1 {
			t.Errorf("message %d returned %d times, want exactly once", id, seen[id])
		}
	}
}

func TestListByRoom_Paging(t *testing.T) {
	gdb := newTestDB(t)
	ids := seedUsers(t, gdb, 2)
	roomID := seedPrivateRoom(t, NewRoomService(gdb), ids[0], ids[1])
	svc := NewMessageService(gdb)

	for i := 0; i < 5; i++ {
		if _, err := svc.Append(roomID, ids[0], fmt.Sprintf("msg-%d", i), ""); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	page, err := svc.ListByRoom(roomID, 2, 2)
	if err != nil {
		t.Fatalf("ListByRoom() error = %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page length = %d, want 2", len(page))
	}
	if page[0].Content != "msg-2" || page[1].Content != "msg-3" {
		t.Errorf("page = [%q %q], want [msg-2 msg-3]", page[0].Content, page[1].Content)
	}
}

func TestReactions_Invariant(t *testing.T) {
	gdb := newTestDB(t)
	ids := seedUsers(t, gdb, 3)
	roomID := seedPrivateRoom(t, NewRoomService(gdb), ids[0], ids[1])
	svc := NewMessageService(gdb)

	msg, err := svc.Append(roomID, ids[0], "hi", "")
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	// Add twice for the same user+emoji: idempotent.
	if err := svc.AddReaction(msg.ID, "👍", ids[1]); err != nil {
		t.Fatalf("AddReaction() error = %v", err)
	}
	if err := svc.AddReaction(msg.ID, "👍", ids[1]); err != nil {
		t.Fatalf("AddReaction() repeat error = %v", err)
	}
	if err := svc.AddReaction(msg.ID, "👍", ids[2]); err != nil {
		t.Fatalf("AddReaction() second user error = %v", err)
	}
	if err := svc.AddReaction(msg.ID, "🎉", ids[2]); err != nil {
		t.Fatalf("AddReaction() second emoji error = %v", err)
	}

	checkInvariant := func() []ReactionDTO {
		t.Helper()
		reactions, err := svc.Reactions(msg.ID)
		if err != nil {
			t.Fatalf("Reactions() error = %v", err)
		}
		for _, r := range reactions {
			if r.Count != len(r.UserIDs) {
				t.Errorf("reaction %q count = %d, userIDs = %d", r.Emoji, r.Count, len(r.UserIDs))
			}
			if len(r.UserIDs) == 0 {
				t.Errorf("reaction %q has empty userIDs set", r.Emoji)
			}
		}
		return reactions
	}

	reactions := checkInvariant()
	if len(reactions) != 2 {
		t.Fatalf("reaction entries = %d, want 2", len(reactions))
	}
	if reactions[0].Emoji != "👍" || reactions[0].Count != 2 {
		t.Errorf("first entry = (%q, %d), want (👍, 2)", reactions[0].Emoji, reactions[0].Count)
	}

	// Removing the last reactor deletes the entry entirely.
	if err := svc.RemoveReaction(msg.ID, "🎉", ids[2]); err != nil {
		t.Fatalf("RemoveReaction() error = %v", err)
	}
	// Removing again is an idempotent no-op.
	if err := svc.RemoveReaction(msg.ID, "🎉", ids[2]); err != nil {
		t.Fatalf("RemoveReaction() repeat error = %v", err)
	}
	reactions = checkInvariant()
	if len(reactions) != 1 {
		t.Errorf("reaction entries after removal = %d, want 1", len(reactions))
	}
}

func TestReactions_UnknownMessage(t *testing.T) {
	gdb := newTestDB(t)
	ids := seedUsers(t, gdb, 1)
	svc := NewMessageService(gdb)

	if err := svc.AddReaction(9999, "👍", ids[0]); !errors.Is(err, ErrNotFound) {
		t.Errorf("AddReaction(unknown message) error = %v, want ErrNotFound", err)
	}
}

func TestMarkSeen_OneWayIdempotent(t *testing.T) {
	gdb := newTestDB(t)
	ids := seedUsers(t, gdb, 2)
	roomID := seedPrivateRoom(t, NewRoomService(gdb), ids[0], ids[1])
	svc := NewMessageService(gdb)

	msg, err := svc.Append(roomID, ids[0], "hi", "")
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := svc.MarkSeen(msg.ID); err != nil {
		t.Fatalf("MarkSeen() error = %v", err)
	}
	if err := svc.MarkSeen(msg.ID); err != nil {
		t.Fatalf("MarkSeen() repeat error = %v", err)
	}
	got, err := svc.Get(msg.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != models.MessageStatusSeen {
		t.Errorf("status = %q, want seen", got.Status)
	}
	// delivered after seen must not regress the status.
	if err := svc.MarkDelivered(msg.ID); err != nil {
		t.Fatalf("MarkDelivered() error = %v", err)
	}
	got, err = svc.Get(msg.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != models.MessageStatusSeen {
		t.Errorf("status after late MarkDelivered = %q, want seen", got.Status)
	}
}

func TestSetPinned(t *testing.T) {
	gdb := newTestDB(t)
	ids := seedUsers(t, gdb, 2)
	roomID := seedPrivateRoom(t, NewRoomService(gdb), ids[0], ids[1])
	svc := NewMessageService(gdb)

	first, err := svc.Append(roomID, ids[0], "pin me", "")
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := svc.Append(roomID, ids[1], "plain", ""); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := svc.SetPinned(first.ID, true); err != nil {
		t.Fatalf("SetPinned() error = %v", err)
	}
	pinned, err := svc.PinnedByRoom(roomID)
	if err != nil {
		t.Fatalf("PinnedByRoom() error = %v", err)
	}
	if len(pinned) != 1 || pinned[0].ID != first.ID {
		t.Errorf("PinnedByRoom() = %d entries, want the pinned message only", len(pinned))
	}
	if err := svc.SetPinned(9999, true); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetPinned(unknown message) error = %v, want ErrNotFound", err)
	}
}
