package ws

import (
	"encoding/json"
	"errors"
	"fmt"
)

// 入站事件名，与移动端约定的协议保持一致。
const (
	EvtJoinRoom       = "join_room"
	EvtSendMessage    = "send_message"
	EvtTyping         = "typing"
	EvtStopTyping     = "stop_typing"
	EvtAddReaction    = "add_reaction"
	EvtRemoveReaction = "remove_reaction"
	EvtCreateGroup    = "create_group"
	EvtAddMember      = "add_member"
	EvtKickMember     = "kick_member"
	EvtLeaveRoom      = "leave_room"
	EvtRenameGroup    = "rename_group"
	EvtTransferAdmin  = "transfer_admin"
	EvtSyncMessages   = "sync_messages"
	EvtPinRoom        = "pin_room"
	EvtMuteRoom       = "mute_room"
	EvtArchiveRoom    = "archive_room"
)

// 出站事件名，统一携带服务端分配的 ID 与时间戳。
const (
	EvtJoinedRoom        = "joined_room"
	EvtReceiveMessage    = "receive_message"
	EvtUserTyping        = "user_typing"
	EvtUserStoppedTyping = "user_stopped_typing"
	EvtReactionUpdated   = "reaction_updated"
	EvtRoomUpdated       = "room_updated"
	EvtRoomRemoved       = "room_removed"
	EvtMessageHistory    = "message_history"
	EvtUserOnline        = "user_online"
	EvtUserOffline       = "user_offline"
	EvtNewFriendRequest  = "new_friend_request"
	EvtError             = "error"
)

var ErrUnknownEvent = errors.New("unknown event")

// envelope 是连接边界上唯一的动态结构，之后全部走具体类型。
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// 入站事件的具体载荷。字段为 0 值时由各处理分支自行判定是否合法。
type (
	JoinRoom struct {
		RoomID uint `json:"room_id"`
	}
	Typing struct {
		RoomID uint `json:"room_id"`
	}
	StopTyping struct {
		RoomID uint `json:"room_id"`
	}
	LeaveRoom struct {
		RoomID uint `json:"room_id"`
	}
	SendMessage struct {
		RoomID  uint   `json:"room_id"`
		Content string `json:"content"`
		Type    string `json:"type"`
	}
	AddReaction struct {
		MessageID uint   `json:"message_id"`
		Emoji     string `json:"emoji"`
	}
	RemoveReaction struct {
		MessageID uint   `json:"message_id"`
		Emoji     string `json:"emoji"`
	}
	CreateGroup struct {
		Name      string `json:"name"`
		MemberIDs []uint `json:"member_ids"`
	}
	AddMember struct {
		RoomID uint `json:"room_id"`
		UserID uint `json:"user_id"`
	}
	KickMember struct {
		RoomID uint `json:"room_id"`
		UserID uint `json:"user_id"`
	}
	RenameGroup struct {
		RoomID uint   `json:"room_id"`
		Name   string `json:"name"`
	}
	TransferAdmin struct {
		RoomID     uint `json:"room_id"`
		NewAdminID uint `json:"new_admin_id"`
	}
	SyncMessages struct {
		RoomID uint `json:"room_id"`
		Limit  int  `json:"limit"`
		Offset int  `json:"offset"`
	}
	RoomFlag struct {
		RoomID uint `json:"room_id"`
		Value  bool `json:"value"`
	}
)

// DecodeEvent 在连接边界把原始帧解码为带类型的事件载荷，
// 会话层只和具体类型打交道。
func DecodeEvent(raw []byte) (string, interface{}, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("decode envelope: %w", err)
	}
	var payload interface{}
	switch env.Event {
	case EvtJoinRoom:
		payload = &JoinRoom{}
	case EvtSendMessage:
		payload = &SendMessage{}
	case EvtTyping:
		payload = &Typing{}
	case EvtStopTyping:
		payload = &StopTyping{}
	case EvtAddReaction:
		payload = &AddReaction{}
	case EvtRemoveReaction:
		payload = &RemoveReaction{}
	case EvtCreateGroup:
		payload = &CreateGroup{}
	case EvtAddMember:
		payload = &AddMember{}
	case EvtKickMember:
		payload = &KickMember{}
	case EvtLeaveRoom:
		payload = &LeaveRoom{}
	case EvtRenameGroup:
		payload = &RenameGroup{}
	case EvtTransferAdmin:
		payload = &TransferAdmin{}
	case EvtSyncMessages:
		payload = &SyncMessages{}
	case EvtPinRoom, EvtMuteRoom, EvtArchiveRoom:
		payload = &RoomFlag{}
	default:
		return env.Event, nil, ErrUnknownEvent
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, payload); err != nil {
			return env.Event, nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
	}
	return env.Event, payload, nil
}

// Outbound 是出站事件的统一信封。
type Outbound struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Encode 把出站事件编码为一帧，编码失败属于编程错误，返回空帧由调用方丢弃。
func Encode(event string, data interface{}) []byte {
	b, err := json.Marshal(Outbound{Event: event, Data: data})
	if err != nil {
		return nil
	}
	return b
}
