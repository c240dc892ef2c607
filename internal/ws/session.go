package ws

import (
	"errors"

	"github.com/glamour29/chat-app/internal/metrics"
	"github.com/glamour29/chat-app/internal/models"
	"github.com/glamour29/chat-app/internal/service"
	"github.com/rs/zerolog/log"
)

// Session 是每条连接的协议处理器：分发入站事件、协调存储层并驱动广播。
// 所有业务错误都被拦在这里并以 error 事件发回给出错的连接本身，
// 绝不影响其他连接。
type Session struct {
	hub      *Hub
	presence *Presence
	users    *service.UserService
	rooms    *service.RoomService
	messages *service.MessageService
}

func NewSession(hub *Hub, presence *Presence, users *service.UserService, rooms *service.RoomService, messages *service.MessageService) *Session {
	return &Session{hub: hub, presence: presence, users: users, rooms: rooms, messages: messages}
}

// presenceData 是全局上下线广播的载荷。
type presenceData struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

// HandleConnect 在认证通过后登记在线状态并全局广播上线事件。
// 同一用户的旧连接被顶掉并关闭（单会话策略）。
func (s *Session) HandleConnect(c *Client) {
	if prev := s.presence.SetOnline(c.user.ID, c); prev != nil {
		prev.closeConn()
	}
	if err := s.users.SetOnline(c.user.ID, true); err != nil {
		log.Error().Err(err).Uint("user_id", c.user.ID).Msg("set online flag")
	}
	s.presence.Broadcast(Encode(EvtUserOnline, presenceData{UserID: c.user.ID, Username: c.user.Username, Online: true}))
	log.Info().Uint("user_id", c.user.ID).Str("username", c.user.Username).Msg("ws connected")
}

// HandleDisconnect 清理订阅与在线状态。只有当本连接仍是登记的权威连接时
// 才广播下线，迟到的断开不会打翻新会话。
func (s *Session) HandleDisconnect(c *Client) {
	c.leaveAll()
	if !s.presence.SetOffline(c.user.ID, c) {
		return
	}
	if err := s.users.SetOnline(c.user.ID, false); err != nil {
		log.Error().Err(err).Uint("user_id", c.user.ID).Msg("clear online flag")
	}
	s.presence.Broadcast(Encode(EvtUserOffline, presenceData{UserID: c.user.ID, Username: c.user.Username, Online: false}))
	log.Info().Uint("user_id", c.user.ID).Msg("ws disconnected")
}

// HandleEvent 解码并分发一条入站事件。畸形载荷记日志后丢弃，不中断连接。
func (s *Session) HandleEvent(c *Client, raw []byte) {
	event, payload, err := DecodeEvent(raw)
	if err != nil {
		log.Debug().Err(err).Uint("user_id", c.user.ID).Str("event", event).Msg("drop malformed event")
		return
	}
	metrics.WsEventsTotal.WithLabelValues(event).Inc()

	switch p := payload.(type) {
	case *JoinRoom:
		s.handleJoinRoom(c, p)
	case *SendMessage:
		s.handleSendMessage(c, p)
	case *Typing:
		s.handleTyping(c, p.RoomID, true)
	case *StopTyping:
		s.handleTyping(c, p.RoomID, false)
	case *AddReaction:
		s.handleReaction(c, p.MessageID, p.Emoji, true)
	case *RemoveReaction:
		s.handleReaction(c, p.MessageID, p.Emoji, false)
	case *CreateGroup:
		s.handleCreateGroup(c, p)
	case *AddMember:
		s.handleAddMember(c, p)
	case *KickMember:
		s.handleKickMember(c, p)
	case *LeaveRoom:
		s.handleLeaveRoom(c, p)
	case *RenameGroup:
		s.handleRenameGroup(c, p)
	case *TransferAdmin:
		s.handleTransferAdmin(c, p)
	case *SyncMessages:
		s.handleSyncMessages(c, p)
	case *RoomFlag:
		s.handleRoomFlag(c, event, p)
	}
}

// handleJoinRoom 校验成员资格后把连接订阅进房间的广播组。
// 非成员不允许旁观。
func (s *Session) handleJoinRoom(c *Client, p *JoinRoom) {
	ok, err := s.rooms.IsMember(p.RoomID, c.user.ID)
	if err != nil {
		s.fail(c, "join room", err)
		return
	}
	if !ok {
		s.fail(c, "join room", service.ErrNotMember)
		return
	}
	c.joinRoom(s.hub.GetRoom(p.RoomID))
	c.enqueue(Encode(EvtJoinedRoom, map[string]interface{}{"room_id": p.RoomID}))
}

// handleSendMessage 依次执行：持久化 → 更新房间摘要 → 向全房间广播
// 服务端权威数据。回显也发给发送者本人，客户端以此为唯一渲染依据。
func (s *Session) handleSendMessage(c *Client, p *SendMessage) {
	ok, err := s.rooms.IsMember(p.RoomID, c.user.ID)
	if err != nil {
		s.fail(c, "send message", err)
		return
	}
	if !ok {
		s.fail(c, "send message", service.ErrNotMember)
		return
	}
	msg, err := s.messages.Append(p.RoomID, c.user.ID, p.Content, p.Type)
	if err != nil {
		s.fail(c, "send message", err)
		return
	}
	summary := msg.Content
	if msg.Type == models.MessageTypeImage {
		summary = "📷 Image"
	}
	if err := s.rooms.UpdateLastMessage(p.RoomID, summary, c.user.ID, msg.CreatedAt); err != nil {
		log.Error().Err(err).Uint("room_id", p.RoomID).Msg("update last message")
	}
	metrics.WsMessagesTotal.Inc()
	s.hub.BroadcastToRoom(p.RoomID, Encode(EvtReceiveMessage, msg))
	// 发消息隐含结束输入状态，无需客户端显式 stop_typing。
	s.hub.BroadcastToRoomExcept(p.RoomID, Encode(EvtUserStoppedTyping, typingData{RoomID: p.RoomID, UserID: c.user.ID}), c)
}

type typingData struct {
	RoomID uint `json:"room_id"`
	UserID uint `json:"user_id"`
}

// handleTyping 向房间内除发送者外的订阅连接广播输入状态。
func (s *Session) handleTyping(c *Client, roomID uint, typing bool) {
	if !c.inRoom(roomID) {
		return
	}
	event := EvtUserStoppedTyping
	if typing {
		event = EvtUserTyping
	}
	s.hub.BroadcastToRoomExcept(roomID, Encode(event, typingData{RoomID: roomID, UserID: c.user.ID}), c)
}

type reactionData struct {
	MessageID uint                  `json:"message_id"`
	RoomID    uint                  `json:"room_id"`
	Reactions []service.ReactionDTO `json:"reactions"`
}

// handleReaction 校验成员资格后修改反应集合，并把最新聚合列表广播给整个房间。
func (s *Session) handleReaction(c *Client, messageID uint, emoji string, add bool) {
	target, err := s.messages.Get(messageID)
	if err != nil {
		s.fail(c, "reaction", err)
		return
	}
	ok, err := s.rooms.IsMember(target.RoomID, c.user.ID)
	if err != nil {
		s.fail(c, "reaction", err)
		return
	}
	if !ok {
		s.fail(c, "reaction", service.ErrNotMember)
		return
	}
	if add {
		err = s.messages.AddReaction(messageID, emoji, c.user.ID)
	} else {
		err = s.messages.RemoveReaction(messageID, emoji, c.user.ID)
	}
	if err != nil {
		s.fail(c, "reaction", err)
		return
	}
	msg, err := s.messages.Get(messageID)
	if err != nil {
		s.fail(c, "reaction", err)
		return
	}
	s.hub.BroadcastToRoom(msg.RoomID, Encode(EvtReactionUpdated, reactionData{
		MessageID: messageID,
		RoomID:    msg.RoomID,
		Reactions: msg.Reactions,
	}))
}

// handleCreateGroup 创建群聊并把房间快照直发给每个成员，
// 此刻成员连接尚未订阅房间，走 SendToUser。
func (s *Session) handleCreateGroup(c *Client, p *CreateGroup) {
	room, err := s.rooms.CreateGroup(p.Name, p.MemberIDs, c.user.ID)
	if err != nil {
		s.fail(c, "create group", err)
		return
	}
	s.notifyMembers(room, EvtRoomUpdated)
}

func (s *Session) handleAddMember(c *Client, p *AddMember) {
	ok, err := s.rooms.IsMember(p.RoomID, c.user.ID)
	if err != nil {
		s.fail(c, "add member", err)
		return
	}
	if !ok {
		s.fail(c, "add member", service.ErrNotMember)
		return
	}
	if err := s.rooms.AddMember(p.RoomID, p.UserID); err != nil {
		s.fail(c, "add member", err)
		return
	}
	s.broadcastRoomSnapshot(c, p.RoomID)
}

// handleKickMember 仅管理员可踢人。被踢用户已不在订阅者集合里，
// 改走 SendToUser 直接通知，并顺手解除其在线连接的房间订阅。
func (s *Session) handleKickMember(c *Client, p *KickMember) {
	room, err := s.rooms.Find(p.RoomID)
	if err != nil {
		s.fail(c, "kick member", err)
		return
	}
	if !room.IsGroup || room.AdminID != c.user.ID {
		s.fail(c, "kick member", service.ErrNotAdmin)
		return
	}
	if err := s.rooms.RemoveMember(p.RoomID, p.UserID); err != nil {
		s.fail(c, "kick member", err)
		return
	}
	s.detachFromRoom(p.UserID, p.RoomID)
	s.broadcastRoomSnapshot(c, p.RoomID)
}

func (s *Session) handleLeaveRoom(c *Client, p *LeaveRoom) {
	ok, err := s.rooms.IsMember(p.RoomID, c.user.ID)
	if err != nil {
		s.fail(c, "leave room", err)
		return
	}
	if !ok {
		return
	}
	if err := s.rooms.RemoveMember(p.RoomID, c.user.ID); err != nil {
		s.fail(c, "leave room", err)
		return
	}
	s.detachFromRoom(c.user.ID, p.RoomID)
	s.broadcastRoomSnapshot(c, p.RoomID)
}

func (s *Session) handleRenameGroup(c *Client, p *RenameGroup) {
	room, err := s.rooms.Find(p.RoomID)
	if err != nil {
		s.fail(c, "rename group", err)
		return
	}
	if room.IsGroup && room.AdminID != c.user.ID {
		s.fail(c, "rename group", service.ErrNotAdmin)
		return
	}
	if err := s.rooms.Rename(p.RoomID, p.Name); err != nil {
		s.fail(c, "rename group", err)
		return
	}
	s.broadcastRoomSnapshot(c, p.RoomID)
}

func (s *Session) handleTransferAdmin(c *Client, p *TransferAdmin) {
	room, err := s.rooms.Find(p.RoomID)
	if err != nil {
		s.fail(c, "transfer admin", err)
		return
	}
	if room.IsGroup && room.AdminID != c.user.ID {
		s.fail(c, "transfer admin", service.ErrNotAdmin)
		return
	}
	if err := s.rooms.TransferAdmin(p.RoomID, p.NewAdminID); err != nil {
		s.fail(c, "transfer admin", err)
		return
	}
	s.broadcastRoomSnapshot(c, p.RoomID)
}

type historyData struct {
	RoomID   uint                 `json:"room_id"`
	Messages []service.MessageDTO `json:"messages"`
}

// handleSyncMessages 按创建时间升序回放历史，只回给请求连接本身。
func (s *Session) handleSyncMessages(c *Client, p *SyncMessages) {
	ok, err := s.rooms.IsMember(p.RoomID, c.user.ID)
	if err != nil {
		s.fail(c, "sync messages", err)
		return
	}
	if !ok {
		s.fail(c, "sync messages", service.ErrNotMember)
		return
	}
	msgs, err := s.messages.ListByRoom(p.RoomID, p.Limit, p.Offset)
	if err != nil {
		s.fail(c, "sync messages", err)
		return
	}
	c.enqueue(Encode(EvtMessageHistory, historyData{RoomID: p.RoomID, Messages: msgs}))
}

// handleRoomFlag 处理 pin_room / mute_room / archive_room 三个独立开关。
func (s *Session) handleRoomFlag(c *Client, event string, p *RoomFlag) {
	ok, err := s.rooms.IsMember(p.RoomID, c.user.ID)
	if err != nil {
		s.fail(c, "room flag", err)
		return
	}
	if !ok {
		s.fail(c, "room flag", service.ErrNotMember)
		return
	}
	flag := map[string]string{
		EvtPinRoom:     service.FlagPinned,
		EvtMuteRoom:    service.FlagMuted,
		EvtArchiveRoom: service.FlagArchived,
	}[event]
	if err := s.rooms.SetFlag(p.RoomID, flag, p.Value); err != nil {
		s.fail(c, "room flag", err)
		return
	}
	s.broadcastRoomSnapshot(c, p.RoomID)
}

// broadcastRoomSnapshot 把房间最新快照直发给全部成员，
// 被移出的用户单独收到 room_removed。
func (s *Session) broadcastRoomSnapshot(c *Client, roomID uint) {
	room, err := s.rooms.Get(roomID)
	if errors.Is(err, service.ErrNotFound) {
		// 最后一名成员离开后房间已被整体删除，无人需要快照。
		return
	}
	if err != nil {
		s.fail(c, "room snapshot", err)
		return
	}
	s.notifyMembers(room, EvtRoomUpdated)
}

// notifyMembers 逐个成员走 SendToUser，离线成员静默跳过。
func (s *Session) notifyMembers(room *service.RoomDTO, event string) {
	msg := Encode(event, room)
	for _, m := range room.Members {
		s.presence.SendToUser(m.ID, msg)
	}
}

type roomRemovedData struct {
	RoomID uint `json:"room_id"`
}

// detachFromRoom 解除某用户在线连接对房间的订阅并直接通知其被移出。
func (s *Session) detachFromRoom(userID, roomID uint) {
	if pc, ok := s.presence.Lookup(userID); ok {
		pc.leaveRoom(roomID)
	}
	s.presence.SendToUser(userID, Encode(EvtRoomRemoved, roomRemovedData{RoomID: roomID}))
}

type errorData struct {
	Message string `json:"message"`
}

// fail 把业务错误转成只发给当前连接的 error 事件；
// 存储层故障记日志并以笼统文案返回。
func (s *Session) fail(c *Client, op string, err error) {
	switch {
	case errors.Is(err, service.ErrValidation),
		errors.Is(err, service.ErrNotFound),
		errors.Is(err, service.ErrNotMember),
		errors.Is(err, service.ErrNotAdmin),
		errors.Is(err, service.ErrCannotModifyPrivate):
		c.enqueue(Encode(EvtError, errorData{Message: err.Error()}))
	default:
		log.Error().Err(err).Uint("user_id", c.user.ID).Str("op", op).Msg("session store error")
		c.enqueue(Encode(EvtError, errorData{Message: op + " failed"}))
	}
}
