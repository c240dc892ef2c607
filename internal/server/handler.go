package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/glamour29/chat-app/internal/auth"
	"github.com/glamour29/chat-app/internal/service"
	"github.com/glamour29/chat-app/internal/ws"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
// presence 用于把好友申请这类定向事件实时推给在线用户。
type Handler struct {
	userSvc  *service.UserService
	roomSvc  *service.RoomService
	msgSvc   *service.MessageService
	presence *ws.Presence
}

func NewHandler(userSvc *service.UserService, roomSvc *service.RoomService, msgSvc *service.MessageService, presence *ws.Presence) *Handler {
	return &Handler{userSvc: userSvc, roomSvc: roomSvc, msgSvc: msgSvc, presence: presence}
}

// svcError 把业务层错误映射为 HTTP 状态码。
func svcError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, service.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, service.ErrNotMember),
		errors.Is(err, service.ErrNotAdmin),
		errors.Is(err, service.ErrCannotModifyPrivate),
		errors.Is(err, service.ErrAlreadyFriends),
		errors.Is(err, service.ErrSelfFriendRequest):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Str("op", op).Msg("handler")
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
	}
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Username) < 2 || len(req.Username) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	result, err := h.userSvc.Register(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "username taken"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("register")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": result.ID, "username": result.Username})
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("login")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"user":          gin.H{"id": result.User.ID, "username": result.User.Username},
	})
}

// RefreshToken 处理 token 刷新请求。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.RefreshTokens(req.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": result.AccessToken, "refresh_token": result.RefreshToken})
}

// ListUsers 返回除自己之外的用户列表。
func (h *Handler) ListUsers(c *gin.Context) {
	users, err := h.userSvc.ListOthers(auth.GetUserID(c))
	if err != nil {
		svcError(c, err, "list users")
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// SearchUsers 按用户名/姓名/手机号搜索用户。
func (h *Handler) SearchUsers(c *gin.Context) {
	users, err := h.userSvc.Search(c.Query("query"), auth.GetUserID(c))
	if err != nil {
		svcError(c, err, "search users")
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// UpdateProfile 更新当前用户资料。
func (h *Handler) UpdateProfile(c *gin.Context) {
	var req service.ProfileUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	user, err := h.userSvc.UpdateProfile(auth.GetUserID(c), req)
	if err != nil {
		svcError(c, err, "update profile")
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// SendFriendRequest 发送好友申请并实时通知对方（在线时）。
func (h *Handler) SendFriendRequest(c *gin.Context) {
	var req struct {
		UserID uint `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	myID := auth.GetUserID(c)
	if err := h.userSvc.SendFriendRequest(myID, req.UserID); err != nil {
		svcError(c, err, "send friend request")
		return
	}
	h.presence.SendToUser(req.UserID, ws.Encode(ws.EvtNewFriendRequest, gin.H{"from": myID}))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// AcceptFriendRequest 接受好友申请并确保两人的私聊房间就绪。
func (h *Handler) AcceptFriendRequest(c *gin.Context) {
	var req struct {
		UserID uint `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	myID := auth.GetUserID(c)
	if err := h.userSvc.AcceptFriendRequest(myID, req.UserID); err != nil {
		svcError(c, err, "accept friend request")
		return
	}
	room, err := h.roomSvc.CreateOrGetPrivateRoom(myID, req.UserID)
	if err != nil {
		svcError(c, err, "accept friend request")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "room_id": room.ID})
}

// ListFriends 返回好友列表。
func (h *Handler) ListFriends(c *gin.Context) {
	users, err := h.userSvc.Friends(auth.GetUserID(c))
	if err != nil {
		svcError(c, err, "list friends")
		return
	}
	c.JSON(http.StatusOK, gin.H{"friends": users})
}

// ListPendingRequests 返回待处理的好友申请发起者列表。
func (h *Handler) ListPendingRequests(c *gin.Context) {
	users, err := h.userSvc.PendingRequests(auth.GetUserID(c))
	if err != nil {
		svcError(c, err, "list pending requests")
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": users})
}

// GetPrivateRoom 返回（或创建）与指定用户的私聊房间。
func (h *Handler) GetPrivateRoom(c *gin.Context) {
	var req struct {
		PartnerID uint `json:"partner_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.PartnerID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	room, err := h.roomSvc.CreateOrGetPrivateRoom(auth.GetUserID(c), req.PartnerID)
	if err != nil {
		svcError(c, err, "get private room")
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room})
}

// ListRooms 返回当前用户的收件箱：置顶在前，其余按最近消息时间倒序。
func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.roomSvc.ListRoomsForUser(auth.GetUserID(c))
	if err != nil {
		svcError(c, err, "list rooms")
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// CreateGroup 创建群聊。
func (h *Handler) CreateGroup(c *gin.Context) {
	var req struct {
		Name      string `json:"name"`
		MemberIDs []uint `json:"member_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	room, err := h.roomSvc.CreateGroup(req.Name, req.MemberIDs, auth.GetUserID(c))
	if err != nil {
		svcError(c, err, "create group")
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room})
}

// SetRoomFlag 设置房间的 pinned/muted/archived 开关。
func (h *Handler) SetRoomFlag(c *gin.Context) {
	roomID := pathID(c, "id")
	if roomID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}
	var req struct {
		Flag  string `json:"flag"`
		Value bool   `json:"value"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.roomSvc.SetFlag(roomID, req.Flag, req.Value); err != nil {
		svcError(c, err, "set room flag")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ListMessages 处理获取房间消息列表请求，升序返回。
func (h *Handler) ListMessages(c *gin.Context) {
	roomID := pathID(c, "id")
	if roomID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}
	member, err := h.roomSvc.IsMember(roomID, auth.GetUserID(c))
	if err != nil {
		svcError(c, err, "list messages")
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a member"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	msgs, err := h.msgSvc.ListByRoom(roomID, limit, offset)
	if err != nil {
		svcError(c, err, "list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// ListPinnedMessages 返回房间内的置顶消息，仅限房间成员。
func (h *Handler) ListPinnedMessages(c *gin.Context) {
	roomID := pathID(c, "id")
	if roomID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}
	member, err := h.roomSvc.IsMember(roomID, auth.GetUserID(c))
	if err != nil {
		svcError(c, err, "list pinned messages")
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a member"})
		return
	}
	msgs, err := h.msgSvc.PinnedByRoom(roomID)
	if err != nil {
		svcError(c, err, "list pinned messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// MarkSeen 把消息推进到 seen，重复调用是幂等的。仅限消息所在房间的成员。
func (h *Handler) MarkSeen(c *gin.Context) {
	msgID := pathID(c, "id")
	if msgID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}
	msg, err := h.msgSvc.Get(msgID)
	if err != nil {
		svcError(c, err, "mark seen")
		return
	}
	member, err := h.roomSvc.IsMember(msg.RoomID, auth.GetUserID(c))
	if err != nil {
		svcError(c, err, "mark seen")
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a member"})
		return
	}
	if err := h.msgSvc.MarkSeen(msgID); err != nil {
		svcError(c, err, "mark seen")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// PinMessage 设置消息置顶。群聊里只有管理员可以操作。
func (h *Handler) PinMessage(c *gin.Context) {
	msgID := pathID(c, "id")
	if msgID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}
	var req struct {
		Value bool `json:"value"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	msg, err := h.msgSvc.Get(msgID)
	if err != nil {
		svcError(c, err, "pin message")
		return
	}
	room, err := h.roomSvc.Find(msg.RoomID)
	if err != nil {
		svcError(c, err, "pin message")
		return
	}
	if room.IsGroup && room.AdminID != auth.GetUserID(c) {
		svcError(c, service.ErrNotAdmin, "pin message")
		return
	}
	if err := h.msgSvc.SetPinned(msgID, req.Value); err != nil {
		svcError(c, err, "pin message")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func pathID(c *gin.Context, name string) uint {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil || v <= 0 {
		return 0
	}
	return uint(v)
}
