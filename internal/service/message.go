package service

import (
	"errors"
	"strings"
	"time"

	"github.com/glamour29/chat-app/internal/models"
	"gorm.io/gorm"
)

// MessageService 封装消息日志相关的业务逻辑。
// 发送者是否是房间成员由会话层在调用 Append 之前校验。
type MessageService struct {
	db *gorm.DB
}

func NewMessageService(db *gorm.DB) *MessageService {
	return &MessageService{db: db}
}

// ReactionDTO 聚合同一 emoji 的全部反应者。
type ReactionDTO struct {
	Emoji   string `json:"emoji"`
	UserIDs []uint `json:"user_ids"`
	Count   int    `json:"count"`
}

// MessageDTO 是对外输出的消息数据。
type MessageDTO struct {
	ID        uint          `json:"id"`
	RoomID    uint          `json:"room_id"`
	SenderID  uint          `json:"sender_id"`
	Sender    string        `json:"sender"`
	Content   string        `json:"content"`
	Type      string        `json:"type"`
	Status    string        `json:"status"`
	Pinned    bool          `json:"pinned"`
	Reactions []ReactionDTO `json:"reactions"`
	CreatedAt time.Time     `json:"created_at"`
}

func validMessageType(t string) bool {
	switch t {
	case models.MessageTypeText, models.MessageTypeImage, models.MessageTypeVoice, models.MessageTypeSystem:
		return true
	}
	return false
}

// Append 持久化一条新消息，由服务端分配 ID 和时间戳，初始状态为 sent。
func (s *MessageService) Append(roomID, senderID uint, content, msgType string) (*MessageDTO, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrValidation
	}
	if msgType == "" {
		msgType = models.MessageTypeText
	}
	if !validMessageType(msgType) {
		return nil, ErrValidation
	}
	msg := models.Message{
		RoomID:   roomID,
		SenderID: senderID,
		Content:  content,
		Type:     msgType,
		Status:   models.MessageStatusSent,
	}
	if err := s.db.Create(&msg).Error; err != nil {
		return nil, err
	}
	return s.toDTO(msg)
}

// ListByRoom 分页查询指定房间的消息，按创建时间升序返回，
// 供客户端重连后做历史回放。
func (s *MessageService) ListByRoom(roomID uint, limit, offset int) ([]MessageDTO, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	var msgs []models.Message
	err := s.db.Where("room_id = ?", roomID).
		Order("created_at asc, id asc").
		Limit(limit).Offset(offset).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return s.toDTOs(msgs)
}

// find 按 ID 加载消息。
func (s *MessageService) find(messageID uint) (*models.Message, error) {
	var msg models.Message
	if err := s.db.First(&msg, messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// AddReaction 给消息添加一个 emoji 反应，同一用户重复添加是幂等 no-op。
func (s *MessageService) AddReaction(messageID uint, emoji string, userID uint) error {
	if strings.TrimSpace(emoji) == "" {
		return ErrValidation
	}
	if _, err := s.find(messageID); err != nil {
		return err
	}
	r := models.Reaction{MessageID: messageID, Emoji: emoji, UserID: userID}
	return s.db.Where("message_id = ? AND emoji = ? AND user_id = ?", messageID, emoji, userID).
		FirstOrCreate(&r).Error
}

// RemoveReaction 移除用户的反应；最后一个反应者移除后该 emoji 条目随之消失。
func (s *MessageService) RemoveReaction(messageID uint, emoji string, userID uint) error {
	if _, err := s.find(messageID); err != nil {
		return err
	}
	return s.db.Where("message_id = ? AND emoji = ? AND user_id = ?", messageID, emoji, userID).
		Delete(&models.Reaction{}).Error
}

// Reactions 返回消息当前的反应聚合列表。
func (s *MessageService) Reactions(messageID uint) ([]ReactionDTO, error) {
	if _, err := s.find(messageID); err != nil {
		return nil, err
	}
	return s.reactionsFor(messageID)
}

func (s *MessageService) reactionsFor(messageID uint) ([]ReactionDTO, error) {
	var rows []models.Reaction
	if err := s.db.Where("message_id = ?", messageID).Order("id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	order := make([]string, 0)
	byEmoji := make(map[string]*ReactionDTO)
	for _, r := range rows {
		dto, ok := byEmoji[r.Emoji]
		if !ok {
			dto = &ReactionDTO{Emoji: r.Emoji}
			byEmoji[r.Emoji] = dto
			order = append(order, r.Emoji)
		}
		dto.UserIDs = append(dto.UserIDs, r.UserID)
		dto.Count = len(dto.UserIDs)
	}
	out := make([]ReactionDTO, 0, len(order))
	for _, e := range order {
		out = append(out, *byEmoji[e])
	}
	return out, nil
}

// SetPinned 设置消息置顶标记。
func (s *MessageService) SetPinned(messageID uint, pinned bool) error {
	if _, err := s.find(messageID); err != nil {
		return err
	}
	return s.db.Model(&models.Message{}).Where("id = ?", messageID).Update("pinned", pinned).Error
}

// PinnedByRoom 返回房间内全部置顶消息，新的在前。
func (s *MessageService) PinnedByRoom(roomID uint) ([]MessageDTO, error) {
	var msgs []models.Message
	err := s.db.Where("room_id = ? AND pinned = ?", roomID, true).
		Order("created_at desc, id desc").
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return s.toDTOs(msgs)
}

// MarkDelivered 将消息推进到 delivered，状态只进不退。
func (s *MessageService) MarkDelivered(messageID uint) error {
	return s.advance(messageID, models.MessageStatusDelivered)
}

// MarkSeen 将消息推进到 seen，对已 seen 的消息是幂等 no-op。
func (s *MessageService) MarkSeen(messageID uint) error {
	return s.advance(messageID, models.MessageStatusSeen)
}

func (s *MessageService) advance(messageID uint, to string) error {
	msg, err := s.find(messageID)
	if err != nil {
		return err
	}
	if !models.StatusAdvances(msg.Status, to) {
		return nil
	}
	return s.db.Model(&models.Message{}).Where("id = ?", messageID).Update("status", to).Error
}

// Get 返回单条消息 DTO。
func (s *MessageService) Get(messageID uint) (*MessageDTO, error) {
	msg, err := s.find(messageID)
	if err != nil {
		return nil, err
	}
	return s.toDTO(*msg)
}

func (s *MessageService) toDTO(m models.Message) (*MessageDTO, error) {
	dtos, err := s.toDTOs([]models.Message{m})
	if err != nil {
		return nil, err
	}
	return &dtos[0], nil
}

// toDTOs 批量补齐发送者用户名与反应列表。
func (s *MessageService) toDTOs(msgs []models.Message) ([]MessageDTO, error) {
	usernames, err := s.resolveUsernames(msgs)
	if err != nil {
		return nil, err
	}
	out := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		reactions, err := s.reactionsFor(m.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, MessageDTO{
			ID:        m.ID,
			RoomID:    m.RoomID,
			SenderID:  m.SenderID,
			Sender:    usernames[m.SenderID],
			Content:   m.Content,
			Type:      m.Type,
			Status:    m.Status,
			Pinned:    m.Pinned,
			Reactions: reactions,
			CreatedAt: m.CreatedAt,
		})
	}
	return out, nil
}

// resolveUsernames 批量获取消息涉及的用户名。
func (s *MessageService) resolveUsernames(msgs []models.Message) (map[uint]string, error) {
	seen := make(map[uint]struct{}, len(msgs))
	userIDs := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.SenderID]; ok {
			continue
		}
		seen[m.SenderID] = struct{}{}
		userIDs = append(userIDs, m.SenderID)
	}
	usernames := make(map[uint]string, len(userIDs))
	if len(userIDs) > 0 {
		var users []models.User
		if err := s.db.Select("id", "username").Where("id IN ?", userIDs).Find(&users).Error; err != nil {
			return nil, err
		}
		for _, u := range users {
			usernames[u.ID] = u.Username
		}
	}
	return usernames, nil
}
