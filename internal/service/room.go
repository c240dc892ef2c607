package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glamour29/chat-app/internal/models"
	"gorm.io/gorm"
)

// RoomService 封装房间（私聊与群聊）相关的业务逻辑。
type RoomService struct {
	db *gorm.DB
}

func NewRoomService(db *gorm.DB) *RoomService {
	return &RoomService{db: db}
}

// UserDTO 是对外输出的用户摘要。
type UserDTO struct {
	ID          uint   `json:"id"`
	Username    string `json:"username"`
	FullName    string `json:"full_name"`
	AvatarURL   string `json:"avatar_url"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Online      bool   `json:"online"`
}

// RoomDTO 是对外输出的房间数据，带成员摘要与未读数。
type RoomDTO struct {
	ID              uint      `json:"id"`
	Name            string    `json:"name"`
	IsGroup         bool      `json:"is_group"`
	AdminID         uint      `json:"admin_id,omitempty"`
	Members         []UserDTO `json:"members"`
	LastMessage     string    `json:"last_message"`
	LastSenderID    uint      `json:"last_sender_id,omitempty"`
	LastMessageTime time.Time `json:"last_message_time"`
	Pinned          bool      `json:"pinned"`
	Muted           bool      `json:"muted"`
	Archived        bool      `json:"archived"`
	Unread          int64     `json:"unread"`
}

// pairKey 将无序的成员对归一化成查找键。
func pairKey(a, b uint) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// CreateOrGetPrivateRoom 返回两人之间已有的私聊房间，不存在则创建。
// 参数顺序不影响结果。
func (s *RoomService) CreateOrGetPrivateRoom(userA, userB uint) (*RoomDTO, error) {
	if userA == userB {
		return nil, ErrValidation
	}
	key := pairKey(userA, userB)
	var room models.Room
	err := s.db.Where("is_group = ? AND pair_key = ?", false, key).First(&room).Error
	if err == nil {
		return s.Get(room.ID)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	room = models.Room{IsGroup: false, PairKey: &key, LastMessageTime: time.Now()}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&room).Error; err != nil {
			return err
		}
		members := []models.RoomMember{
			{RoomID: room.ID, UserID: userA},
			{RoomID: room.ID, UserID: userB},
		}
		return tx.Create(&members).Error
	})
	if err != nil {
		// 并发创建同一对用户时唯一索引会拦下后来者，重查一次即可。
		var existing models.Room
		if err2 := s.db.Where("is_group = ? AND pair_key = ?", false, key).First(&existing).Error; err2 == nil {
			return s.Get(existing.ID)
		}
		return nil, err
	}
	return s.Get(room.ID)
}

// CreateGroup 创建群聊，管理员自动计入成员，成员去重。
func (s *RoomService) CreateGroup(name string, memberIDs []uint, adminID uint) (*RoomDTO, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(memberIDs) == 0 {
		return nil, ErrValidation
	}
	seen := map[uint]struct{}{adminID: {}}
	all := []uint{adminID}
	for _, id := range memberIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		all = append(all, id)
	}
	room := models.Room{Name: name, IsGroup: true, AdminID: adminID, LastMessageTime: time.Now()}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&room).Error; err != nil {
			return err
		}
		members := make([]models.RoomMember, 0, len(all))
		for _, id := range all {
			members = append(members, models.RoomMember{RoomID: room.ID, UserID: id})
		}
		return tx.Create(&members).Error
	})
	if err != nil {
		return nil, err
	}
	return s.Get(room.ID)
}

// Find 按 ID 加载房间记录。
func (s *RoomService) Find(roomID uint) (*models.Room, error) {
	var room models.Room
	if err := s.db.First(&room, roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &room, nil
}

// Get 返回带成员摘要的房间 DTO。
func (s *RoomService) Get(roomID uint) (*RoomDTO, error) {
	room, err := s.Find(roomID)
	if err != nil {
		return nil, err
	}
	members, err := s.memberDTOs(roomID)
	if err != nil {
		return nil, err
	}
	dto := toRoomDTO(*room, members, 0)
	return &dto, nil
}

// IsMember 判断用户是否是房间成员。
func (s *RoomService) IsMember(roomID, userID uint) (bool, error) {
	var count int64
	err := s.db.Model(&models.RoomMember{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).Count(&count).Error
	return count > 0, err
}

// MemberIDs 返回房间全部成员 ID，按加入顺序。
func (s *RoomService) MemberIDs(roomID uint) ([]uint, error) {
	var rows []models.RoomMember
	if err := s.db.Where("room_id = ?", roomID).Order("id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]uint, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.UserID)
	}
	return out, nil
}

// AddMember 把用户加入群聊，重复添加是幂等的 no-op。
func (s *RoomService) AddMember(roomID, userID uint) error {
	room, err := s.Find(roomID)
	if err != nil {
		return err
	}
	if !room.IsGroup {
		return ErrCannotModifyPrivate
	}
	m := models.RoomMember{RoomID: roomID, UserID: userID}
	return s.db.Where("room_id = ? AND user_id = ?", roomID, userID).FirstOrCreate(&m).Error
}

// RemoveMember 把用户移出群聊，移除不存在的成员是幂等的 no-op。
// 群必须始终有一个身为成员的管理员：管理员退出时管理权自动移交给
// 最早加入的剩余成员，最后一名成员离开时房间连同消息日志一并删除。
func (s *RoomService) RemoveMember(roomID, userID uint) error {
	room, err := s.Find(roomID)
	if err != nil {
		return err
	}
	if !room.IsGroup {
		return ErrCannotModifyPrivate
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("room_id = ? AND user_id = ?", roomID, userID).
			Delete(&models.RoomMember{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		var next models.RoomMember
		err := tx.Where("room_id = ?", roomID).Order("id asc").First(&next).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dropRoom(tx, roomID)
		}
		if err != nil {
			return err
		}
		if room.AdminID == userID {
			return tx.Model(&models.Room{}).Where("id = ?", roomID).
				Update("admin_id", next.UserID).Error
		}
		return nil
	})
}

// dropRoom 删除空房间及其全部消息与反应。
func dropRoom(tx *gorm.DB, roomID uint) error {
	sub := tx.Model(&models.Message{}).Select("id").Where("room_id = ?", roomID)
	if err := tx.Where("message_id IN (?)", sub).Delete(&models.Reaction{}).Error; err != nil {
		return err
	}
	if err := tx.Where("room_id = ?", roomID).Delete(&models.Message{}).Error; err != nil {
		return err
	}
	return tx.Delete(&models.Room{}, roomID).Error
}

// TransferAdmin 把群管理员移交给现有成员。
func (s *RoomService) TransferAdmin(roomID, newAdminID uint) error {
	room, err := s.Find(roomID)
	if err != nil {
		return err
	}
	if !room.IsGroup {
		return ErrCannotModifyPrivate
	}
	ok, err := s.IsMember(roomID, newAdminID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotMember
	}
	return s.db.Model(&models.Room{}).Where("id = ?", roomID).Update("admin_id", newAdminID).Error
}

// Rename 修改群名称。
func (s *RoomService) Rename(roomID uint, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrValidation
	}
	room, err := s.Find(roomID)
	if err != nil {
		return err
	}
	if !room.IsGroup {
		return ErrCannotModifyPrivate
	}
	return s.db.Model(&models.Room{}).Where("id = ?", roomID).Update("name", name).Error
}

// UpdateLastMessage 只覆盖房间的最近消息摘要，不触碰消息日志。
func (s *RoomService) UpdateLastMessage(roomID uint, text string, senderID uint, at time.Time) error {
	if _, err := s.Find(roomID); err != nil {
		return err
	}
	return s.db.Model(&models.Room{}).Where("id = ?", roomID).Updates(map[string]interface{}{
		"last_message":      text,
		"last_sender_id":    senderID,
		"last_message_time": at,
	}).Error
}

// 房间级开关名。
const (
	FlagPinned   = "pinned"
	FlagMuted    = "muted"
	FlagArchived = "archived"
)

// SetFlag 设置 pinned/muted/archived 独立开关。
func (s *RoomService) SetFlag(roomID uint, flag string, value bool) error {
	if flag != FlagPinned && flag != FlagMuted && flag != FlagArchived {
		return ErrValidation
	}
	if _, err := s.Find(roomID); err != nil {
		return err
	}
	return s.db.Model(&models.Room{}).Where("id = ?", roomID).Update(flag, value).Error
}

// ListRoomsForUser 返回用户参与的全部房间，置顶在前，其余按最近消息时间倒序。
func (s *RoomService) ListRoomsForUser(userID uint) ([]RoomDTO, error) {
	var rooms []models.Room
	err := s.db.
		Joins("JOIN room_members ON room_members.room_id = rooms.id").
		Where("room_members.user_id = ?", userID).
		Order("rooms.pinned desc, rooms.last_message_time desc").
		Find(&rooms).Error
	if err != nil {
		return nil, err
	}
	out := make([]RoomDTO, 0, len(rooms))
	for _, r := range rooms {
		members, err := s.memberDTOs(r.ID)
		if err != nil {
			return nil, err
		}
		unread, err := s.unreadCount(r.ID, userID)
		if err != nil {
			return nil, err
		}
		out = append(out, toRoomDTO(r, members, unread))
	}
	return out, nil
}

// unreadCount 统计房间内他人发送且尚未 seen 的消息数。
func (s *RoomService) unreadCount(roomID, userID uint) (int64, error) {
	var count int64
	err := s.db.Model(&models.Message{}).
		Where("room_id = ? AND sender_id <> ? AND status <> ?", roomID, userID, models.MessageStatusSeen).
		Count(&count).Error
	return count, err
}

// memberDTOs 按加入顺序加载房间成员摘要。
func (s *RoomService) memberDTOs(roomID uint) ([]UserDTO, error) {
	ids, err := s.MemberIDs(roomID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []UserDTO{}, nil
	}
	var users []models.User
	if err := s.db.Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	byID := make(map[uint]models.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	out := make([]UserDTO, 0, len(ids))
	for _, id := range ids {
		u, ok := byID[id]
		if !ok {
			continue
		}
		out = append(out, toUserDTO(u))
	}
	return out, nil
}

func toUserDTO(u models.User) UserDTO {
	return UserDTO{
		ID:          u.ID,
		Username:    u.Username,
		FullName:    u.FullName,
		AvatarURL:   u.AvatarURL,
		PhoneNumber: u.PhoneNumber,
		Online:      u.Online,
	}
}

func toRoomDTO(r models.Room, members []UserDTO, unread int64) RoomDTO {
	return RoomDTO{
		ID:              r.ID,
		Name:            r.Name,
		IsGroup:         r.IsGroup,
		AdminID:         r.AdminID,
		Members:         members,
		LastMessage:     r.LastMessage,
		LastSenderID:    r.LastSenderID,
		LastMessageTime: r.LastMessageTime,
		Pinned:          r.Pinned,
		Muted:           r.Muted,
		Archived:        r.Archived,
		Unread:          unread,
	}
}
