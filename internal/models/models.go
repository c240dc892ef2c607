package models

import "time"

// 消息类型与状态常量，持久化为短字符串便于排查。
const (
	MessageTypeText   = "TEXT"
	MessageTypeImage  = "IMAGE"
	MessageTypeVoice  = "VOICE"
	MessageTypeSystem = "SYSTEM"

	MessageStatusSending   = "sending"
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusSeen      = "seen"
)

// statusRank 定义消息状态的单向推进顺序，禁止回退。
var statusRank = map[string]int{
	MessageStatusSending:   0,
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusSeen:      3,
}

// StatusAdvances 判断从 from 到 to 是否是合法的前进转移。
func StatusAdvances(from, to string) bool {
	return statusRank[to] > statusRank[from]
}

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string `gorm:"not null"`
	FullName     string `gorm:"size:128"`
	AvatarURL    string `gorm:"size:512"`
	PhoneNumber  string `gorm:"size:32"`
	Online       bool   `gorm:"not null;default:false"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Friendship 是双向关系的一条有向边，接受好友时写入两条。
type Friendship struct {
	ID        uint `gorm:"primaryKey"`
	UserID    uint `gorm:"not null;uniqueIndex:idx_friend_pair"`
	FriendID  uint `gorm:"not null;uniqueIndex:idx_friend_pair"`
	CreatedAt time.Time
}

// FriendRequest 表示 FromID 向 ToID 发出的待处理好友申请。
type FriendRequest struct {
	ID        uint `gorm:"primaryKey"`
	FromID    uint `gorm:"not null;uniqueIndex:idx_request_pair"`
	ToID      uint `gorm:"not null;uniqueIndex:idx_request_pair;index"`
	CreatedAt time.Time
}

// Room 同时承载 1 对 1 私聊与群聊。私聊 Name 为空、无管理员，
// PairKey 记录无序成员对并唯一索引，保证同一对用户只有一个私聊房间。
type Room struct {
	ID              uint    `gorm:"primaryKey"`
	Name            string  `gorm:"size:128"`
	IsGroup         bool    `gorm:"not null;default:false"`
	AdminID         uint    `gorm:"index"`
	PairKey         *string `gorm:"uniqueIndex;size:48"`
	LastMessage     string  `gorm:"size:512"`
	LastSenderID    uint
	LastMessageTime time.Time
	Pinned          bool `gorm:"not null;default:false"`
	Muted           bool `gorm:"not null;default:false"`
	Archived        bool `gorm:"not null;default:false"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type RoomMember struct {
	ID        uint `gorm:"primaryKey"`
	RoomID    uint `gorm:"not null;uniqueIndex:idx_room_member"`
	UserID    uint `gorm:"not null;uniqueIndex:idx_room_member;index"`
	CreatedAt time.Time
}

type Message struct {
	ID        uint   `gorm:"primaryKey"`
	RoomID    uint   `gorm:"index:idx_msg_room;not null"`
	SenderID  uint   `gorm:"index;not null"`
	Content   string `gorm:"type:text;not null"`
	Type      string `gorm:"size:16;not null;default:TEXT"`
	Status    string `gorm:"size:16;not null;default:sent"`
	Pinned    bool   `gorm:"not null;default:false"`
	CreatedAt time.Time
}

// Reaction 每行代表一个用户对一条消息的一个 emoji，
// 唯一索引天然保证同一用户对同一 emoji 不会重复计数。
type Reaction struct {
	ID        uint   `gorm:"primaryKey"`
	MessageID uint   `gorm:"not null;uniqueIndex:idx_reaction"`
	Emoji     string `gorm:"size:32;not null;uniqueIndex:idx_reaction"`
	UserID    uint   `gorm:"not null;uniqueIndex:idx_reaction"`
	CreatedAt time.Time
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}
