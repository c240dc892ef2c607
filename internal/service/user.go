package service

import (
	"errors"
	"strings"
	"time"

	"github.com/glamour29/chat-app/internal/auth"
	"github.com/glamour29/chat-app/internal/config"
	"github.com/glamour29/chat-app/internal/models"
	"gorm.io/gorm"
)

// UserService 封装用户、凭证与好友关系相关的业务逻辑。
type UserService struct {
	db  *gorm.DB
	cfg config.Config
}

func NewUserService(db *gorm.DB, cfg config.Config) *UserService {
	return &UserService{db: db, cfg: cfg}
}

// RegisterResult 注册成功后返回的数据。
type RegisterResult struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
}

// Register 注册新用户，返回用户 ID 和用户名。
func (s *UserService) Register(username, password string) (*RegisterResult, error) {
	var count int64
	if err := s.db.Model(&models.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrUsernameTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := models.User{Username: username, PasswordHash: hash}
	if err := s.db.Create(&user).Error; err != nil {
		return nil, err
	}
	return &RegisterResult{ID: user.ID, Username: user.Username}, nil
}

// LoginResult 登录成功后返回的数据。
type LoginResult struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	User         models.User `json:"-"`
}

// Login 校验用户名密码并签发 token 对。
func (s *UserService) Login(username, password string) (*LoginResult, error) {
	var user models.User
	if err := s.db.Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	at, err := auth.GenerateAccessToken(user.ID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, err
	}
	rt, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	exp := time.Now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
	if err := auth.SaveRefreshToken(s.db, user.ID, rt, exp); err != nil {
		return nil, err
	}
	return &LoginResult{AccessToken: at, RefreshToken: rt, User: user}, nil
}

// RefreshResult 刷新 token 后返回的新 token 对。
type RefreshResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// RefreshTokens 验证旧 refresh token 并签发新 token 对（旋转刷新）。
func (s *UserService) RefreshTokens(oldRT string) (*RefreshResult, error) {
	var result RefreshResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		rec, err := auth.ValidateRefreshToken(tx, oldRT)
		if err != nil {
			return err
		}
		if err := auth.RevokeRefreshToken(tx, oldRT); err != nil {
			return err
		}
		at, err := auth.GenerateAccessToken(rec.UserID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
		if err != nil {
			return err
		}
		newRT, err := auth.GenerateRefreshToken()
		if err != nil {
			return err
		}
		exp := time.Now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
		if err := auth.SaveRefreshToken(tx, rec.UserID, newRT, exp); err != nil {
			return err
		}
		result.AccessToken = at
		result.RefreshToken = newRT
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Find 按 ID 加载用户。
func (s *UserService) Find(userID uint) (*models.User, error) {
	var user models.User
	if err := s.db.First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// ProfileUpdate 只更新给出的字段。
type ProfileUpdate struct {
	FullName    *string `json:"full_name"`
	AvatarURL   *string `json:"avatar_url"`
	PhoneNumber *string `json:"phone_number"`
}

// UpdateProfile 更新用户资料并返回更新后的摘要。
func (s *UserService) UpdateProfile(userID uint, upd ProfileUpdate) (*UserDTO, error) {
	if _, err := s.Find(userID); err != nil {
		return nil, err
	}
	fields := map[string]interface{}{}
	if upd.FullName != nil {
		fields["full_name"] = strings.TrimSpace(*upd.FullName)
	}
	if upd.AvatarURL != nil {
		fields["avatar_url"] = strings.TrimSpace(*upd.AvatarURL)
	}
	if upd.PhoneNumber != nil {
		fields["phone_number"] = strings.TrimSpace(*upd.PhoneNumber)
	}
	if len(fields) > 0 {
		if err := s.db.Model(&models.User{}).Where("id = ?", userID).Updates(fields).Error; err != nil {
			return nil, err
		}
	}
	user, err := s.Find(userID)
	if err != nil {
		return nil, err
	}
	dto := toUserDTO(*user)
	return &dto, nil
}

// SetOnline 持久化在线标记，连接与断开时由会话层调用。
func (s *UserService) SetOnline(userID uint, online bool) error {
	return s.db.Model(&models.User{}).Where("id = ?", userID).Update("online", online).Error
}

// ListOthers 返回除自己之外的全部用户。
func (s *UserService) ListOthers(userID uint) ([]UserDTO, error) {
	var users []models.User
	if err := s.db.Where("id <> ?", userID).Order("username asc").Find(&users).Error; err != nil {
		return nil, err
	}
	return toUserDTOs(users), nil
}

// Search 按用户名、全名或手机号模糊搜索，排除自己。
func (s *UserService) Search(query string, excludeID uint) ([]UserDTO, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []UserDTO{}, nil
	}
	like := "%" + query + "%"
	var users []models.User
	err := s.db.Where("id <> ?", excludeID).
		Where("username LIKE ? OR full_name LIKE ? OR phone_number LIKE ?", like, like, like).
		Order("username asc").Limit(50).Find(&users).Error
	if err != nil {
		return nil, err
	}
	return toUserDTOs(users), nil
}

// SendFriendRequest 向目标用户发出好友申请，重复申请是幂等 no-op。
func (s *UserService) SendFriendRequest(fromID, toID uint) error {
	if fromID == toID {
		return ErrSelfFriendRequest
	}
	if _, err := s.Find(toID); err != nil {
		return err
	}
	var count int64
	if err := s.db.Model(&models.Friendship{}).
		Where("user_id = ? AND friend_id = ?", fromID, toID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrAlreadyFriends
	}
	req := models.FriendRequest{FromID: fromID, ToID: toID}
	return s.db.Where("from_id = ? AND to_id = ?", fromID, toID).FirstOrCreate(&req).Error
}

// AcceptFriendRequest 接受好友申请：删除待处理记录并写入双向好友边。
// 私聊房间的创建由调用方接着通过 RoomService 完成。
func (s *UserService) AcceptFriendRequest(userID, fromID uint) error {
	if _, err := s.Find(fromID); err != nil {
		return err
	}
	var req models.FriendRequest
	if err := s.db.Where("from_id = ? AND to_id = ?", fromID, userID).First(&req).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.FriendRequest{}, req.ID).Error; err != nil {
			return err
		}
		for _, edge := range []models.Friendship{
			{UserID: userID, FriendID: fromID},
			{UserID: fromID, FriendID: userID},
		} {
			e := edge
			if err := tx.Where("user_id = ? AND friend_id = ?", e.UserID, e.FriendID).
				FirstOrCreate(&e).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Friends 返回用户的好友列表。
func (s *UserService) Friends(userID uint) ([]UserDTO, error) {
	var users []models.User
	err := s.db.
		Joins("JOIN friendships ON friendships.friend_id = users.id").
		Where("friendships.user_id = ?", userID).
		Order("users.username asc").Find(&users).Error
	if err != nil {
		return nil, err
	}
	return toUserDTOs(users), nil
}

// PendingRequests 返回向该用户发出申请的用户列表。
func (s *UserService) PendingRequests(userID uint) ([]UserDTO, error) {
	var users []models.User
	err := s.db.
		Joins("JOIN friend_requests ON friend_requests.from_id = users.id").
		Where("friend_requests.to_id = ?", userID).
		Order("friend_requests.id asc").Find(&users).Error
	if err != nil {
		return nil, err
	}
	return toUserDTOs(users), nil
}

func toUserDTOs(users []models.User) []UserDTO {
	out := make([]UserDTO, 0, len(users))
	for _, u := range users {
		out = append(out, toUserDTO(u))
	}
	return out
}
