package service

import "errors"

// 业务层通用错误，REST handler 映射为 HTTP 状态码，
// 会话层映射为发回给当前连接的 error 事件。
var (
	ErrUsernameTaken       = errors.New("username taken")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrNotMember           = errors.New("user is not a member of this room")
	ErrNotAdmin            = errors.New("only admin can perform this action")
	ErrCannotModifyPrivate = errors.New("cannot modify members of a private room")
	ErrAlreadyFriends      = errors.New("users are already friends")
	ErrSelfFriendRequest   = errors.New("cannot send a friend request to yourself")
)
