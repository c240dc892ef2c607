package ws

import (
	"sync"

	"github.com/glamour29/chat-app/internal/metrics"
)

// Presence 维护 userID 到当前活跃连接的进程级映射。
// 同一用户只保留一条权威连接，后连接的覆盖先连接的（last connect wins）。
type Presence struct {
	mu     sync.RWMutex
	byUser map[uint]*Client
}

func NewPresence() *Presence {
	return &Presence{byUser: make(map[uint]*Client)}
}

// SetOnline 登记用户的活跃连接，返回被顶掉的旧连接（若有），
// 由调用方负责关闭旧连接。
func (p *Presence) SetOnline(userID uint, c *Client) *Client {
	p.mu.Lock()
	prev := p.byUser[userID]
	p.byUser[userID] = c
	p.mu.Unlock()
	if prev == nil {
		metrics.OnlineUsers.Inc()
	}
	if prev == c {
		return nil
	}
	return prev
}

// SetOffline 仅当登记的连接就是发起下线的连接时才移除条目，
// 避免迟到的断开把新会话误清掉。返回是否真的移除。
func (p *Presence) SetOffline(userID uint, c *Client) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.byUser[userID]
	if !ok || cur != c {
		return false
	}
	delete(p.byUser, userID)
	metrics.OnlineUsers.Dec()
	return true
}

// Lookup 返回用户当前的活跃连接。
func (p *Presence) Lookup(userID uint) (*Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.byUser[userID]
	return c, ok
}

// SendToUser 把事件投递给用户当前连接，用户离线则静默丢弃，
// 可靠性由客户端重连后的历史同步兜底。
func (p *Presence) SendToUser(userID uint, msg []byte) bool {
	c, ok := p.Lookup(userID)
	if !ok {
		return false
	}
	c.enqueue(msg)
	return true
}

// Broadcast 把事件投递给全部在线连接，用于全局上下线通知。
func (p *Presence) Broadcast(msg []byte) {
	p.mu.RLock()
	clients := make([]*Client, 0, len(p.byUser))
	for _, c := range p.byUser {
		clients = append(clients, c)
	}
	p.mu.RUnlock()
	for _, c := range clients {
		c.enqueue(msg)
	}
}

// OnlineCount 返回当前在线用户数。
func (p *Presence) OnlineCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byUser)
}
