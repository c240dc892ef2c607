package ws

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glamour29/chat-app/internal/auth"
	"github.com/glamour29/chat-app/internal/config"
	"github.com/glamour29/chat-app/internal/metrics"
	"github.com/glamour29/chat-app/internal/models"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client 代表一条已通过认证的 WebSocket 连接。
// rooms 记录当前订阅的房间，踢人路径会跨 goroutine 触碰，需要加锁。
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	user   models.User
	mu     sync.Mutex
	rooms  map[uint]*RoomHub
	closed sync.Once
}

func newClient(conn *websocket.Conn, user models.User) *Client {
	return &Client{
		conn:  conn,
		send:  make(chan []byte, 256),
		user:  user,
		rooms: make(map[uint]*RoomHub),
	}
}

// enqueue 非阻塞投递一帧，队列满时丢弃，客户端靠历史同步补齐。
func (c *Client) enqueue(msg []byte) {
	if msg == nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *Client) joinRoom(rh *RoomHub) {
	c.mu.Lock()
	c.rooms[rh.roomID] = rh
	c.mu.Unlock()
	rh.register <- c
}

func (c *Client) leaveRoom(roomID uint) {
	c.mu.Lock()
	rh, ok := c.rooms[roomID]
	if ok {
		delete(c.rooms, roomID)
	}
	c.mu.Unlock()
	if ok {
		rh.unregister <- c
	}
}

func (c *Client) inRoom(roomID uint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

func (c *Client) leaveAll() {
	c.mu.Lock()
	hubs := make([]*RoomHub, 0, len(c.rooms))
	for _, rh := range c.rooms {
		hubs = append(hubs, rh)
	}
	c.rooms = make(map[uint]*RoomHub)
	c.mu.Unlock()
	for _, rh := range hubs {
		rh.unregister <- c
	}
}

// close 终止连接，可安全重复调用（旧会话被顶掉时也走这里）。
func (c *Client) close() {
	c.closed.Do(func() {
		close(c.send)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// closeConn 只关底层连接，不碰 send channel。被顶掉的旧连接走这里：
// 其 readPump 随之出错返回，再按正常断开顺序执行 leaveAll 和 close，
// 保证 send 只会在连接退出所有房间之后才被关闭。
func (c *Client) closeConn() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// Serve 处理 WebSocket 升级。认证在注册任何事件处理之前执行且只执行一次，
// 未通过认证的连接不会产生任何状态。
func Serve(sess *Session, db *gorm.DB, cfg config.Config) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		token := auth.TokenFromRequest(ctx.Request)
		user, err := auth.Authenticate(db, cfg, token)
		if err != nil {
			if errors.Is(err, auth.ErrMissingToken) {
				ctx.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
				return
			}
			ctx.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credential"})
			return
		}

		conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
		if err != nil {
			return
		}
		client := newClient(conn, *user)
		metrics.WsConnections.Inc()
		sess.HandleConnect(client)

		go client.writePump()
		client.readPump(sess)
	}
}

func (c *Client) readPump(sess *Session) {
	defer func() {
		sess.HandleDisconnect(c)
		metrics.WsConnections.Dec()
		c.close()
	}()
	c.conn.SetReadLimit(1 << 20) // 1MB
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		// 单条连接的事件严格按到达顺序串行处理。
		sess.HandleEvent(c, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Uint("user_id", c.user.ID).Msg("ws ping failed")
				return
			}
		}
	}
}
