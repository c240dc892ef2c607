package ws

import (
	"sync"
	"sync/atomic"

	"github.com/glamour29/chat-app/internal/metrics"
)

// Hub 管理房间级别的子 Hub，实现延迟创建与并发安全。
type Hub struct {
	mu    sync.RWMutex
	rooms map[uint]*RoomHub
}

func NewHub() *Hub { return &Hub{rooms: make(map[uint]*RoomHub)} }

// GetRoom 若房间未初始化则懒加载一个 RoomHub。
func (h *Hub) GetRoom(roomID uint) *RoomHub {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room != nil {
		return room
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	room = h.rooms[roomID]
	if room != nil {
		return room
	}
	room = NewRoomHub(roomID)
	h.rooms[roomID] = room
	go room.run()
	return room
}

// BroadcastToRoom 把事件投递给房间的全部订阅连接，发送者也会收到回显。
func (h *Hub) BroadcastToRoom(roomID uint, msg []byte) {
	if msg == nil {
		return
	}
	h.GetRoom(roomID).broadcast <- frame{data: msg}
}

// BroadcastToRoomExcept 把事件投递给除 except 以外的订阅连接，
// 用于 typing 这类不需要回显给发送者的信号。
func (h *Hub) BroadcastToRoomExcept(roomID uint, msg []byte, except *Client) {
	if msg == nil {
		return
	}
	h.GetRoom(roomID).broadcast <- frame{data: msg, except: except}
}

// Online 返回房间当前订阅连接数。
func (h *Hub) Online(roomID uint) int {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room == nil {
		return 0
	}
	return room.Online()
}

type frame struct {
	data   []byte
	except *Client
}

type RoomHub struct {
	roomID     uint
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan frame
	online     int32
}

func NewRoomHub(roomID uint) *RoomHub {
	return &RoomHub{
		roomID:     roomID,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan frame, 256),
	}
}

// run 是房间的单写者事件循环，订阅集合只在这里被修改。
// 一个连接可以同时订阅多个房间，send 通道的关闭由连接自身负责，
// 消费过慢时这里只丢帧不摘除连接。
func (rh *RoomHub) run() {
	for {
		select {
		case c := <-rh.register:
			if !rh.clients[c] {
				rh.clients[c] = true
				atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
				metrics.RoomSubscriptions.Inc()
			}
		case c := <-rh.unregister:
			if _, ok := rh.clients[c]; ok {
				delete(rh.clients, c)
				atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
				metrics.RoomSubscriptions.Dec()
			}
		case f := <-rh.broadcast:
			for c := range rh.clients {
				if c == f.except {
					continue
				}
				select {
				case c.send <- f.data:
				default:
				}
			}
		}
	}
}

// Online 返回房间订阅连接数量，供 REST 接口复用。
func (rh *RoomHub) Online() int { return int(atomic.LoadInt32(&rh.online)) }
