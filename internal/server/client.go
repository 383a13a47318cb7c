package server

import (
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/livemessaging/backend/internal/stats"
	"github.com/livemessaging/backend/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1024
)

// Session is the connection-bound identity: populated at most once by
// the connection gate when the opening frame carries a valid
// credential, read-only thereafter, discarded when the connection
// closes.
type Session struct {
	Account types.Account
}

type Client struct {
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	// session is nil until the gate authenticates the connection. A
	// connection whose opening frame carried no valid credential keeps
	// a nil session forever; every identity-requiring frame fails.
	session *Session
	// connectSeen records that the opening frame was consumed. The
	// gate inspects only the first connect frame per connection.
	connectSeen bool
	send        chan *ServerMessage
	rooms       map[string]*Room
	roomsLock   sync.RWMutex
	stop        chan struct{}
	stopOnce    sync.Once
}

func NewClient(conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	return &Client{
		conn:       conn,
		chatServer: cs,
		log:        l,
		send:       make(chan *ServerMessage, 256),
		rooms:      make(map[string]*Room),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Println("write exiting")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Println("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		msg.client = c
		msg.Timestamp = Now()

		if msg.Connect != nil {
			c.handleConnect(&msg)
			continue
		}

		// everything past the handshake requires the attached identity
		if c.session == nil {
			c.queueMessage(ErrUnauthorized(msg.Id))
			continue
		}

		switch {
		case msg.Subscribe != nil:
			c.subscribeRoom(&msg)
		case msg.Unsubscribe != nil:
			c.unsubscribeRoom(&msg)
		case msg.Publish != nil:
			c.publish(&msg)
		default:
			c.queueMessage(ErrInvalidMessage(msg.Id))
		}
	}
}

// handleConnect is the connection auth gate. It inspects only the
// opening connect frame: a valid bearer credential attaches the
// resolved identity to the session exactly once; anything else leaves
// the connection open but permanently unauthenticated.
func (c *Client) handleConnect(msg *ClientMessage) {
	if c.connectSeen {
		return
	}
	c.connectSeen = true

	identity, err := c.chatServer.auth.ResolveBearer(msg.Connect.Authorization)
	if err != nil {
		c.log.Println("connection handshake rejected:", err)
		c.queueMessage(ErrUnauthorized(msg.Id))
		return
	}

	account, err := c.chatServer.db.GetAccountByEmail(identity.Email)
	if err != nil {
		c.log.Println("connection handshake account lookup:", err)
		c.queueMessage(ErrUnauthorized(msg.Id))
		return
	}

	c.session = &Session{
		Account: types.Account{
			Id:          account.Id,
			Email:       account.Email,
			DisplayName: account.DisplayName,
			CreatedAt:   account.CreatedAt,
			UpdatedAt:   account.UpdatedAt,
		},
	}

	c.queueMessage(NoErrOK(msg.Id, map[string]any{
		"account": c.session.Account,
	}))
}

func (c *Client) subscribeRoom(msg *ClientMessage) {
	select {
	case c.chatServer.subscribeChan <- msg:
	default:
		c.log.Printf("subscribeChan full")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) unsubscribeRoom(msg *ClientMessage) {
	r := c.getRoom(msg.Unsubscribe.RoomId)
	if r == nil {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	select {
	case r.unsubscribeChan <- msg:
	default:
		c.log.Printf("unsubscribeChan full for room %q", r.externalId)
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) publish(msg *ClientMessage) {
	if strings.TrimSpace(msg.Publish.Content) == "" {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	req := &sendRequest{
		roomExternalId: msg.Publish.RoomId,
		sender:         c.session.Account,
		content:        msg.Publish.Content,
		client:         c,
		msgId:          msg.Id,
	}

	select {
	case c.chatServer.sendChan <- req:
	default:
		c.log.Printf("sendChan full")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Println("failed to send message to client, channel is full")
		if c.chatServer != nil {
			c.chatServer.stats.Incr(stats.DroppedBroadcasts)
		}
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

// stopClient is safe to call from both the read pump's cleanup and
// the hub's shutdown.
func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// cleanup runs when the read pump exits: the client is unsubscribed
// from every room and its session identity is discarded with it.
func (c *Client) cleanup() {
	c.chatServer.deRegisterChan <- c
	c.leaveAllRooms()
	c.stopClient()
}

func (c *Client) leaveAllRooms() {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	for _, room := range c.rooms {
		// Id 0 marks a system-initiated leave, no reply is queued
		room.unsubscribeChan <- &ClientMessage{
			Unsubscribe: &Unsubscribe{RoomId: room.externalId},
			client:      c,
		}
	}
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, id)
}

func (c *Client) addRoom(r *Room) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	c.rooms[r.externalId] = r
}

func (c *Client) getRoom(id string) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	if room, ok := c.rooms[id]; ok {
		return room
	}

	return nil
}
