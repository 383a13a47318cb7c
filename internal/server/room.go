package server

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/livemessaging/backend/internal/database"
	"github.com/livemessaging/backend/internal/stats"
	"github.com/livemessaging/backend/internal/types"
)

const idleRoomTimeout = time.Minute

type exitReq struct {
	deleted bool
	done    chan struct{}
}

// sendRequest carries one invocation of the send pipeline into a
// room's goroutine. Exactly one of client (websocket publisher) or
// reply (request/response caller) receives the outcome.
type sendRequest struct {
	roomExternalId string
	sender         types.Account
	content        string
	client         *Client
	msgId          int
	reply          chan sendResult
}

type sendResult struct {
	msg types.ChatMessage
	err error
}

func (req *sendRequest) respond(msg types.ChatMessage, err error) {
	if req.reply != nil {
		req.reply <- sendResult{msg: msg, err: err}
	}

	if req.client != nil {
		if err != nil {
			req.client.queueMessage(errFrame(req.msgId, err))
		} else {
			req.client.queueMessage(NoErrAccepted(req.msgId))
		}
	}
}

// Room serializes all mutating traffic for one chat room: subscribes,
// unsubscribes and the send pipeline all run on the room's goroutine,
// so messages are always broadcast in the order they were durably
// appended.
type Room struct {
	id              int
	externalId      string
	name            string
	cs              *ChatServer
	log             *log.Logger
	subscribeChan   chan *ClientMessage
	unsubscribeChan chan *ClientMessage
	sendChan        chan *sendRequest
	clients         map[*Client]struct{}
	clientLock      sync.RWMutex
	// killTimer unloads the room after it has been idle with no
	// connected clients
	killTimer *time.Timer
	exit      chan exitReq
	done      chan struct{}
}

func (r *Room) start() {
	r.log.Printf("starting room %q", r.externalId)
	r.killTimer = time.NewTimer(idleRoomTimeout)

	for {
		select {
		case sub := <-r.subscribeChan:
			r.handleSubscribe(sub)
		case unsub := <-r.unsubscribeChan:
			r.handleUnsubscribe(unsub)
		case req := <-r.sendChan:
			r.handleSend(req)
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			r.handleRoomExit(e)
			return
		}
	}
}

// handleSubscribe attaches a client to the room's broadcast channel.
// Live subscription requires existing membership; subscribing never
// joins a room.
func (r *Room) handleSubscribe(msg *ClientMessage) {
	c := msg.client

	isMember, err := r.cs.db.MembershipExists(r.id, c.session.Account.Id)
	if err != nil {
		r.log.Println("MembershipExists:", err)
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	if !isMember {
		c.queueMessage(ErrForbidden(msg.Id))
		return
	}

	r.killTimer.Stop()
	r.addClient(c)

	c.queueMessage(NoErrOK(msg.Id, map[string]any{
		"room": types.Room{
			Id:   r.externalId,
			Name: r.name,
		},
	}))
}

func (r *Room) handleUnsubscribe(msg *ClientMessage) {
	c := msg.client
	r.removeClient(c)

	if msg.Id != 0 {
		c.queueMessage(NoErrOK(msg.Id, nil))
	}
}

// handleSend is the send pipeline: validate, auto-join, append,
// broadcast. Broadcast happens only after the append succeeded, so a
// message is never delivered without having been stored.
func (r *Room) handleSend(req *sendRequest) {
	content := strings.TrimSpace(req.content)
	if content == "" {
		req.respond(types.ChatMessage{}, ErrEmptyContent)
		return
	}

	isMember, err := r.cs.db.MembershipExists(r.id, req.sender.Id)
	if err != nil {
		r.log.Println("MembershipExists:", err)
		req.respond(types.ChatMessage{}, err)
		return
	}

	if !isMember {
		// auto-join on first send: any authenticated user may post
		// into an existing room and is enrolled as a member by doing
		// so
		r.log.Printf("auto-joining %q to room %q", req.sender.Email, r.externalId)
		if err := r.cs.db.CreateMembership(r.id, req.sender.Id); err != nil {
			r.log.Println("CreateMembership:", err)
			req.respond(types.ChatMessage{}, err)
			return
		}
	}

	msg, err := r.cs.db.CreateMessage(database.CreateMessageParams{
		RoomId:    r.id,
		AccountId: req.sender.Id,
		Content:   content,
	})
	if err != nil {
		// the join above survives a failed append; retrying the whole
		// send is safe because join is idempotent
		r.log.Println("CreateMessage:", err)
		req.respond(types.ChatMessage{}, err)
		return
	}

	chatMsg := types.ChatMessage{
		Id:        msg.Id.String(),
		RoomId:    r.externalId,
		Sender:    req.sender.DisplayName,
		Content:   msg.Content,
		Timestamp: msg.CreatedAt.UTC().Format(time.RFC3339),
	}

	req.respond(chatMsg, nil)
	r.cs.stats.Incr(stats.MessagesSent)

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: msg.CreatedAt,
		},
		Message: &chatMsg,
	})

	r.clientLock.RLock()
	idle := len(r.clients) == 0
	r.clientLock.RUnlock()
	if idle {
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) handleRoomTimeout() {
	r.log.Printf("room %q timed out", r.externalId)
	select {
	case r.cs.unloadRoomChan <- unloadRoomRequest{roomId: r.externalId}:
	default:
		// the hub is busy, try again next period
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) handleRoomExit(e exitReq) {
	r.log.Printf("room %q is exiting", r.externalId)
	if e.deleted {
		r.broadcast(&ServerMessage{
			BaseMessage: BaseMessage{
				Timestamp: Now(),
			},
			Notification: &Notification{
				RoomDeleted: &RoomDeleted{RoomId: r.externalId},
			},
		})
	}

	r.clientLock.Lock()
	for c := range r.clients {
		c.delRoom(r.externalId)
		delete(r.clients, c)
	}
	r.clientLock.Unlock()

	// drain queued sends so no request/response caller is left waiting
	for {
		select {
		case req := <-r.sendChan:
			req.respond(types.ChatMessage{}, ErrRoomUnavailable)
		default:
			close(r.done)
			return
		}
	}
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	c.addRoom(r)
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}

	delete(r.clients, c)
	c.delRoom(r.externalId)

	if len(r.clients) == 0 {
		r.log.Printf("no clients in %q, starting kill timer", r.externalId)
		r.killTimer.Reset(idleRoomTimeout)
	}
}

// broadcast fans a message out to every live subscriber of the room,
// including the sender. Slow subscribers are skipped, never waited on.
func (r *Room) broadcast(msg *ServerMessage) {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for client := range r.clients {
		if client == msg.SkipClient {
			continue
		}

		client.queueMessage(msg)
	}
}
