package server

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/livemessaging/backend/internal/auth"
	"github.com/livemessaging/backend/internal/database"
	"github.com/livemessaging/backend/internal/stats"
	"github.com/livemessaging/backend/internal/types"
)

type unloadRoomRequest struct {
	roomId  string
	deleted bool
	done    chan struct{}
}

type stopRequest struct {
	done chan struct{}
}

// ChatServer is the hub: it owns the registry of live connections and
// of loaded rooms, loads rooms on demand, and routes subscribe and
// send traffic onto the owning room's goroutine.
type ChatServer struct {
	log            *log.Logger
	db             database.ChatRepository
	auth           *auth.Authenticator
	stats          stats.StatsProvider
	clients        map[*Client]struct{}
	clientsLock    sync.Mutex
	rooms          map[string]*Room
	subscribeChan  chan *ClientMessage
	sendChan       chan *sendRequest
	RegisterChan   chan *Client
	deRegisterChan chan *Client
	unloadRoomChan chan unloadRoomRequest
	stop           chan stopRequest
}

func NewChatServer(logger *log.Logger, db database.ChatRepository, authn *auth.Authenticator, su stats.StatsProvider) (*ChatServer, error) {
	cs := &ChatServer{
		log:            logger,
		db:             db,
		auth:           authn,
		stats:          su,
		clients:        make(map[*Client]struct{}),
		rooms:          make(map[string]*Room),
		subscribeChan:  make(chan *ClientMessage, 256),
		sendChan:       make(chan *sendRequest, 256),
		RegisterChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		unloadRoomChan: make(chan unloadRoomRequest, 16),
		stop:           make(chan stopRequest),
	}

	su.RegisterMetric(stats.ActiveConnections)
	su.RegisterMetric(stats.ActiveRooms)
	su.RegisterMetric(stats.MessagesSent)
	su.RegisterMetric(stats.DroppedBroadcasts)

	return cs, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case msg := <-cs.subscribeChan:
			room, err := cs.loadRoom(msg.Subscribe.RoomId)
			if err != nil {
				msg.client.queueMessage(ErrRoomNotFound(msg.Id))
				continue
			}

			select {
			case room.subscribeChan <- msg:
			default:
				cs.log.Printf("subscribe channel full on room %q", room.externalId)
				msg.client.queueMessage(ErrServiceUnavailable(msg.Id))
			}
		case req := <-cs.sendChan:
			room, err := cs.loadRoom(req.roomExternalId)
			if err != nil {
				req.respond(types.ChatMessage{}, database.ErrNotFound)
				continue
			}

			select {
			case room.sendChan <- req:
			default:
				cs.log.Printf("send channel full on room %q", room.externalId)
				req.respond(types.ChatMessage{}, ErrRoomUnavailable)
			}
		case client := <-cs.RegisterChan:
			cs.addClient(client)
		case client := <-cs.deRegisterChan:
			cs.removeClient(client)
		case req := <-cs.unloadRoomChan:
			cs.handleUnloadRoom(req)
		case req := <-cs.stop:
			cs.log.Println("shutting down rooms")
			for _, r := range cs.rooms {
				r.exit <- exitReq{}
				<-r.done
			}
			cs.rooms = make(map[string]*Room)

			close(req.done)
			return
		}
	}
}

// loadRoom returns the live room for an external id, starting its
// goroutine if the room exists but is not yet loaded.
func (cs *ChatServer) loadRoom(externalId string) (*Room, error) {
	if room, ok := cs.rooms[externalId]; ok {
		return room, nil
	}

	dbRoom, err := cs.db.GetRoomByExternalId(externalId)
	if err != nil {
		return nil, err
	}

	room := &Room{
		id:              dbRoom.Id,
		externalId:      dbRoom.ExternalId,
		name:            dbRoom.Name,
		cs:              cs,
		log:             cs.log,
		subscribeChan:   make(chan *ClientMessage, 256),
		unsubscribeChan: make(chan *ClientMessage, 256),
		sendChan:        make(chan *sendRequest, 256),
		clients:         make(map[*Client]struct{}),
		exit:            make(chan exitReq),
		done:            make(chan struct{}),
	}

	cs.rooms[room.externalId] = room
	cs.stats.Incr(stats.ActiveRooms)
	go room.start()

	return room, nil
}

func (cs *ChatServer) handleUnloadRoom(req unloadRoomRequest) {
	if r, ok := cs.rooms[req.roomId]; ok {
		cs.log.Printf("unloading room %q", r.externalId)
		delete(cs.rooms, req.roomId)
		r.exit <- exitReq{deleted: req.deleted}
		<-r.done
		cs.stats.Decr(stats.ActiveRooms)
	}

	if req.done != nil {
		close(req.done)
	}
}

// SendMessage runs the send pipeline for a request/response caller and
// waits for the room goroutine's reply, so the caller observes
// persist-before-respond.
func (cs *ChatServer) SendMessage(ctx context.Context, roomExternalId string, sender types.Account, content string) (types.ChatMessage, error) {
	// content is validated before the room is even resolved
	if strings.TrimSpace(content) == "" {
		return types.ChatMessage{}, ErrEmptyContent
	}

	req := &sendRequest{
		roomExternalId: roomExternalId,
		sender:         sender,
		content:        content,
		reply:          make(chan sendResult, 1),
	}

	select {
	case cs.sendChan <- req:
	case <-ctx.Done():
		return types.ChatMessage{}, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.msg, res.err
	case <-ctx.Done():
		return types.ChatMessage{}, ctx.Err()
	}
}

// UnloadRoom evicts a live room, broadcasting a room-deleted
// notification to its subscribers when deleted is set. Unloading a
// room that is not live is a no-op.
func (cs *ChatServer) UnloadRoom(ctx context.Context, roomExternalId string, deleted bool) error {
	req := unloadRoomRequest{
		roomId:  roomExternalId,
		deleted: deleted,
		done:    make(chan struct{}),
	}

	select {
	case cs.unloadRoomChan <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cs *ChatServer) RegisterClient(c *Client) {
	cs.RegisterChan <- c
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	cs.clients[c] = struct{}{}
	cs.stats.Incr(stats.ActiveConnections)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	if _, ok := cs.clients[c]; ok {
		delete(cs.clients, c)
		cs.stats.Decr(stats.ActiveConnections)
	}
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")

	cs.clientsLock.Lock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	req := stopRequest{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
