package server

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/livemessaging/backend/internal/database"
	"github.com/livemessaging/backend/internal/stats"
	"github.com/livemessaging/backend/internal/testutil"
	"github.com/livemessaging/backend/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func newTestRoom(cs *ChatServer) *Room {
	return &Room{
		id:              1,
		externalId:      "testroom",
		name:            "Test Room",
		cs:              cs,
		log:             cs.log,
		subscribeChan:   make(chan *ClientMessage, 16),
		unsubscribeChan: make(chan *ClientMessage, 16),
		sendChan:        make(chan *sendRequest, 16),
		clients:         make(map[*Client]struct{}),
		killTimer:       time.NewTimer(idleRoomTimeout),
		exit:            make(chan exitReq),
		done:            make(chan struct{}),
	}
}

func newTestClient(t *testing.T, cs *ChatServer, account types.Account) *Client {
	c := &Client{
		chatServer: cs,
		log:        testutil.TestLogger(t),
		session:    &Session{Account: account},
		send:       make(chan *ServerMessage, 16),
		rooms:      make(map[string]*Room),
		stop:       make(chan struct{}),
	}
	return c
}

func Test_addClient_removeClient(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
	room := newTestRoom(cs)

	c := newTestClient(t, cs, types.Account{Id: 1, Email: "user@example.com"})
	room.addClient(c)
	assert.Lenf(t, room.clients, 1, "expected 1 client after adding, got %d", len(room.clients))
	assert.Contains(t, room.clients, c, "expected room.clients to contain client")
	assert.Contains(t, c.rooms, room.externalId, "expected client to track the room")

	room.removeClient(c)
	assert.Lenf(t, room.clients, 0, "expected 0 clients after removal, got %d", len(room.clients))
	assert.NotContains(t, c.rooms, room.externalId, "expected client to no longer track the room")
}

func Test_handleSubscribe(t *testing.T) {
	t.Run("member subscribes", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("MembershipExists", 1, 42).Return(true, nil).Once()
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)
		c := newTestClient(t, cs, types.Account{Id: 42})

		room.handleSubscribe(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Subscribe:   &Subscribe{RoomId: room.externalId},
			client:      c,
		})

		assert.Contains(t, room.clients, c, "expected client to be subscribed")

		select {
		case resp := <-c.send:
			assert.NotNil(t, resp.Response, "expected a response frame")
			assert.Equal(t, http.StatusOK, resp.Response.ResponseCode, "expected OK response")
			assert.Equal(t, 1, resp.Id, "expected response to carry the request id")
		default:
			t.Error("expected a response to be queued")
		}
	})

	t.Run("non-member is forbidden", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("MembershipExists", 1, 42).Return(false, nil).Once()
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)
		c := newTestClient(t, cs, types.Account{Id: 42})

		room.handleSubscribe(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Subscribe:   &Subscribe{RoomId: room.externalId},
			client:      c,
		})

		assert.NotContains(t, room.clients, c, "expected client not to be subscribed")

		select {
		case resp := <-c.send:
			assert.Equal(t, http.StatusForbidden, resp.Response.ResponseCode, "expected forbidden response")
		default:
			t.Error("expected a response to be queued")
		}
	})

	t.Run("membership lookup fails", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("MembershipExists", 1, 42).Return(false, errors.New("connection refused")).Once()
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)
		c := newTestClient(t, cs, types.Account{Id: 42})

		room.handleSubscribe(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Subscribe:   &Subscribe{RoomId: room.externalId},
			client:      c,
		})

		select {
		case resp := <-c.send:
			assert.Equal(t, http.StatusInternalServerError, resp.Response.ResponseCode, "expected internal error response")
		default:
			t.Error("expected a response to be queued")
		}
	})
}

func Test_handleUnsubscribe(t *testing.T) {
	t.Run("client-initiated leave gets a reply", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)
		c := newTestClient(t, cs, types.Account{Id: 42})
		room.addClient(c)

		room.handleUnsubscribe(&ClientMessage{
			BaseMessage: BaseMessage{Id: 3},
			Unsubscribe: &Unsubscribe{RoomId: room.externalId},
			client:      c,
		})

		assert.NotContains(t, room.clients, c, "expected client to be unsubscribed")

		select {
		case resp := <-c.send:
			assert.Equal(t, http.StatusOK, resp.Response.ResponseCode, "expected OK response")
			assert.Equal(t, 3, resp.Id, "expected response to carry the request id")
		default:
			t.Error("expected a response to be queued")
		}
	})

	t.Run("system-initiated leave is silent", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)
		c := newTestClient(t, cs, types.Account{Id: 42})
		room.addClient(c)

		room.handleUnsubscribe(&ClientMessage{
			Unsubscribe: &Unsubscribe{RoomId: room.externalId},
			client:      c,
		})

		assert.NotContains(t, room.clients, c, "expected client to be unsubscribed")
		assert.Len(t, c.send, 0, "expected no reply for a system-initiated leave")
	})
}

func Test_handleSend(t *testing.T) {
	msgId := uuid.New()
	now := time.Now()

	t.Run("member sends a message", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("MembershipExists", 1, 42).Return(true, nil).Once()
		db.On("CreateMessage", database.CreateMessageParams{
			RoomId:    1,
			AccountId: 42,
			Content:   "hello",
		}).Return(database.Message{
			Id:        msgId,
			RoomId:    1,
			AccountId: 42,
			Content:   "hello",
			CreatedAt: now,
		}, nil).Once()
		defer db.AssertExpectations(t)

		su := &stats.MockStatsUpdater{}
		su.On("Incr", stats.MessagesSent).Once()
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		room := newTestRoom(cs)

		req := &sendRequest{
			roomExternalId: room.externalId,
			sender:         types.Account{Id: 42, DisplayName: "User"},
			content:        "hello",
			reply:          make(chan sendResult, 1),
		}

		room.handleSend(req)

		res := <-req.reply
		assert.NoError(t, res.err, "expected no error")
		assert.Equal(t, msgId.String(), res.msg.Id, "expected persisted message id")
		assert.Equal(t, room.externalId, res.msg.RoomId, "expected external room id")
		assert.Equal(t, "User", res.msg.Sender, "expected sender display name")
		assert.Equal(t, "hello", res.msg.Content, "expected message content")
	})

	t.Run("auto-joins a non-member sender", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("MembershipExists", 1, 42).Return(false, nil).Once()
		db.On("CreateMembership", 1, 42).Return(nil).Once()
		db.On("CreateMessage", mock.Anything).Return(database.Message{
			Id:        msgId,
			RoomId:    1,
			AccountId: 42,
			Content:   "hello",
			CreatedAt: now,
		}, nil).Once()
		defer db.AssertExpectations(t)

		su := &stats.MockStatsUpdater{}
		su.On("Incr", stats.MessagesSent).Once()
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		room := newTestRoom(cs)

		req := &sendRequest{
			roomExternalId: room.externalId,
			sender:         types.Account{Id: 42, Email: "user@example.com"},
			content:        "hello",
			reply:          make(chan sendResult, 1),
		}

		room.handleSend(req)

		res := <-req.reply
		assert.NoError(t, res.err, "expected auto-join and send to succeed")
	})

	t.Run("auto-join fails", func(t *testing.T) {
		joinErr := errors.New("connection refused")

		db := &database.MockChatRepository{}
		db.On("MembershipExists", 1, 42).Return(false, nil).Once()
		db.On("CreateMembership", 1, 42).Return(joinErr).Once()
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)

		req := &sendRequest{
			roomExternalId: room.externalId,
			sender:         types.Account{Id: 42},
			content:        "hello",
			reply:          make(chan sendResult, 1),
		}

		room.handleSend(req)

		res := <-req.reply
		assert.ErrorIs(t, res.err, joinErr, "expected the join error, message must not be stored")
	})

	t.Run("whitespace-only content is rejected before any lookup", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)

		req := &sendRequest{
			roomExternalId: room.externalId,
			sender:         types.Account{Id: 42},
			content:        " \t\n ",
			reply:          make(chan sendResult, 1),
		}

		room.handleSend(req)

		res := <-req.reply
		assert.ErrorIs(t, res.err, ErrEmptyContent, "expected empty content error")
	})

	t.Run("append failure suppresses the broadcast", func(t *testing.T) {
		appendErr := errors.New("disk full")

		db := &database.MockChatRepository{}
		db.On("MembershipExists", 1, 42).Return(true, nil).Once()
		db.On("CreateMessage", mock.Anything).Return(database.Message{}, appendErr).Once()
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)

		subscriber := newTestClient(t, cs, types.Account{Id: 7})
		room.addClient(subscriber)

		req := &sendRequest{
			roomExternalId: room.externalId,
			sender:         types.Account{Id: 42},
			content:        "hello",
			reply:          make(chan sendResult, 1),
		}

		room.handleSend(req)

		res := <-req.reply
		assert.ErrorIs(t, res.err, appendErr, "expected the append error")
		assert.Len(t, subscriber.send, 0, "expected no broadcast for an unstored message")
	})

	t.Run("broadcasts to subscribers after persisting", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("MembershipExists", 1, 42).Return(true, nil).Once()
		db.On("CreateMessage", mock.Anything).Return(database.Message{
			Id:        msgId,
			RoomId:    1,
			AccountId: 42,
			Content:   "hello",
			CreatedAt: now,
		}, nil).Once()
		defer db.AssertExpectations(t)

		su := &stats.MockStatsUpdater{}
		su.On("Incr", stats.MessagesSent).Once()
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		room := newTestRoom(cs)

		sender := newTestClient(t, cs, types.Account{Id: 42, DisplayName: "User"})
		subscriber := newTestClient(t, cs, types.Account{Id: 7})
		room.addClient(sender)
		room.addClient(subscriber)

		req := &sendRequest{
			roomExternalId: room.externalId,
			sender:         sender.session.Account,
			content:        "hello",
			client:         sender,
			msgId:          5,
		}

		room.handleSend(req)

		// the websocket sender gets an accepted frame plus the broadcast
		resp := <-sender.send
		assert.Equal(t, http.StatusAccepted, resp.Response.ResponseCode, "expected accepted response for the sender")
		assert.Equal(t, 5, resp.Id, "expected response to carry the publish id")

		bcast := <-sender.send
		assert.NotNil(t, bcast.Message, "expected the sender to receive the broadcast")

		got := <-subscriber.send
		assert.NotNil(t, got.Message, "expected subscriber to receive the broadcast")
		assert.Equal(t, "hello", got.Message.Content, "expected broadcast content")
		assert.Equal(t, room.externalId, got.Message.RoomId, "expected broadcast room id")
	})
}

func Test_handleRoomTimeout(t *testing.T) {
	t.Run("successfully requests unload", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)

		room.handleRoomTimeout()
		select {
		case req := <-cs.unloadRoomChan:
			assert.Equal(t, room.externalId, req.roomId, "expected room id to match")
			assert.False(t, req.deleted, "expected deleted flag to be false")
		default:
			t.Error("expected unload request to be sent")
		}
	})

	t.Run("unload channel is full", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)

		if !room.killTimer.Stop() {
			<-room.killTimer.C
		}

		cs.unloadRoomChan = make(chan unloadRoomRequest, 1)
		cs.unloadRoomChan <- unloadRoomRequest{roomId: "another-room"}

		room.handleRoomTimeout()
		assert.True(t, room.killTimer.Stop(), "expected kill timer to be re-armed after failed unload request")
	})
}

func Test_handleRoomExit(t *testing.T) {
	t.Run("detaches clients", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)
		c := newTestClient(t, cs, types.Account{Id: 42})
		room.addClient(c)

		room.handleRoomExit(exitReq{})

		assert.Len(t, room.clients, 0, "expected all clients to be detached")
		assert.NotContains(t, c.rooms, room.externalId, "expected client to no longer track the room")
		select {
		case <-room.done:
		default:
			t.Error("expected done channel to be closed")
		}
	})

	t.Run("deleted room notifies subscribers", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)
		c := newTestClient(t, cs, types.Account{Id: 42})
		room.addClient(c)

		room.handleRoomExit(exitReq{deleted: true})

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg.Notification, "expected a notification frame")
			assert.NotNil(t, msg.Notification.RoomDeleted, "expected a room deleted notification")
			assert.Equal(t, room.externalId, msg.Notification.RoomDeleted.RoomId, "expected the deleted room id")
		default:
			t.Error("expected a notification to be queued")
		}
	})

	t.Run("queued sends are answered", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)

		req := &sendRequest{
			roomExternalId: room.externalId,
			content:        "hello",
			reply:          make(chan sendResult, 1),
		}
		room.sendChan <- req

		room.handleRoomExit(exitReq{})

		res := <-req.reply
		assert.ErrorIs(t, res.err, ErrRoomUnavailable, "expected queued send to fail with room unavailable")
	})
}

func Test_broadcast(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
	room := newTestRoom(cs)

	c1 := newTestClient(t, cs, types.Account{Id: 1})
	c2 := newTestClient(t, cs, types.Account{Id: 2})
	room.addClient(c1)
	room.addClient(c2)

	msg := &ServerMessage{
		Message:    &types.ChatMessage{Content: "hello"},
		SkipClient: c1,
	}
	room.broadcast(msg)

	assert.Len(t, c1.send, 0, "expected skipped client to receive nothing")
	assert.Len(t, c2.send, 1, "expected other client to receive the broadcast")
}
