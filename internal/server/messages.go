package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/livemessaging/backend/internal/database"
	"github.com/livemessaging/backend/internal/types"
)

// Pipeline errors surfaced by the send path. The api package maps the
// repository sentinels onto its own HTTP taxonomy; these cover the
// conditions the hub itself detects.
var (
	ErrEmptyContent    = errors.New("message content is required")
	ErrRoomUnavailable = errors.New("room unavailable")
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Connect     *Connect     `json:"connect,omitempty"`
	Subscribe   *Subscribe   `json:"subscribe,omitempty"`
	Unsubscribe *Unsubscribe `json:"unsubscribe,omitempty"`
	Publish     *Publish     `json:"publish,omitempty"`
	client      *Client
}

// Connect is the opening handshake frame of a real-time connection. It
// is the only frame that ever carries a credential.
type Connect struct {
	Authorization string `json:"authorization"`
}

type Subscribe struct {
	RoomId string `json:"room_id"`
}

type Unsubscribe struct {
	RoomId string `json:"room_id"`
}

type Publish struct {
	RoomId  string `json:"room_id"`
	Content string `json:"content"`
}

type ServerMessage struct {
	BaseMessage
	Response     *Response          `json:"response,omitempty"`
	Message      *types.ChatMessage `json:"message,omitempty"`
	Notification *Notification      `json:"notification,omitempty"`
	SkipClient   *Client            `json:"-"`
}

type Response struct {
	ResponseCode int            `json:"response_code"`
	Error        string         `json:"error,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

type Notification struct {
	RoomDeleted *RoomDeleted `json:"room_deleted,omitempty"`
}

type RoomDeleted struct {
	RoomId string `json:"room_id"`
}

func NoErrOK(id int, data map[string]any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func NoErrAccepted(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusAccepted,
		},
	}
}

func errResponse(id, code int, msg string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        msg,
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	return errResponse(id, http.StatusBadRequest, "invalid message")
}

func ErrUnauthorized(id int) *ServerMessage {
	return errResponse(id, http.StatusUnauthorized, "unauthorized")
}

func ErrForbidden(id int) *ServerMessage {
	return errResponse(id, http.StatusForbidden, "forbidden")
}

func ErrRoomNotFound(id int) *ServerMessage {
	return errResponse(id, http.StatusNotFound, "room not found")
}

func ErrInternalError(id int) *ServerMessage {
	return errResponse(id, http.StatusInternalServerError, "internal server error")
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return errResponse(id, http.StatusServiceUnavailable, "service unavailable")
}

// errFrame maps a pipeline error to the response frame queued to a
// websocket publisher.
func errFrame(id int, err error) *ServerMessage {
	switch {
	case errors.Is(err, ErrEmptyContent):
		return ErrInvalidMessage(id)
	case errors.Is(err, database.ErrNotFound):
		return ErrRoomNotFound(id)
	case errors.Is(err, ErrRoomUnavailable):
		return ErrServiceUnavailable(id)
	default:
		return ErrInternalError(id)
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
