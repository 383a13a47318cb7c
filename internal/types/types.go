package types

import (
	"time"
)

type Account struct {
	Id          int       `json:"id"`
	Email       string    `json:"email,omitempty"`
	DisplayName string    `json:"display_name"`
	Password    string    `json:"-"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

type Room struct {
	Id        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ChatMessage is the broadcast payload delivered to live subscribers
// and returned by the history endpoint. Sender carries the display
// name, never the raw identity, and Timestamp is RFC3339.
type ChatMessage struct {
	Id        string `json:"id"`
	RoomId    string `json:"room_id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

type AuthResponse struct {
	Token   string  `json:"token"`
	Account Account `json:"account"`
}
