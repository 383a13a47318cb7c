package database

import (
	"time"

	"github.com/google/uuid"
)

type Account struct {
	Id           int
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Room struct {
	Id         int
	ExternalId string
	Name       string
	CreatedAt  time.Time
}

type RoomMember struct {
	Id        int
	RoomId    int
	AccountId int
	CreatedAt time.Time
}

type Message struct {
	Id        uuid.UUID
	RoomId    int
	AccountId int
	// SenderName is the sender's display name, populated on reads that
	// join the accounts table.
	SenderName string
	Content    string
	CreatedAt  time.Time
}

type CreateAccountParams struct {
	Email        string
	DisplayName  string
	PasswordHash string
}

type CreateRoomParams struct {
	Name       string
	ExternalId string
	CreatorId  int
}

type CreateMessageParams struct {
	RoomId    int
	AccountId int
	Content   string
}
