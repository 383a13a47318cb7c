package database

// MaxHistoryLimit bounds any single history read. Requested limits are
// clamped into [1, MaxHistoryLimit], never rejected.
const MaxHistoryLimit = 200

func clampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

type ChatRepository interface {
	Ping() error
	CreateAccount(params CreateAccountParams) (Account, error)
	GetAccountById(accountId int) (Account, error)
	GetAccountByEmail(email string) (Account, error)
	DeleteAccount(accountId int) error
	CreateRoom(params CreateRoomParams) (Room, error)
	GetRoomByExternalId(externalId string) (Room, error)
	GetRoomByName(name string) (Room, error)
	ListRoomsForAccount(accountId int) ([]Room, error)
	DeleteRoom(roomId int) error
	CreateMembership(roomId, accountId int) error
	MembershipExists(roomId, accountId int) (bool, error)
	CreateMessage(params CreateMessageParams) (Message, error)
	GetMessages(roomId, limit int) ([]Message, error)
}
