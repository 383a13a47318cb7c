package database

import (
	"time"

	"github.com/google/uuid"
)

const createMemberQuery = "INSERT INTO room_members (room_id, account_id, created_at) " +
	"VALUES ($1, $2, $3) ON CONFLICT (room_id, account_id) DO NOTHING"

func (db *PgChatRepository) CreateAccount(params CreateAccountParams) (Account, error) {
	res := db.conn.QueryRow(
		"INSERT INTO accounts (email, display_name, password_hash, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $4) RETURNING id, email, display_name, created_at, updated_at",
		params.Email,
		params.DisplayName,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var a Account
	err := res.Scan(
		&a.Id,
		&a.Email,
		&a.DisplayName,
		&a.CreatedAt,
		&a.UpdatedAt,
	)

	return a, mapError(err)
}

func (db *PgChatRepository) GetAccountById(accountId int) (Account, error) {
	row := db.conn.QueryRow(
		"SELECT id, email, display_name, password_hash, created_at, updated_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		accountId,
	)

	var a Account
	err := row.Scan(
		&a.Id,
		&a.Email,
		&a.DisplayName,
		&a.PasswordHash,
		&a.CreatedAt,
		&a.UpdatedAt,
	)

	return a, mapError(err)
}

func (db *PgChatRepository) GetAccountByEmail(email string) (Account, error) {
	row := db.conn.QueryRow(
		"SELECT id, email, display_name, password_hash, created_at, updated_at FROM accounts "+
			"WHERE lower(email) = lower($1) LIMIT 1",
		email,
	)

	var a Account
	err := row.Scan(
		&a.Id,
		&a.Email,
		&a.DisplayName,
		&a.PasswordHash,
		&a.CreatedAt,
		&a.UpdatedAt,
	)

	return a, mapError(err)
}

// DeleteAccount removes the account and, in the same transaction, all
// messages it sent and all its memberships.
func (db *PgChatRepository) DeleteAccount(accountId int) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.Exec("DELETE FROM messages WHERE account_id = $1", accountId)
	if err != nil {
		return err
	}

	_, err = tx.Exec("DELETE FROM room_members WHERE account_id = $1", accountId)
	if err != nil {
		return err
	}

	res, err := tx.Exec("DELETE FROM accounts WHERE id = $1", accountId)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		err = ErrNotFound
		return err
	}

	return tx.Commit()
}

// CreateRoom inserts the room and the creator's membership in one
// transaction, so a room is never observable without its creator being
// a member. A case-insensitive duplicate name yields ErrConflict.
func (db *PgChatRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Room{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res := tx.QueryRow(
		"INSERT INTO rooms (external_id, name, created_at) "+
			"VALUES ($1, $2, $3) RETURNING id, external_id, name, created_at",
		params.ExternalId,
		params.Name,
		time.Now().UTC(),
	)

	var room Room
	err = res.Scan(
		&room.Id,
		&room.ExternalId,
		&room.Name,
		&room.CreatedAt,
	)
	if err != nil {
		return Room{}, mapError(err)
	}

	_, err = tx.Exec(
		createMemberQuery,
		room.Id,
		params.CreatorId,
		time.Now().UTC(),
	)
	if err != nil {
		return Room{}, mapError(err)
	}

	if err = tx.Commit(); err != nil {
		return Room{}, err
	}

	return room, nil
}

func (db *PgChatRepository) GetRoomByExternalId(externalId string) (Room, error) {
	row := db.conn.QueryRow(
		"SELECT id, external_id, name, created_at FROM rooms "+
			"WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	var room Room
	err := row.Scan(
		&room.Id,
		&room.ExternalId,
		&room.Name,
		&room.CreatedAt,
	)

	return room, mapError(err)
}

func (db *PgChatRepository) GetRoomByName(name string) (Room, error) {
	row := db.conn.QueryRow(
		"SELECT id, external_id, name, created_at FROM rooms "+
			"WHERE lower(name) = lower($1) LIMIT 1",
		name,
	)

	var room Room
	err := row.Scan(
		&room.Id,
		&room.ExternalId,
		&room.Name,
		&room.CreatedAt,
	)

	return room, mapError(err)
}

func (db *PgChatRepository) ListRoomsForAccount(accountId int) ([]Room, error) {
	rows, err := db.conn.Query(
		"SELECT r.id, r.external_id, r.name, r.created_at FROM room_members m "+
			"JOIN rooms r ON r.id = m.room_id WHERE m.account_id = $1 "+
			"ORDER BY r.created_at ASC",
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err = rows.Scan(&room.Id, &room.ExternalId, &room.Name, &room.CreatedAt); err != nil {
			return nil, err
		}

		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

// DeleteRoom cascades in one transaction: messages first, then
// memberships, then the room itself.
func (db *PgChatRepository) DeleteRoom(roomId int) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.Exec("DELETE FROM messages WHERE room_id = $1", roomId)
	if err != nil {
		return err
	}

	_, err = tx.Exec("DELETE FROM room_members WHERE room_id = $1", roomId)
	if err != nil {
		return err
	}

	_, err = tx.Exec("DELETE FROM rooms WHERE id = $1", roomId)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// CreateMembership is an idempotent upsert keyed on the
// (room_id, account_id) uniqueness constraint; a concurrent duplicate
// join resolves to a no-op.
func (db *PgChatRepository) CreateMembership(roomId, accountId int) error {
	_, err := db.conn.Exec(
		createMemberQuery,
		roomId,
		accountId,
		time.Now().UTC(),
	)

	return mapError(err)
}

func (db *PgChatRepository) MembershipExists(roomId, accountId int) (bool, error) {
	row := db.conn.QueryRow(
		"SELECT id FROM room_members WHERE room_id = $1 AND account_id = $2 LIMIT 1",
		roomId,
		accountId,
	)

	var id int
	err := row.Scan(&id)
	if err != nil {
		if mapError(err) == ErrNotFound {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

func (db *PgChatRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	res := db.conn.QueryRow(
		"INSERT INTO messages (id, room_id, account_id, content, created_at) "+
			"VALUES ($1, $2, $3, $4, $5) RETURNING id, room_id, account_id, content, created_at",
		uuid.New(),
		params.RoomId,
		params.AccountId,
		params.Content,
		time.Now().UTC(),
	)

	var msg Message
	err := res.Scan(
		&msg.Id,
		&msg.RoomId,
		&msg.AccountId,
		&msg.Content,
		&msg.CreatedAt,
	)

	return msg, mapError(err)
}

func (db *PgChatRepository) GetMessages(roomId, limit int) ([]Message, error) {
	limit = clampLimit(limit)

	rows, err := db.conn.Query(
		"SELECT m.id, m.room_id, m.account_id, a.display_name, m.content, m.created_at "+
			"FROM messages m JOIN accounts a ON a.id = m.account_id "+
			"WHERE m.room_id = $1 ORDER BY m.created_at ASC LIMIT $2",
		roomId,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		if err = rows.Scan(&msg.Id, &msg.RoomId, &msg.AccountId, &msg.SenderName, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}

		messages = append(messages, msg)
	}

	return messages, rows.Err()
}
