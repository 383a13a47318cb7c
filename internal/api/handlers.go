package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/livemessaging/backend/internal/auth"
	"github.com/livemessaging/backend/internal/database"
	"github.com/livemessaging/backend/internal/server"
	"github.com/livemessaging/backend/internal/types"
	"github.com/samber/lo"
	"github.com/teris-io/shortid"
)

const defaultHistoryLimit = 50

type RegisterRequest struct {
	Email       string `json:"email" validate:"required,email"`
	DisplayName string `json:"display_name" validate:"required"`
	Password    string `json:"password" validate:"required"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type DeleteAccountRequest struct {
	Password string `json:"password" validate:"required"`
}

type CreateRoomRequest struct {
	Name string `json:"name" validate:"required"`
}

// JoinRoomRequest joins by external room id or by name; exactly one is
// needed, id wins when both are set.
type JoinRoomRequest struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

type PostMessageRequest struct {
	RoomId  string `json:"room_id" validate:"required"`
	Content string `json:"content" validate:"required"`
}

func (s *App) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

// decodeRequest decodes and validates a JSON request body.
func (s *App) decodeRequest(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return err
	}

	return s.validate.Struct(v)
}

func accountResponse(a database.Account) types.Account {
	return types.Account{
		Id:          a.Id,
		Email:       a.Email,
		DisplayName: a.DisplayName,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

func roomResponse(r database.Room) types.Room {
	return types.Room{
		Id:        r.ExternalId,
		Name:      r.Name,
		CreatedAt: r.CreatedAt,
	}
}

func messageResponse(roomExternalId string) func(database.Message, int) types.ChatMessage {
	return func(m database.Message, _ int) types.ChatMessage {
		return types.ChatMessage{
			Id:        m.Id.String(),
			RoomId:    roomExternalId,
			Sender:    m.SenderName,
			Content:   m.Content,
			Timestamp: m.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
}

func (s *App) healthCheck(w http.ResponseWriter, _ *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.Println("health check:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *App) register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	// normalize before validation so "  User@Example.COM " is accepted
	req.Email = auth.NormalizeEmail(req.Email)
	if err := s.validate.Struct(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	pwdHash, err := auth.HashPassword(req.Password)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	newAccount, err := s.db.CreateAccount(database.CreateAccountParams{
		Email:        req.Email,
		DisplayName:  displayName,
		PasswordHash: pwdHash,
	})
	if err != nil {
		errResp := fromRepoError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	token, err := s.auth.CreateToken(newAccount.Id, newAccount.Email)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, types.AuthResponse{
		Token:   token,
		Account: accountResponse(newAccount),
	})
}

func (s *App) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := s.decodeRequest(r, &req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	account, err := s.db.GetAccountByEmail(auth.NormalizeEmail(req.Email))
	if err != nil {
		// an unknown email and a bad password are indistinguishable
		var errResp *ApiError
		if errors.Is(err, database.ErrNotFound) {
			errResp = NewUnauthorizedError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !auth.VerifyPassword(account.PasswordHash, req.Password) {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	token, err := s.auth.CreateToken(account.Id, account.Email)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, types.AuthResponse{
		Token:   token,
		Account: accountResponse(account),
	})
}

func (s *App) session(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	account, err := s.db.GetAccountById(identity.UserId)
	if err != nil {
		errResp := fromRepoError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, accountResponse(account))
}

// deleteAccount removes the caller's account after re-checking the
// password, cascading to every message they sent and every membership
// they held.
func (s *App) deleteAccount(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req DeleteAccountRequest
	if err := s.decodeRequest(r, &req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	account, err := s.db.GetAccountById(identity.UserId)
	if err != nil {
		errResp := fromRepoError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !auth.VerifyPassword(account.PasswordHash, req.Password) {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.db.DeleteAccount(account.Id); err != nil {
		errResp := fromRepoError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *App) listRooms(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	rooms, err := s.db.ListRoomsForAccount(identity.UserId)
	if err != nil {
		s.log.Println("list rooms:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, lo.Map(rooms, func(r database.Room, _ int) types.Room {
		return roomResponse(r)
	}))
}

func (s *App) createRoom(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateRoomRequest
	if err := s.decodeRequest(r, &req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sid, err := shortid.Generate()
	if err != nil {
		s.log.Println("generate short id:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	newRoom, err := s.db.CreateRoom(database.CreateRoomParams{
		Name:       name,
		ExternalId: sid,
		CreatorId:  identity.UserId,
	})
	if err != nil {
		errResp := fromRepoError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, roomResponse(newRoom))
}

// joinRoom is the explicit join: idempotent, re-joining an already
// joined room succeeds without creating a duplicate record.
func (s *App) joinRoom(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req JoinRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var (
		room database.Room
		err  error
	)
	switch {
	case req.Id != "":
		room, err = s.db.GetRoomByExternalId(req.Id)
	case strings.TrimSpace(req.Name) != "":
		room, err = s.db.GetRoomByName(strings.TrimSpace(req.Name))
	default:
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if err != nil {
		errResp := fromRepoError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.db.CreateMembership(room.Id, identity.UserId); err != nil {
		s.log.Println("create membership:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *App) deleteRoom(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	externalId := r.URL.Query().Get("id")
	if externalId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.db.GetRoomByExternalId(externalId)
	if err != nil {
		errResp := fromRepoError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	// only members may delete a room
	isMember, err := s.db.MembershipExists(room.Id, identity.UserId)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if !isMember {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.db.DeleteRoom(room.Id); err != nil {
		s.log.Println("delete room:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.cs.UnloadRoom(r.Context(), room.ExternalId, true); err != nil {
		s.log.Println("unload room:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// getMessages returns room history in creation order. Reading requires
// existing membership; it never auto-joins. Membership is checked once
// at call entry.
func (s *App) getMessages(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	externalId := r.URL.Query().Get("room_id")
	if externalId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.db.GetRoomByExternalId(externalId)
	if err != nil {
		errResp := fromRepoError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	isMember, err := s.db.MembershipExists(room.Id, identity.UserId)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if !isMember {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	limit := defaultHistoryLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	messages, err := s.db.GetMessages(room.Id, limit)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, lo.Map(messages, messageResponse(room.ExternalId)))
}

// postMessage is the request/response entry into the send pipeline.
func (s *App) postMessage(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req PostMessageRequest
	if err := s.decodeRequest(r, &req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	account, err := s.db.GetAccountById(identity.UserId)
	if err != nil {
		errResp := fromRepoError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	msg, err := s.cs.SendMessage(r.Context(), req.RoomId, accountResponse(account), req.Content)
	if err != nil {
		var errResp *ApiError
		switch {
		case errors.Is(err, server.ErrEmptyContent):
			errResp = NewBadRequestError()
		case errors.Is(err, database.ErrNotFound):
			errResp = NewNotFoundError()
		case errors.Is(err, server.ErrRoomUnavailable):
			errResp = &ApiError{StatusCode: http.StatusServiceUnavailable, Message: lower(http.StatusText(http.StatusServiceUnavailable))}
		default:
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, msg)
}

// serveWs upgrades the connection without checking credentials; the
// connection gate authenticates the opening frame instead, so a peer
// with a bad token still gets a normal websocket handshake.
func (s *App) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(conn, s.cs, s.log)

	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}
