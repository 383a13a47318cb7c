package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"golang.org/x/crypto/bcrypt"
)

const defaultTokenExpiration = time.Hour * 24

const (
	subjectClaim = "sub"
	userIdClaim  = "uid"
	expClaim     = "exp"
)

const bearerPrefix = "Bearer "

// ErrUnauthenticated is returned for any missing, malformed, invalid
// or expired credential. Callers never learn which.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is a verified caller identity resolved from a bearer token.
type Identity struct {
	UserId int
	Email  string
}

// Authenticator issues and validates the bearer tokens used by both
// the HTTP middleware and the websocket connection gate. Both paths
// must resolve identity through the same Authenticator so the
// semantics never diverge between transports.
type Authenticator struct {
	signingKey []byte
	expiration time.Duration
}

func NewAuthenticator(signingKey []byte) *Authenticator {
	return &Authenticator{
		signingKey: signingKey,
		expiration: defaultTokenExpiration,
	}
}

// NormalizeEmail lowers and trims an email address. All storage and
// lookup of emails goes through this normalization.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateToken signs a token bound to the given account. The subject is
// the normalized email.
func (a *Authenticator) CreateToken(userId int, email string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		subjectClaim: NormalizeEmail(email),
		userIdClaim:  userId,
		expClaim:     time.Now().Add(a.expiration).Unix(),
	})

	return token.SignedString(a.signingKey)
}

// ResolveToken validates a raw token string and extracts the identity
// bound to it.
func (a *Authenticator) ResolveToken(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return a.signingKey, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrUnauthenticated
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrUnauthenticated
	}

	email, ok := claims[subjectClaim].(string)
	if !ok || strings.TrimSpace(email) == "" {
		return Identity{}, ErrUnauthenticated
	}

	userId, ok := claims[userIdClaim].(float64)
	if !ok {
		return Identity{}, ErrUnauthenticated
	}

	return Identity{
		UserId: int(userId),
		Email:  NormalizeEmail(email),
	}, nil
}

// ResolveBearer resolves an "Authorization: Bearer <token>" header
// value. This is the single entry point for both the request path and
// the websocket handshake frame.
func (a *Authenticator) ResolveBearer(header string) (Identity, error) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return Identity{}, ErrUnauthenticated
	}

	return a.ResolveToken(strings.TrimPrefix(header, bearerPrefix))
}

func HashPassword(passwd string) (string, error) {
	passwdHash, err := bcrypt.GenerateFromPassword([]byte(passwd), bcrypt.DefaultCost)
	return string(passwdHash), err
}

func VerifyPassword(passwdHash, passwd string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(passwdHash), []byte(passwd))
	return err == nil
}
