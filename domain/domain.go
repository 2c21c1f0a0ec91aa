package domain

import (
	"context"
	"encoding/json"
	"errors"
)

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleUser
}

var (
	ErrParse     = errors.New("parse error")
	ErrAuth      = errors.New("authentication error")
	ErrRouting   = errors.New("routing error")
	ErrTransport = errors.New("transport error")
)

// Inbound is either an Identify or an Action.
type Inbound interface {
	inbound()
}

type Identify struct {
	Token string
	Role  Role
}

type Action struct {
	Action    string
	VideoTime json.RawMessage
	UserID    string
}

func (Identify) inbound() {}
func (Action) inbound()   {}

type ConnectedUsers struct {
	ConnectedUsers []string `json:"connectedUsers"`
}

type Presence struct {
	UserID  string `json:"userId"`
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Offline bool   `json:"offline,omitempty"`
}

type Relay struct {
	Action    string          `json:"action"`
	VideoTime json.RawMessage `json:"videoTime,omitempty"`
	UserID    string          `json:"userId,omitempty"`
}

type Notice struct {
	Error string `json:"error"`
}

type Connection interface {
	ID() string
	Identity() string
	Role() Role
	State() State
	// Promote moves a pending connection to active. It reports false if the
	// connection was already promoted or closed.
	Promote(identity string, role Role) bool
	Live() bool
	Send(data []byte) error
	Close() error
}

type Registry interface {
	RegisterAdmin(identity string, conn Connection)
	RegisterUser(identity string, conn Connection) Connection
	Deregister(identity string, role Role, conn Connection) bool
	AdminConnections() []Connection
	LookupUser(identity string) Connection
	UserIdentities() []string
	Stats() (admins, users int)
}

type Claims struct {
	Identity string
	// Role is empty when the token carries no role claim.
	Role Role
}

type Verifier interface {
	Authenticate(token string) (Claims, error)
}

type Profile struct {
	Name  string
	Email string
}

type Directory interface {
	Lookup(ctx context.Context, identity string) (Profile, error)
}

type MessageHandler interface {
	Handle(conn Connection, data []byte)
	Disconnect(conn Connection)
}
