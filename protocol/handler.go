package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trainsync-relay/domain"
)

const (
	invalidMessage       = "Invalid message"
	authenticationFailed = "Authentication failed"
	alreadyAuthenticated = "Already authenticated"
	relayFailed          = "Message could not be delivered"

	defaultLookupTimeout = 3 * time.Second
)

type Option func(*Handler)

// WithDirectory enables name/email enrichment of presence announcements.
func WithDirectory(dir domain.Directory, timeout time.Duration) Option {
	return func(h *Handler) {
		h.directory = dir
		if timeout > 0 {
			h.lookupTimeout = timeout
		}
	}
}

type Handler struct {
	registry      domain.Registry
	verifier      domain.Verifier
	directory     domain.Directory
	lookupTimeout time.Duration
}

func NewHandler(r domain.Registry, v domain.Verifier, opts ...Option) *Handler {
	h := &Handler{
		registry:      r,
		verifier:      v,
		lookupTimeout: defaultLookupTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle processes one inbound frame from conn. Frames from a single
// connection must be handed in arrival order.
func (h *Handler) Handle(conn domain.Connection, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("message handling panicked", "clientId", conn.ID(), "panic", r)
			h.notify(conn, relayFailed)
		}
	}()

	msg, err := Parse(data)
	if err != nil {
		slog.Warn("invalid message", "clientId", conn.ID(), "error", err)
		h.notify(conn, invalidMessage)
		return
	}

	switch m := msg.(type) {
	case domain.Identify:
		h.identify(conn, m)
	case domain.Action:
		h.action(conn, m)
	}
}

// Disconnect deregisters an active connection. It is safe to call more than
// once and on connections that never authenticated.
func (h *Handler) Disconnect(conn domain.Connection) {
	identity, role := conn.Identity(), conn.Role()
	if identity == "" {
		return
	}
	if !h.registry.Deregister(identity, role, conn) {
		return
	}
	if role == domain.RoleUser {
		h.broadcastAdmins(nil, domain.Presence{UserID: identity, Offline: true})
	}
}

func (h *Handler) identify(conn domain.Connection, m domain.Identify) {
	if conn.State() != domain.StatePending {
		h.notify(conn, alreadyAuthenticated)
		return
	}

	claims, err := h.authenticate(m)
	if err != nil {
		slog.Warn("authentication failed", "clientId", conn.ID(), "error", err)
		h.notify(conn, authenticationFailed)
		return
	}

	if !conn.Promote(claims.Identity, m.Role) {
		return
	}

	switch m.Role {
	case domain.RoleAdmin:
		h.registry.RegisterAdmin(claims.Identity, conn)
		h.send(conn, domain.ConnectedUsers{ConnectedUsers: h.registry.UserIdentities()})
	case domain.RoleUser:
		h.registry.RegisterUser(claims.Identity, conn)
		h.announce(conn, claims.Identity)
	}
}

func (h *Handler) authenticate(m domain.Identify) (domain.Claims, error) {
	if !m.Role.Valid() {
		return domain.Claims{}, fmt.Errorf("%w: unknown role %q", domain.ErrAuth, m.Role)
	}
	claims, err := h.verifier.Authenticate(m.Token)
	if err != nil {
		return domain.Claims{}, err
	}
	if claims.Role != "" && claims.Role != m.Role {
		return domain.Claims{}, fmt.Errorf("%w: token role %q does not permit %q", domain.ErrAuth, claims.Role, m.Role)
	}
	return claims, nil
}

func (h *Handler) announce(conn domain.Connection, identity string) {
	presence := domain.Presence{UserID: identity}
	if h.directory != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.lookupTimeout)
		profile, err := h.directory.Lookup(ctx, identity)
		cancel()
		if err != nil {
			slog.Warn("directory lookup failed", "identity", identity, "error", err)
		} else {
			presence.Name = profile.Name
			presence.Email = profile.Email
		}
	}
	h.broadcastAdmins(conn, presence)
}

func (h *Handler) action(conn domain.Connection, m domain.Action) {
	if conn.State() != domain.StateActive {
		slog.Debug("action before authentication dropped", "clientId", conn.ID(), "action", m.Action)
		return
	}

	switch conn.Role() {
	case domain.RoleAdmin:
		h.directed(conn, m)
	case domain.RoleUser:
		h.broadcastAdmins(conn, domain.Relay{Action: m.Action, VideoTime: m.VideoTime, UserID: conn.Identity()})
	}
}

func (h *Handler) directed(sender domain.Connection, m domain.Action) {
	target := h.registry.LookupUser(m.UserID)
	if target == nil {
		err := fmt.Errorf("%w: no live user %q", domain.ErrRouting, m.UserID)
		slog.Info("directed action dropped", "clientId", sender.ID(), "action", m.Action, "error", err)
		return
	}

	if err := h.deliver(target, domain.Relay{Action: m.Action, VideoTime: m.VideoTime}); err != nil {
		slog.Warn("directed action not delivered", "clientId", sender.ID(), "target", m.UserID, "error", err)
		h.notify(sender, relayFailed)
		return
	}

	h.broadcastAdmins(sender, domain.Relay{Action: m.Action, VideoTime: m.VideoTime, UserID: m.UserID})
}

// broadcastAdmins sends v to every live admin except sender.
func (h *Handler) broadcastAdmins(sender domain.Connection, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal error", "error", err)
		return
	}
	for _, admin := range h.registry.AdminConnections() {
		if admin == sender {
			continue
		}
		if err := h.deliverRaw(admin, data); err != nil {
			slog.Warn("broadcast to admin failed", "clientId", admin.ID(), "error", err)
		}
	}
}

func (h *Handler) deliver(conn domain.Connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.deliverRaw(conn, data)
}

// deliverRaw treats a failed send as a disconnect of the receiving peer.
func (h *Handler) deliverRaw(conn domain.Connection, data []byte) error {
	if err := conn.Send(data); err != nil {
		conn.Close()
		h.Disconnect(conn)
		return fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	return nil
}

func (h *Handler) send(conn domain.Connection, v interface{}) {
	if err := h.deliver(conn, v); err != nil && !errors.Is(err, domain.ErrTransport) {
		slog.Error("marshal error", "clientId", conn.ID(), "error", err)
	}
}

func (h *Handler) notify(conn domain.Connection, message string) {
	if !conn.Live() {
		return
	}
	data, _ := json.Marshal(domain.Notice{Error: message})
	if err := conn.Send(data); err != nil {
		slog.Debug("notice not delivered", "clientId", conn.ID(), "error", err)
	}
}
