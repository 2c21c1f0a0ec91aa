package hub

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"trainsync-relay/domain"
)

const supersededMessage = "Another device connected. You have been logged out."

var supersededNotice, _ = json.Marshal(domain.Notice{Error: supersededMessage})

// Hub is the process-wide registry of authenticated connections, one map per
// role. All mutations go through mu; sends to peers are made on snapshots
// taken under the lock.
type Hub struct {
	admins map[string]domain.Connection
	users  map[string]domain.Connection
	mu     sync.RWMutex
}

func New() *Hub {
	return &Hub{
		admins: make(map[string]domain.Connection),
		users:  make(map[string]domain.Connection),
	}
}

func (h *Hub) RegisterAdmin(identity string, conn domain.Connection) {
	h.mu.Lock()
	h.admins[identity] = conn
	count := len(h.admins)
	h.mu.Unlock()

	slog.Info("admin connected", "identity", identity, "clientId", conn.ID(), "admins", count)
}

// RegisterUser installs conn as the current connection for identity. A
// previously registered connection is sent the superseded notice and closed
// before the new one is installed, and is returned.
func (h *Hub) RegisterUser(identity string, conn domain.Connection) domain.Connection {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev, exists := h.users[identity]
	if exists && prev == conn {
		return nil
	}
	if exists {
		if prev.Live() {
			if err := prev.Send(supersededNotice); err != nil {
				slog.Warn("superseded notice not delivered", "identity", identity, "clientId", prev.ID(), "error", err)
			}
		}
		prev.Close()
		slog.Info("user session superseded", "identity", identity, "evicted", prev.ID(), "clientId", conn.ID())
	}
	h.users[identity] = conn

	slog.Info("user connected", "identity", identity, "clientId", conn.ID(), "users", len(h.users))
	if !exists {
		return nil
	}
	return prev
}

// Deregister removes identity from the map for role only if it still points
// at conn. It reports whether an entry was removed.
func (h *Hub) Deregister(identity string, role domain.Role, conn domain.Connection) bool {
	h.mu.Lock()
	m := h.roleMap(role)
	if m == nil {
		h.mu.Unlock()
		return false
	}
	current, exists := m[identity]
	if !exists || current != conn {
		h.mu.Unlock()
		return false
	}
	delete(m, identity)
	count := len(m)
	h.mu.Unlock()

	slog.Info("client disconnected", "identity", identity, "role", role, "clientId", conn.ID(), "remaining", count)
	return true
}

func (h *Hub) AdminConnections() []domain.Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := make([]domain.Connection, 0, len(h.admins))
	for _, conn := range h.admins {
		if conn.Live() {
			conns = append(conns, conn)
		}
	}
	return conns
}

func (h *Hub) LookupUser(identity string) domain.Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conn, exists := h.users[identity]
	if !exists || !conn.Live() {
		return nil
	}
	return conn
}

// UserIdentities returns the identities of live users in sorted order.
func (h *Hub) UserIdentities() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.users))
	for id, conn := range h.users {
		if conn.Live() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) Stats() (admins, users int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.admins), len(h.users)
}

func (h *Hub) roleMap(role domain.Role) map[string]domain.Connection {
	switch role {
	case domain.RoleAdmin:
		return h.admins
	case domain.RoleUser:
		return h.users
	}
	return nil
}
