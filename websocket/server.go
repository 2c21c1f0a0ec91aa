package websocket

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"trainsync-relay/domain"
)

type Options struct {
	// AllowedOrigins lists accepted Origin headers; "*" accepts any.
	AllowedOrigins []string
	MessageRate    float64
	MessageBurst   int
}

// Handler upgrades requests and starts a pending Conn for each one.
func Handler(h domain.MessageHandler, opts Options) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("upgrade error", "error", err)
			return
		}

		var limiter *rate.Limiter
		if opts.MessageRate > 0 {
			burst := opts.MessageBurst
			if burst < 1 {
				burst = 1
			}
			limiter = rate.NewLimiter(rate.Limit(opts.MessageRate), burst)
		}

		conn := NewConn(uuid.New().String(), ws, h, limiter)
		slog.Debug("connection opened", "clientId", conn.ID(), "remote", r.RemoteAddr)
		conn.Start()
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}
