package hub

import (
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Authenticator resolves the identity of a connecting viewer.
type Authenticator interface {
	Authenticate(r *http.Request) (userID int64, ok bool)
}

type AuthenticatorFunc func(r *http.Request) (int64, bool)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (int64, bool) {
	return f(r)
}

// Handler upgrades authenticated requests and registers them with the hub.
// Requests without an identity get 401 and are not upgraded. An empty
// allowedOrigins accepts any origin.
func (h *Hub) Handler(auth Authenticator, allowedOrigins []string) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin(allowedOrigins),
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := auth.Authenticate(r)
		if !ok {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		h.Register(conn, userID)
	})
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := map[string]bool{}
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return set[origin] || set[u.Host]
	}
}
