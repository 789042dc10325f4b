package pulsewatch

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const feedWriteTimeout = 2 * time.Second

// StatusFeed publishes every reconciled snapshot as a JSON frame to any
// subscribed WebSocket client. Status bars connect to it instead of linking
// against the engine directly; the feed never renders anything itself.
type StatusFeed struct {
	logger        *zap.SugaredLogger
	listenAddress string

	server *http.Server

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	last    []byte
}

// NewStatusFeed creates a StatusFeed instance listening on the given address
func NewStatusFeed(logger *zap.SugaredLogger, listenAddress string) *StatusFeed {
	logger = logger.Named("feed")

	f := &StatusFeed{
		logger:        logger,
		listenAddress: listenAddress,
		clients:       map[*websocket.Conn]bool{},
	}

	logger.Debug("Created status feed instance")

	return f
}

// Start begins serving WebSocket subscriptions in the background
func (f *StatusFeed) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", f.handleSubscriber)

	f.server = &http.Server{
		Addr:    f.listenAddress,
		Handler: mux,
	}

	go func() {
		f.logger.Infow("Status feed listening", "address", f.listenAddress)

		if err := f.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.logger.Warnw("Status feed server stopped", "error", err)
		}
	}()
}

// Stop closes the server and disconnects all subscribers
func (f *StatusFeed) Stop() {
	if f.server != nil {
		_ = f.server.Close()
	}

	f.mu.Lock()
	for conn := range f.clients {
		_ = conn.Close()
	}
	f.clients = map[*websocket.Conn]bool{}
	f.mu.Unlock()

	f.logger.Debug("Status feed stopped")
}

var feedUpgrader = websocket.Upgrader{
	HandshakeTimeout: 2 * time.Second,

	// the feed binds to localhost; bar processes don't send an Origin header
	CheckOrigin: func(*http.Request) bool { return true },
}

func (f *StatusFeed) handleSubscriber(w http.ResponseWriter, r *http.Request) {
	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warnw("Failed to upgrade status feed subscriber", "error", err)
		return
	}

	f.logger.Debugw("Status feed subscriber connected", "remote", conn.RemoteAddr())

	// catch the newcomer up with the current state before registering it, so
	// this write can't race a concurrent Publish on the same connection
	f.mu.Lock()
	if f.last != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
		_ = conn.WriteMessage(websocket.TextMessage, f.last)
		_ = conn.SetWriteDeadline(time.Time{})
	}
	f.clients[conn] = true
	f.mu.Unlock()

	// subscribers never send anything meaningful; the read loop only
	// notices disconnects
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				f.drop(conn)
				return
			}
		}
	}()
}

func (f *StatusFeed) drop(conn *websocket.Conn) {
	f.mu.Lock()
	delete(f.clients, conn)
	f.mu.Unlock()

	_ = conn.Close()

	f.logger.Debugw("Status feed subscriber disconnected", "remote", conn.RemoteAddr())
}

// Publish fans the snapshot out to every subscriber
func (f *StatusFeed) Publish(snapshot Snapshot) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		f.logger.Warnw("Failed to marshal snapshot", "error", err)
		return
	}

	f.mu.Lock()
	f.last = payload

	var dead []*websocket.Conn

	for conn := range f.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			dead = append(dead, conn)
			continue
		}
		_ = conn.SetWriteDeadline(time.Time{})
	}

	for _, conn := range dead {
		delete(f.clients, conn)
		_ = conn.Close()
	}
	f.mu.Unlock()
}
