package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsMessage is the envelope for both directions of the live channel.
// Inbound: identify, join-ride, leave-ride, update-location.
// Outbound: online-users-list, user-online, user-offline, location-updated, error.
type wsMessage struct {
	Type       string   `json:"type"`
	UserID     string   `json:"user_id,omitempty"`
	RideID     string   `json:"ride_id,omitempty"`
	Lat        float64  `json:"lat,omitempty"`
	Lng        float64  `json:"lng,omitempty"`
	Users      []string `json:"users,omitempty"`
	CapturedAt string   `json:"captured_at,omitempty"`
	Message    string   `json:"message,omitempty"`
}

type wsSession struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	userID string
	joined map[string]bool
}

func (c *wsSession) send(msg wsMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

type wsRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*wsSession
}

func newWSRegistry() *wsRegistry {
	return &wsRegistry{sessions: make(map[string]*wsSession)}
}

func (r *wsRegistry) add(c *wsSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[c.id] = c
}

func (r *wsRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// broadcast is best-effort: a failed peer write self-heals on the peer's
// next snapshot request.
func (r *wsRegistry) broadcast(msg wsMessage) {
	r.mu.RLock()
	peers := make([]*wsSession, 0, len(r.sessions))
	for _, c := range r.sessions {
		peers = append(peers, c)
	}
	r.mu.RUnlock()
	for _, c := range peers {
		_ = c.send(msg)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess := &wsSession{id: newID(), conn: conn, joined: make(map[string]bool)}
	s.sessions.add(sess)
	defer s.closeSession(sess)

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "identify":
			s.wsIdentify(sess, msg.UserID)
		case "join-ride":
			s.wsJoinRide(sess, msg.RideID)
		case "leave-ride":
			s.wsLeaveRide(sess, msg.RideID)
		case "update-location":
			s.wsUpdateLocation(r.Context(), sess, msg)
		default:
			_ = sess.send(wsMessage{Type: "error", Message: "unknown message type"})
		}
	}
}

func (s *Server) wsIdentify(sess *wsSession, userID string) {
	if userID == "" {
		return
	}
	sess.mu.Lock()
	if sess.userID != "" {
		sess.mu.Unlock()
		return
	}
	sess.userID = userID
	sess.mu.Unlock()

	online, wentOnline := s.Presence.Identify(userID)
	// fresh peer gets the full snapshot once
	_ = sess.send(wsMessage{Type: "online-users-list", Users: online})
	if wentOnline {
		s.sessions.broadcast(wsMessage{Type: "user-online", UserID: userID})
	}
	s.logger.Info("ws_identify", "user_id", userID, "session_id", sess.id)
}

func (s *Server) wsJoinRide(sess *wsSession, rideID string) {
	sess.mu.Lock()
	userID := sess.userID
	sess.mu.Unlock()
	if userID == "" || rideID == "" {
		return
	}
	ch, err := s.Relay.Join(rideID, userID)
	if err != nil {
		// join failures are silent: the client simply receives nothing
		s.logger.Debug("ws_join_rejected", "ride_id", rideID, "user_id", userID, "error", err)
		return
	}
	sess.mu.Lock()
	sess.joined[rideID] = true
	sess.mu.Unlock()

	go func() {
		for sample := range ch {
			_ = sess.send(wsMessage{
				Type:       "location-updated",
				RideID:     sample.RideID,
				Lat:        sample.Lat,
				Lng:        sample.Lng,
				CapturedAt: sample.CapturedAt.Format(time.RFC3339Nano),
			})
		}
	}()
}

func (s *Server) wsLeaveRide(sess *wsSession, rideID string) {
	sess.mu.Lock()
	userID := sess.userID
	delete(sess.joined, rideID)
	sess.mu.Unlock()
	if userID == "" || rideID == "" {
		return
	}
	s.Relay.Leave(rideID, userID)
}

func (s *Server) wsUpdateLocation(ctx context.Context, sess *wsSession, msg wsMessage) {
	sess.mu.Lock()
	userID := sess.userID
	sess.mu.Unlock()
	if userID == "" {
		return
	}
	if err := s.Relay.PublishLocation(ctx, msg.RideID, userID, msg.Lat, msg.Lng); err != nil {
		_ = sess.send(wsMessage{Type: "error", RideID: msg.RideID, Message: err.Error()})
	}
}

// closeSession runs the implicit connection-close effects: leave every
// joined relay and decrement presence.
func (s *Server) closeSession(sess *wsSession) {
	s.sessions.remove(sess.id)
	sess.mu.Lock()
	userID := sess.userID
	joined := make([]string, 0, len(sess.joined))
	for rideID := range sess.joined {
		joined = append(joined, rideID)
	}
	sess.joined = make(map[string]bool)
	sess.mu.Unlock()

	for _, rideID := range joined {
		s.Relay.Leave(rideID, userID)
	}
	if userID != "" && s.Presence.Disconnect(userID) {
		s.sessions.broadcast(wsMessage{Type: "user-offline", UserID: userID})
	}
	_ = sess.conn.Close()
}
