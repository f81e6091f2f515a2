package server

import (
	"sync"

	"github.com/alejzeis/pong-arena/common"
	log "github.com/sirupsen/logrus"
)

// Peer is one live connection of an authenticated user
type Peer interface {
	UserID() uint64
	// Send queues a frame for delivery. It must not block.
	Send(payload []byte) error
	IsOpen() bool
	Close() error
}

// Registry maps user ids to their live connection. A user has at most one connection: the last
// one registered wins.
type Registry struct {
	mutex sync.RWMutex
	peers map[uint64]Peer
	log   *log.Entry
}

func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[uint64]Peer),
		log:   log.WithField("component", "registry"),
	}
}

// Register stores the peer, closing and replacing any previous connection of the same user,
// and announces the user as online to everybody else
func (r *Registry) Register(peer Peer) {
	r.mutex.Lock()
	previous, existed := r.peers[peer.UserID()]
	r.peers[peer.UserID()] = peer
	r.mutex.Unlock()

	if existed && previous != peer {
		r.log.WithField("user", peer.UserID()).Info("Replacing existing connection")
		_ = previous.Close()
	}

	r.log.WithField("user", peer.UserID()).Debug("Registered connection")
	r.broadcastPresence(peer.UserID(), "online")
}

// Unregister removes the user's entry whatever connection it holds
func (r *Registry) Unregister(userID uint64) {
	r.mutex.Lock()
	_, existed := r.peers[userID]
	delete(r.peers, userID)
	r.mutex.Unlock()

	if existed {
		r.broadcastPresence(userID, "offline")
	}
}

// UnregisterPeer removes the entry only if it still holds this exact peer, so a replaced
// connection shutting down does not evict its successor. Reports whether it removed anything.
func (r *Registry) UnregisterPeer(peer Peer) bool {
	r.mutex.Lock()
	current, ok := r.peers[peer.UserID()]
	if !ok || current != peer {
		r.mutex.Unlock()
		return false
	}
	delete(r.peers, peer.UserID())
	r.mutex.Unlock()

	r.broadcastPresence(peer.UserID(), "offline")
	return true
}

// IsOpen reports whether the user has a registered connection that is still open
func (r *Registry) IsOpen(userID uint64) bool {
	r.mutex.RLock()
	peer, ok := r.peers[userID]
	r.mutex.RUnlock()
	return ok && peer.IsOpen()
}

// OnlineCount is the number of registered connections
func (r *Registry) OnlineCount() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.peers)
}

// SendTo delivers a raw frame to a user. Delivery is best effort: an absent or closed target is
// logged and otherwise ignored.
func (r *Registry) SendTo(userID uint64, payload []byte) {
	r.mutex.RLock()
	peer, ok := r.peers[userID]
	r.mutex.RUnlock()

	if !ok || !peer.IsOpen() {
		r.log.WithField("user", userID).Debug("Dropping message for offline user")
		return
	}
	if err := peer.Send(payload); err != nil {
		r.log.WithField("user", userID).WithError(err).Warn("Failed to deliver message")
	}
}

// Notify encodes and delivers a frame to a user
func (r *Registry) Notify(userID uint64, kind common.MessageKind, event string, data interface{}) {
	payload, err := common.EncodeFrame(kind, event, data)
	if err != nil {
		r.log.WithError(err).WithField("event", event).Error("Failed to encode message")
		return
	}
	r.SendTo(userID, payload)
}

// NotifyAll delivers the same frame to each of the users
func (r *Registry) NotifyAll(userIDs []uint64, kind common.MessageKind, event string, data interface{}) {
	payload, err := common.EncodeFrame(kind, event, data)
	if err != nil {
		r.log.WithError(err).WithField("event", event).Error("Failed to encode message")
		return
	}
	for _, id := range userIDs {
		r.SendTo(id, payload)
	}
}

// Broadcast sends the frame to every open connection. It works on a snapshot so sends happen
// outside the lock, and one failing peer does not stop the others.
func (r *Registry) Broadcast(payload []byte) {
	r.broadcastExcept(0, payload)
}

// BroadcastEvent encodes and broadcasts a frame
func (r *Registry) BroadcastEvent(kind common.MessageKind, event string, data interface{}) {
	payload, err := common.EncodeFrame(kind, event, data)
	if err != nil {
		r.log.WithError(err).WithField("event", event).Error("Failed to encode broadcast")
		return
	}
	r.Broadcast(payload)
}

func (r *Registry) broadcastExcept(skip uint64, payload []byte) {
	r.mutex.RLock()
	snapshot := make([]Peer, 0, len(r.peers))
	for id, peer := range r.peers {
		if id != skip {
			snapshot = append(snapshot, peer)
		}
	}
	r.mutex.RUnlock()

	for _, peer := range snapshot {
		if !peer.IsOpen() {
			continue
		}
		if err := peer.Send(payload); err != nil {
			r.log.WithField("user", peer.UserID()).WithError(err).Debug("Broadcast delivery failed")
		}
	}
}

func (r *Registry) broadcastPresence(userID uint64, status string) {
	payload, err := common.EncodeFrame(common.KindPresence, "", common.PresenceMessage{UserID: userID, Status: status})
	if err != nil {
		r.log.WithError(err).Error("Failed to encode presence")
		return
	}
	r.broadcastExcept(userID, payload)
}

// CloseAll closes and removes every registered connection, used on shutdown. The entries are
// dropped here so the closing sessions skip their per-user cleanup and a server stop does not
// count as players leaving their matches.
func (r *Registry) CloseAll() {
	r.mutex.RLock()
	snapshot := make([]Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		snapshot = append(snapshot, peer)
	}
	r.mutex.RUnlock()

	for _, peer := range snapshot {
		_ = peer.Close()
		r.Unregister(peer.UserID())
	}
}
