package server

import (
	"sort"
	"sync"
	"time"

	"github.com/alejzeis/pong-arena/common"
	log "github.com/sirupsen/logrus"
)

const statusSearching = "searching"

// queueEntry is one user waiting for an opponent
type queueEntry struct {
	UserID     uint64
	EnqueuedAt time.Time
	Status     string

	seq uint64 // insertion order, breaks ties between equal timestamps
}

// QueueStatus is what Status reports for a user. State is "searching" while queued and
// empty otherwise.
type QueueStatus struct {
	Queued   bool
	State    string
	Position int
	Waited   time.Duration
}

// Matchmaker holds the FIFO matchmaking queue and pairs users two at a time
type Matchmaker struct {
	mutex   sync.Mutex
	entries []queueEntry
	nextSeq uint64

	rooms      *RoomManager
	registry   *Registry
	graceDelay time.Duration
	now        func() time.Time
	log        *log.Entry
}

func NewMatchmaker(cfg Config, registry *Registry, rooms *RoomManager) *Matchmaker {
	return &Matchmaker{
		rooms:      rooms,
		registry:   registry,
		graceDelay: cfg.MatchmakingGrace,
		now:        time.Now,
		log:        log.WithField("component", "matchmaker"),
	}
}

// Enqueue adds the user to the queue and pairs whoever can be paired
func (mm *Matchmaker) Enqueue(userID uint64) error {
	mm.mutex.Lock()
	defer mm.mutex.Unlock()

	if _, inRoom := mm.rooms.RoomOf(userID); inRoom {
		return ErrAlreadyInRoom
	}
	if mm.indexLocked(userID) >= 0 {
		return ErrAlreadyQueued
	}

	mm.insertLocked(queueEntry{UserID: userID, EnqueuedAt: mm.now(), Status: statusSearching})
	mm.log.WithFields(log.Fields{"user": userID, "queued": len(mm.entries)}).Info("User joined matchmaking")

	mm.registry.Notify(userID, common.KindMatchmaking, common.EventQueued, common.QueueMessage{
		Queued:   true,
		Status:   statusSearching,
		Position: mm.indexLocked(userID) + 1,
	})

	mm.pairLocked()
	return nil
}

// Dequeue removes the user from the queue on request
func (mm *Matchmaker) Dequeue(userID uint64) error {
	if !mm.Remove(userID) {
		return ErrNotQueued
	}
	mm.registry.Notify(userID, common.KindMatchmaking, common.EventDequeued, common.QueueMessage{Queued: false})
	return nil
}

// Remove drops the user from the queue if present. Safe to call from disconnect cleanup.
func (mm *Matchmaker) Remove(userID uint64) bool {
	mm.mutex.Lock()
	defer mm.mutex.Unlock()

	i := mm.indexLocked(userID)
	if i < 0 {
		return false
	}
	mm.entries = append(mm.entries[:i], mm.entries[i+1:]...)
	mm.log.WithField("user", userID).Info("User left matchmaking")
	return true
}

// Status reports whether the user is queued, at which position and for how long
func (mm *Matchmaker) Status(userID uint64) QueueStatus {
	mm.mutex.Lock()
	defer mm.mutex.Unlock()

	i := mm.indexLocked(userID)
	if i < 0 {
		return QueueStatus{}
	}
	e := mm.entries[i]
	return QueueStatus{Queued: true, State: e.Status, Position: i + 1, Waited: mm.now().Sub(e.EnqueuedAt)}
}

// Len is the number of users searching
func (mm *Matchmaker) Len() int {
	mm.mutex.Lock()
	defer mm.mutex.Unlock()
	return len(mm.entries)
}

// ReserveForMatch withdraws the players from the queue and runs create while holding the queue,
// so nobody can be paired by matchmaking while being seated elsewhere. If create fails the
// withdrawn entries are put back untouched. Used for tournament rooms and direct joins.
func (mm *Matchmaker) ReserveForMatch(players []uint64, create func() error) error {
	mm.mutex.Lock()
	defer mm.mutex.Unlock()

	var withdrawn []queueEntry
	for _, id := range players {
		if i := mm.indexLocked(id); i >= 0 {
			withdrawn = append(withdrawn, mm.entries[i])
			mm.entries = append(mm.entries[:i], mm.entries[i+1:]...)
		}
	}

	if err := create(); err != nil {
		for _, e := range withdrawn {
			mm.insertLocked(e)
		}
		return err
	}
	for _, e := range withdrawn {
		mm.log.WithField("user", e.UserID).Info("User withdrawn from matchmaking to take a seat")
	}
	return nil
}

// pairLocked pairs the two longest waiting users for as long as there are two
func (mm *Matchmaker) pairLocked() {
	for len(mm.entries) >= 2 {
		first, second := mm.entries[0], mm.entries[1]
		mm.entries = mm.entries[2:]

		players := []uint64{first.UserID, second.UserID}
		room, err := mm.rooms.CreateRoom(players, nil)
		if err != nil {
			mm.log.WithError(err).WithField("players", players).Warn("Failed to set up matched room, requeueing")
			mm.insertLocked(first)
			mm.insertLocked(second)
			mm.registry.NotifyAll(players, common.KindMatchmaking, common.EventMatchmakingFailed, common.ErrorMessage{
				Code:    string(CodeMatchmakingFailed),
				Message: ErrMatchmakingFailed.Message,
			})
			return
		}

		mm.log.WithFields(log.Fields{"room": room.ID, "players": players}).Info("Matched players")
		mm.registry.Notify(first.UserID, common.KindMatchmaking, common.EventMatched, common.MatchedMessage{
			RoomID: room.ID, Opponent: second.UserID, Players: players,
		})
		mm.registry.Notify(second.UserID, common.KindMatchmaking, common.EventMatched, common.MatchedMessage{
			RoomID: room.ID, Opponent: first.UserID, Players: players,
		})

		roomID := room.ID
		time.AfterFunc(mm.graceDelay, func() { mm.rooms.AutoStart(roomID) })
	}
}

// insertLocked keeps entries sorted by enqueue time then insertion order, so restored entries
// regain their original place
func (mm *Matchmaker) insertLocked(e queueEntry) {
	if e.seq == 0 {
		mm.nextSeq++
		e.seq = mm.nextSeq
	}
	i := sort.Search(len(mm.entries), func(i int) bool {
		other := mm.entries[i]
		if !other.EnqueuedAt.Equal(e.EnqueuedAt) {
			return other.EnqueuedAt.After(e.EnqueuedAt)
		}
		return other.seq > e.seq
	})
	mm.entries = append(mm.entries, queueEntry{})
	copy(mm.entries[i+1:], mm.entries[i:])
	mm.entries[i] = e
}

func (mm *Matchmaker) indexLocked(userID uint64) int {
	for i, e := range mm.entries {
		if e.UserID == userID {
			return i
		}
	}
	return -1
}
