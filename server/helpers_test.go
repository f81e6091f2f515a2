package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alejzeis/pong-arena/common"
	"github.com/alejzeis/pong-arena/store"
	"github.com/stretchr/testify/require"
)

var ctxBackground = context.Background()

// fakePeer records every frame sent to it
type fakePeer struct {
	id uint64

	mutex  sync.Mutex
	frames []common.Frame
	open   bool
}

func newFakePeer(id uint64) *fakePeer {
	return &fakePeer{id: id, open: true}
}

func (p *fakePeer) UserID() uint64 { return p.id }

func (p *fakePeer) Send(payload []byte) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if !p.open {
		return common.ErrConnectionClosed
	}
	frame, err := common.DecodeFrame(payload)
	if err != nil {
		return err
	}
	p.frames = append(p.frames, frame)
	return nil
}

func (p *fakePeer) IsOpen() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.open
}

func (p *fakePeer) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.open = false
	return nil
}

// find returns the frames of the given kind and event, oldest first
func (p *fakePeer) find(kind common.MessageKind, event string) []common.Frame {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	var out []common.Frame
	for _, f := range p.frames {
		if f.Type == kind && f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func (p *fakePeer) has(kind common.MessageKind, event string) bool {
	return len(p.find(kind, event)) > 0
}

// last decodes the newest frame of kind/event into v, failing the test if there is none
func (p *fakePeer) last(t *testing.T, kind common.MessageKind, event string, v interface{}) {
	t.Helper()
	frames := p.find(kind, event)
	require.NotEmpty(t, frames, "user %d never received %s/%s", p.id, kind, event)
	require.NoError(t, json.Unmarshal(frames[len(frames)-1].Data, v))
}

// errorCodes lists the codes of the error frames received
func (p *fakePeer) errorCodes() []string {
	var codes []string
	for _, f := range p.find(common.KindError, "") {
		var msg common.ErrorMessage
		_ = json.Unmarshal(f.Data, &msg)
		codes = append(codes, msg.Code)
	}
	return codes
}

func (p *fakePeer) reset() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.frames = nil
}

// testEnv is a fully wired set of engines over a memory store
type testEnv struct {
	cfg         Config
	store       *store.MemoryStore
	registry    *Registry
	rooms       *RoomManager
	matchmaker  *Matchmaker
	tournaments *TournamentEngine
	router      *Router
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Secret = []byte("test-secret")
	cfg.WinningScore = 3
	cfg.MatchmakingGrace = 20 * time.Millisecond
	return cfg
}

func newTestEnv(cfg Config) *testEnv {
	st := store.NewMemoryStore()
	registry := NewRegistry()
	rooms := NewRoomManager(cfg, registry, st)
	mm := NewMatchmaker(cfg, registry, rooms)
	tournaments := NewTournamentEngine(st, registry, rooms, mm)
	return &testEnv{
		cfg:         cfg,
		store:       st,
		registry:    registry,
		rooms:       rooms,
		matchmaker:  mm,
		tournaments: tournaments,
		router:      NewRouter(registry, rooms, mm, tournaments),
	}
}

func (e *testEnv) connect(ids ...uint64) []*fakePeer {
	peers := make([]*fakePeer, len(ids))
	for i, id := range ids {
		peers[i] = newFakePeer(id)
		e.registry.Register(peers[i])
	}
	return peers
}

func (e *testEnv) send(peer Peer, raw string) {
	e.router.Dispatch(ctxBackground, peer, []byte(raw))
}
