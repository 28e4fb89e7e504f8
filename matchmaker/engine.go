// Package matchmaker pairs waiting sessions into direct rooms.
//
// An Engine is not safe for concurrent use. Every call must come from the
// same goroutine, or be otherwise serialized by the caller; the engine itself
// never blocks and never performs I/O beyond handing instructions to its
// Transport.
package matchmaker

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/gosuda/stranger-chat/metrics"
)

const (
	// DefaultMinScore is the lowest compatibility score that pairs two
	// sessions without waiting. A shared mood alone reaches it.
	DefaultMinScore = 5
	// DefaultStarvationAfter is how long a session may wait before it is
	// paired with any eligible newcomer regardless of score.
	DefaultStarvationAfter = 10 * time.Second
)

// Engine owns the waiting pool, the room set and every known session.
type Engine struct {
	transport Transport

	// waiting and rooms iterate in insertion order, which makes the
	// first-seen tie-break reproducible.
	waiting  *orderedmap.OrderedMap[string, *Session]
	rooms    *orderedmap.OrderedMap[string, *Room]
	sessions map[string]*Session

	now             func() time.Time
	newRoomID       func() string
	minScore        int
	starvationAfter time.Duration
	log             zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRoomIDs replaces the room id generator.
func WithRoomIDs(gen func() string) Option {
	return func(e *Engine) { e.newRoomID = gen }
}

// WithMinScore sets the score threshold for an immediate match.
func WithMinScore(score int) Option {
	return func(e *Engine) { e.minScore = score }
}

// WithStarvationAfter sets the wait after which score is ignored.
func WithStarvationAfter(d time.Duration) Option {
	return func(e *Engine) { e.starvationAfter = d }
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// NewEngine creates an engine delivering through t. A nil t discards all
// deliveries.
func NewEngine(t Transport, opts ...Option) *Engine {
	if t == nil {
		t = nopTransport{}
	}
	e := &Engine{
		transport:       t,
		waiting:         orderedmap.New[string, *Session](),
		rooms:           orderedmap.New[string, *Room](),
		sessions:        make(map[string]*Session),
		now:             time.Now,
		newRoomID:       uuid.NewString,
		minScore:        DefaultMinScore,
		starvationAfter: DefaultStarvationAfter,
		log:             zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With().Str("component", "matchmaker").Logger()
	return e
}

// Register records a session without queueing it. An already known session
// keeps its state and only picks up the new handle and blocks.
func (e *Engine) Register(s *Session) {
	if s == nil || s.ID == "" {
		return
	}
	if cur, ok := e.sessions[s.ID]; ok {
		cur.Handle = s.Handle
		for id := range s.Blocked {
			cur.Block(id)
		}
		return
	}
	s.Status = StatusIdle
	if s.DisplayName == "" {
		s.DisplayName = DisplayName(s.ID)
	}
	e.sessions[s.ID] = s
	e.observe()
}

// JoinQueue pairs s with the best waiting candidate, or parks it in the
// waiting pool when there is none. Joining while in a room leaves that room
// first. Re-joining while already waiting is a no-op: the existing record
// and its queuedAt are left untouched, so the wait keeps counting.
func (e *Engine) JoinQueue(s *Session) {
	if s == nil || s.ID == "" {
		return
	}
	if _, ok := e.waiting.Get(s.ID); ok {
		return
	}

	if s.DisplayName == "" {
		s.DisplayName = DisplayName(s.ID)
	}
	s.QueuedAt = e.now()
	e.sessions[s.ID] = s

	if _, ok := e.RoomOf(s.ID); ok {
		e.leaveRooms(s.ID)
	}

	match, reason := e.findBestMatch(s)
	if match == nil {
		s.Status = StatusSearching
		e.waiting.Set(s.ID, s)
		e.transport.Emit(s.Handle, Event{Type: EventSearching})
		e.log.Debug().Str("session", s.ID).Int("waiting", e.waiting.Len()).Msg("added to queue")
		e.observe()
		return
	}

	e.waiting.Delete(match.ID)
	room := &Room{
		ID:           e.newRoomID(),
		Mode:         ModeDirect,
		Participants: []string{s.ID, match.ID},
		CreatedAt:    e.now(),
	}
	e.rooms.Set(room.ID, room)
	s.Status = StatusConnected
	match.Status = StatusConnected

	e.transport.JoinGroup(s.Handle, room.ID)
	e.transport.JoinGroup(match.Handle, room.ID)
	e.transport.Emit(s.Handle, Event{Type: EventFound, RoomID: room.ID, Peer: match.ID})
	e.transport.Emit(match.Handle, Event{Type: EventFound, RoomID: room.ID, Peer: s.ID})

	metrics.RecordMatch(reason)
	e.log.Info().
		Str("session", s.ID).
		Str("peer", match.ID).
		Str("room", room.ID).
		Str("reason", reason).
		Int("score", Compatibility(s, match)).
		Msg("matched")
	e.observe()
}

// findBestMatch scans the pool once for the highest score, first seen
// winning ties, then once more for a starving candidate.
func (e *Engine) findBestMatch(s *Session) (*Session, string) {
	if e.waiting.Len() == 0 {
		return nil, ""
	}

	var best *Session
	bestScore := 0
	for p := e.waiting.Oldest(); p != nil; p = p.Next() {
		c := p.Value
		if !eligible(s, c) {
			continue
		}
		if score := Compatibility(s, c); score > bestScore {
			best, bestScore = c, score
		}
	}
	if best != nil && bestScore >= e.minScore {
		return best, metrics.ReasonScore
	}

	now := e.now()
	for p := e.waiting.Oldest(); p != nil; p = p.Next() {
		c := p.Value
		if !eligible(s, c) || c.QueuedAt.IsZero() {
			continue
		}
		if now.Sub(c.QueuedAt) > e.starvationAfter {
			return c, metrics.ReasonStarvation
		}
	}
	return nil, ""
}

func eligible(s, c *Session) bool {
	return c != nil && c.ID != s.ID && !s.Blocks(c.ID) && !c.Blocks(s.ID)
}

// LeaveQueue removes id from the waiting pool. Unknown ids are ignored.
func (e *Engine) LeaveQueue(id string) {
	if _, ok := e.waiting.Delete(id); !ok {
		return
	}
	if s, ok := e.sessions[id]; ok && s.Status == StatusSearching {
		s.Status = StatusIdle
	}
	e.log.Debug().Str("session", id).Msg("left queue")
	e.observe()
}

// LeaveRoom takes id out of every room it is in, tells the remaining
// participants their partner left, drops rooms left empty and forgets the
// session. Calling it again for the same id does nothing.
func (e *Engine) LeaveRoom(id string) {
	e.leaveRooms(id)
	delete(e.sessions, id)
	e.observe()
}

// Disconnect retracts everything id has standing: its place in the queue,
// its room membership and its session record.
func (e *Engine) Disconnect(id string) {
	e.LeaveQueue(id)
	e.LeaveRoom(id)
}

func (e *Engine) leaveRooms(id string) {
	var left []*Room
	for p := e.rooms.Oldest(); p != nil; p = p.Next() {
		if p.Value.Has(id) {
			left = append(left, p.Value)
		}
	}

	s := e.sessions[id]
	for _, room := range left {
		room.remove(id)
		if s != nil {
			e.transport.LeaveGroup(s.Handle, room.ID)
		}
		for _, peerID := range room.Participants {
			peer, ok := e.sessions[peerID]
			if !ok {
				continue
			}
			e.transport.Emit(peer.Handle, Event{Type: EventPartnerLeft, RoomID: room.ID})
			metrics.RecordPartnerLeft()
		}
		if len(room.Participants) == 0 {
			e.rooms.Delete(room.ID)
			e.log.Debug().Str("room", room.ID).Msg("room closed")
		}
		e.log.Info().Str("session", id).Str("room", room.ID).Msg("left room")
	}
	if s != nil && len(left) > 0 {
		s.Status = StatusIdle
	}
}

// Block makes id refuse future matches with target. The block is recorded
// on the live session only; callers persist it if they need to.
func (e *Engine) Block(id, target string) {
	if s, ok := e.sessions[id]; ok && target != "" {
		s.Block(target)
	}
}

// Unblock lets id be matched with target again, unless target blocks id.
func (e *Engine) Unblock(id, target string) {
	if s, ok := e.sessions[id]; ok {
		s.Unblock(target)
	}
}

// RoomOf returns the room id is a participant of.
func (e *Engine) RoomOf(id string) (*Room, bool) {
	for p := e.rooms.Oldest(); p != nil; p = p.Next() {
		if p.Value.Has(id) {
			return p.Value, true
		}
	}
	return nil, false
}

// Session returns the known session with the given id.
func (e *Engine) Session(id string) (*Session, bool) {
	s, ok := e.sessions[id]
	return s, ok
}

// IsWaiting reports whether id is in the waiting pool.
func (e *Engine) IsWaiting(id string) bool {
	_, ok := e.waiting.Get(id)
	return ok
}

// OnlineCount is the number of known sessions.
func (e *Engine) OnlineCount() int { return len(e.sessions) }

// WaitingCount is the size of the waiting pool.
func (e *Engine) WaitingCount() int { return e.waiting.Len() }

// RoomCount is the number of live rooms.
func (e *Engine) RoomCount() int { return e.rooms.Len() }

func (e *Engine) observe() {
	metrics.SetPopulation(len(e.sessions), e.waiting.Len(), e.rooms.Len())
}
