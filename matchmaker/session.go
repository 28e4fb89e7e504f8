package matchmaker

import "time"

// Status is the matchmaking state of a session.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusSearching Status = "searching"
	StatusConnected Status = "connected"
)

// Handle addresses a session's connection in the transport layer.
// The engine never inspects it, it only hands it back to the Transport.
type Handle string

// Preferences drive compatibility scoring. A session without preferences
// scores zero against everyone.
type Preferences struct {
	Interests []string `json:"interests,omitempty"`
	Mood      string   `json:"mood,omitempty"`
}

// Session is a participant's matchmaking identity.
type Session struct {
	ID          string
	DisplayName string
	Status      Status
	Handle      Handle
	Blocked     map[string]struct{}
	Preferences *Preferences
	QueuedAt    time.Time
	CreatedAt   time.Time
}

// NewSession returns an idle session addressed by handle.
func NewSession(id string, handle Handle) *Session {
	return &Session{
		ID:          id,
		DisplayName: DisplayName(id),
		Status:      StatusIdle,
		Handle:      handle,
		Blocked:     make(map[string]struct{}),
		CreatedAt:   time.Now(),
	}
}

// DisplayName derives the label shown to peers from a session id.
func DisplayName(id string) string {
	r := []rune(id)
	if len(r) > 6 {
		r = r[:6]
	}
	return "User" + string(r)
}

// Block adds id to the session's blocked set.
func (s *Session) Block(id string) {
	if s.Blocked == nil {
		s.Blocked = make(map[string]struct{})
	}
	s.Blocked[id] = struct{}{}
}

// Unblock removes id from the session's blocked set.
func (s *Session) Unblock(id string) {
	delete(s.Blocked, id)
}

// Blocks reports whether the session refuses to be matched with id.
func (s *Session) Blocks(id string) bool {
	if s == nil || s.Blocked == nil {
		return false
	}
	_, ok := s.Blocked[id]
	return ok
}
