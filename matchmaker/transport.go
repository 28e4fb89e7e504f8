package matchmaker

// EventType names an event delivered to a session's connection.
type EventType string

const (
	EventSearching   EventType = "match:searching"
	EventFound       EventType = "match:found"
	EventPartnerLeft EventType = "match:partner_left"
)

// Event is the payload the engine asks the transport to deliver.
type Event struct {
	Type   EventType
	RoomID string
	Peer   string
}

// Transport performs delivery on behalf of the engine. Calls are
// fire-and-forget: implementations must not block and must tolerate
// handles whose connection is already gone.
type Transport interface {
	// Emit delivers ev to the connection behind h.
	Emit(h Handle, ev Event)
	// JoinGroup adds h to the delivery group named group.
	JoinGroup(h Handle, group string)
	// LeaveGroup removes h from the delivery group named group.
	LeaveGroup(h Handle, group string)
}

type nopTransport struct{}

func (nopTransport) Emit(Handle, Event) {}
func (nopTransport) JoinGroup(Handle, string) {}
func (nopTransport) LeaveGroup(Handle, string) {}
