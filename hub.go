package main

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/stranger-chat/blockstore"
	"github.com/gosuda/stranger-chat/matchmaker"
	"github.com/gosuda/stranger-chat/metrics"
)

const commandBufferSize = 256

// Stats is a snapshot of the matchmaker's population.
type Stats struct {
	Online  int `json:"online"`
	Waiting int `json:"waiting"`
	Rooms   int `json:"rooms"`
}

// Hub serializes every matchmaker call and client delivery on one goroutine.
// It is the matchmaker's Transport: handles are client connections and
// groups are room ids.
type Hub struct {
	engine *matchmaker.Engine
	store  *blockstore.Store
	now    func() time.Time

	clients map[matchmaker.Handle]*Client
	groups  map[string]map[matchmaker.Handle]struct{}

	commands  chan func()
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	stats atomic.Pointer[Stats]
}

// NewHub starts the hub loop. store may be nil.
func NewHub(store *blockstore.Store, opts ...matchmaker.Option) *Hub {
	h := &Hub{
		store:    store,
		now:      time.Now,
		clients:  make(map[matchmaker.Handle]*Client),
		groups:   make(map[string]map[matchmaker.Handle]struct{}),
		commands: make(chan func(), commandBufferSize),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	h.engine = matchmaker.NewEngine(h, opts...)
	h.stats.Store(&Stats{})
	go h.loop()
	return h
}

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case fn := <-h.commands:
			fn()
			h.publishStats()
		case <-h.closing:
			for handle, c := range h.clients {
				delete(h.clients, handle)
				close(c.send)
			}
			return
		}
	}
}

// enqueue hands fn to the loop. After Close it is dropped.
func (h *Hub) enqueue(fn func()) {
	select {
	case h.commands <- fn:
	case <-h.closing:
	}
}

// Close stops the loop and closes every client's send channel, which makes
// the write loops send a close frame.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.closing) })
	<-h.done
}

// Stats returns the population as of the last processed command.
func (h *Hub) Stats() Stats {
	return *h.stats.Load()
}

func (h *Hub) publishStats() {
	h.stats.Store(&Stats{
		Online:  h.engine.OnlineCount(),
		Waiting: h.engine.WaitingCount(),
		Rooms:   h.engine.RoomCount(),
	})
}

func (h *Hub) register(c *Client) {
	h.enqueue(func() {
		h.clients[c.handle] = c
		metrics.Connections.Inc()
		log.Debug().Str("conn", string(c.handle)).Msg("[stranger-chat] client connected")
	})
}

func (h *Hub) unregister(c *Client) {
	h.enqueue(func() { h.handleDisconnect(c) })
}

// reject reports a protocol fault to c without touching engine state.
func (h *Hub) reject(c *Client, err error) {
	h.enqueue(func() { h.fail(c, err) })
}

// route runs on the client's read goroutine. Anything that does I/O outside
// the hub happens here, before the command is queued.
func (h *Hub) route(c *Client, msg ClientMessage) {
	switch msg.Type {
	case typeRegister:
		id := SanitizeSessionID(msg.ID)
		var blocked []string
		if id != "" {
			var err error
			if blocked, err = h.store.List(id); err != nil {
				log.Warn().Err(err).Str("session", id).Msg("[stranger-chat] load blocks")
			}
		}
		h.enqueue(func() { h.handleRegister(c, id, blocked) })
	case typeFind:
		prefs := preferencesFrom(msg)
		h.enqueue(func() { h.handleFind(c, prefs) })
	case typeCancel:
		h.enqueue(func() { h.handleCancel(c) })
	case typeSend:
		text := SanitizeMessage(msg.Text)
		h.enqueue(func() { h.handleSend(c, msg.RoomID, msg.TempID, text) })
	case typeTypingStart:
		h.enqueue(func() { h.handleTyping(c, true) })
	case typeTypingStop:
		h.enqueue(func() { h.handleTyping(c, false) })
	case typeLeaveRoom:
		h.enqueue(func() { h.handleLeaveRoom(c) })
	case typeBlock:
		target := SanitizeSessionID(msg.Target)
		h.enqueue(func() { h.handleBlock(c, target) })
	case typeUnblock:
		target := SanitizeSessionID(msg.Target)
		h.enqueue(func() { h.handleUnblock(c, target) })
	default:
		h.reject(c, fmt.Errorf("%w: %q", errUnknownType, msg.Type))
	}
}

func preferencesFrom(msg ClientMessage) *matchmaker.Preferences {
	interests := SanitizeInterests(msg.Interests)
	mood := SanitizeMood(msg.Mood)
	if len(interests) == 0 && mood == "" {
		return nil
	}
	return &matchmaker.Preferences{Interests: interests, Mood: mood}
}

func (h *Hub) fail(c *Client, err error) {
	if _, ok := h.clients[c.handle]; !ok {
		return
	}
	c.push(errorEvent(err))
}

// session returns c's live session, registering one keyed by the connection
// handle when c never sent session:register.
func (h *Hub) session(c *Client) *matchmaker.Session {
	if c.sessionID != "" {
		if s, ok := h.engine.Session(c.sessionID); ok {
			if s.Handle == c.handle {
				return s
			}
			c.sessionID = ""
		}
	}
	if c.sessionID == "" {
		c.sessionID = string(c.handle)
	}
	h.engine.Register(matchmaker.NewSession(c.sessionID, c.handle))
	s, _ := h.engine.Session(c.sessionID)
	return s
}

func (h *Hub) handleRegister(c *Client, id string, blocked []string) {
	if _, ok := h.clients[c.handle]; !ok {
		return
	}
	if id == "" {
		id = string(c.handle)
	}
	if c.sessionID != "" && c.sessionID != id {
		h.retire(c)
	}

	var prev matchmaker.Handle
	if s, ok := h.engine.Session(id); ok {
		prev = s.Handle
	}
	s := matchmaker.NewSession(id, c.handle)
	for _, target := range blocked {
		s.Block(target)
	}
	h.engine.Register(s)
	c.sessionID = id

	// The same session id connecting again takes over from the old
	// connection, including its room group.
	if prev != "" && prev != c.handle {
		if old, ok := h.clients[prev]; ok && old.sessionID == id {
			old.sessionID = ""
		}
		if room, ok := h.engine.RoomOf(id); ok {
			h.LeaveGroup(prev, room.ID)
			h.JoinGroup(c.handle, room.ID)
		}
	}

	c.push(ServerEvent{Type: eventRegistered, SessionID: id})
	log.Debug().Str("conn", string(c.handle)).Str("session", id).Msg("[stranger-chat] session registered")
}

func (h *Hub) handleFind(c *Client, prefs *matchmaker.Preferences) {
	if _, ok := h.clients[c.handle]; !ok {
		return
	}
	s := h.session(c)
	if h.engine.IsWaiting(s.ID) {
		return
	}
	s.Preferences = prefs
	h.engine.JoinQueue(s)
}

func (h *Hub) handleCancel(c *Client) {
	if _, ok := h.clients[c.handle]; !ok {
		return
	}
	if c.sessionID != "" {
		h.engine.LeaveQueue(c.sessionID)
	}
	c.push(ServerEvent{Type: eventCancelled})
}

func (h *Hub) handleSend(c *Client, roomID, tempID, text string) {
	if _, ok := h.clients[c.handle]; !ok {
		return
	}
	if text == "" {
		h.fail(c, errEmptyMessage)
		return
	}
	room, ok := h.currentRoom(c)
	if !ok || (roomID != "" && roomID != room.ID) {
		h.fail(c, errNotInRoom)
		return
	}
	s := h.session(c)
	ts := h.now().UnixMilli()
	msgID := fmt.Sprintf("%d-%s", ts, s.ID)
	h.broadcast(room.ID, c.handle, ServerEvent{
		Type:       eventMessage,
		MessageID:  msgID,
		RoomID:     room.ID,
		SenderID:   s.ID,
		SenderName: s.DisplayName,
		Text:       text,
		Timestamp:  ts,
	})
	c.push(ServerEvent{Type: eventAck, TempID: tempID, MessageID: msgID, RoomID: room.ID, Timestamp: ts})
	metrics.MessagesRelayed.Inc()
}

func (h *Hub) handleTyping(c *Client, active bool) {
	if _, ok := h.clients[c.handle]; !ok {
		return
	}
	room, ok := h.currentRoom(c)
	if !ok {
		return
	}
	h.broadcast(room.ID, c.handle, ServerEvent{
		Type:     eventTyping,
		RoomID:   room.ID,
		SenderID: c.sessionID,
		Active:   &active,
	})
}

func (h *Hub) handleLeaveRoom(c *Client) {
	if _, ok := h.clients[c.handle]; !ok {
		return
	}
	room, ok := h.currentRoom(c)
	if !ok {
		h.fail(c, errNotInRoom)
		return
	}
	h.leaveRoom(c, room.ID, "left")
}

func (h *Hub) handleBlock(c *Client, target string) {
	if _, ok := h.clients[c.handle]; !ok {
		return
	}
	room, inRoom := h.currentRoom(c)
	if target == "" && inRoom {
		target, _ = room.Peer(c.sessionID)
	}
	if target == "" {
		h.fail(c, errNotInRoom)
		return
	}
	s := h.session(c)
	h.engine.Block(s.ID, target)
	if err := h.store.Add(s.ID, target); err != nil {
		log.Warn().Err(err).Str("session", s.ID).Msg("[stranger-chat] persist block")
	}
	c.push(ServerEvent{Type: eventBlocked, Target: target})
	if inRoom && room.Has(target) {
		h.leaveRoom(c, room.ID, "blocked")
	}
}

func (h *Hub) handleUnblock(c *Client, target string) {
	if _, ok := h.clients[c.handle]; !ok {
		return
	}
	if target == "" {
		h.fail(c, errNoTarget)
		return
	}
	s := h.session(c)
	h.engine.Unblock(s.ID, target)
	if err := h.store.Remove(s.ID, target); err != nil {
		log.Warn().Err(err).Str("session", s.ID).Msg("[stranger-chat] remove block")
	}
	c.push(ServerEvent{Type: eventUnblocked, Target: target})
}

// leaveRoom takes c's session out of its room. The engine forgets a session
// that leaves a room, so it is registered again as idle for the still-open
// connection.
func (h *Hub) leaveRoom(c *Client, roomID, reason string) {
	s := h.session(c)
	blocked := s.Blocked
	h.engine.LeaveRoom(s.ID)

	again := matchmaker.NewSession(s.ID, c.handle)
	again.Blocked = blocked
	h.engine.Register(again)

	c.push(ServerEvent{Type: eventRoomLeft, RoomID: roomID, Reason: reason})
}

func (h *Hub) currentRoom(c *Client) (*matchmaker.Room, bool) {
	if c.sessionID == "" {
		return nil, false
	}
	s, ok := h.engine.Session(c.sessionID)
	if !ok || s.Handle != c.handle {
		return nil, false
	}
	return h.engine.RoomOf(c.sessionID)
}

// retire drops c's session from the engine if c still owns it.
func (h *Hub) retire(c *Client) {
	if c.sessionID == "" {
		return
	}
	if s, ok := h.engine.Session(c.sessionID); ok && s.Handle == c.handle {
		h.engine.Disconnect(c.sessionID)
	}
	c.sessionID = ""
}

func (h *Hub) handleDisconnect(c *Client) {
	if _, ok := h.clients[c.handle]; !ok {
		return
	}
	h.retire(c)
	for group, members := range h.groups {
		delete(members, c.handle)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	delete(h.clients, c.handle)
	close(c.send)
	metrics.Connections.Dec()
	log.Debug().Str("conn", string(c.handle)).Msg("[stranger-chat] client disconnected")
}

func (h *Hub) broadcast(group string, except matchmaker.Handle, ev ServerEvent) {
	for handle := range h.groups[group] {
		if handle == except {
			continue
		}
		h.deliver(handle, ev)
	}
}

func (h *Hub) deliver(handle matchmaker.Handle, ev ServerEvent) {
	c, ok := h.clients[handle]
	if !ok {
		metrics.DeliveriesDropped.Inc()
		log.Debug().Str("conn", string(handle)).Str("type", ev.Type).Msg("[stranger-chat] drop event for closed connection")
		return
	}
	c.push(ev)
}

// Emit implements matchmaker.Transport.
func (h *Hub) Emit(handle matchmaker.Handle, ev matchmaker.Event) {
	out := ServerEvent{Type: string(ev.Type), RoomID: ev.RoomID}
	if ev.Peer != "" {
		out.Peer = &Peer{ID: ev.Peer, DisplayName: matchmaker.DisplayName(ev.Peer)}
		if s, ok := h.engine.Session(ev.Peer); ok {
			out.Peer.DisplayName = s.DisplayName
		}
	}
	h.deliver(handle, out)
}

// JoinGroup implements matchmaker.Transport.
func (h *Hub) JoinGroup(handle matchmaker.Handle, group string) {
	members, ok := h.groups[group]
	if !ok {
		members = make(map[matchmaker.Handle]struct{})
		h.groups[group] = members
	}
	members[handle] = struct{}{}
}

// LeaveGroup implements matchmaker.Transport.
func (h *Hub) LeaveGroup(handle matchmaker.Handle, group string) {
	members, ok := h.groups[group]
	if !ok {
		return
	}
	delete(members, handle)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}
