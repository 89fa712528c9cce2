package echoapi

import (
	"encoding/json"
	"io"
	"sync"

	"golang.org/x/net/websocket"

	"github.com/trezcool/darasa/core/classroom"
)

// peerSendBuffer bounds the per-subscriber outbound queue; a subscriber that
// falls this far behind is dropped.
const peerSendBuffer = 16

// Hub fans classroom events out to websocket subscribers. It implements
// classroom.Publisher; delivery is best-effort and never blocks the caller.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[*wsPeer]struct{}
}

var _ classroom.Publisher = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*wsPeer]struct{})}
}

func (h *Hub) subscribe(classID string, peer *wsPeer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[classID]
	if !ok {
		room = make(map[*wsPeer]struct{})
		h.rooms[classID] = room
	}
	room[peer] = struct{}{}
}

func (h *Hub) unsubscribe(classID string, peer *wsPeer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(classID, peer)
}

func (h *Hub) dropLocked(classID string, peer *wsPeer) {
	peer.stop()
	room, ok := h.rooms[classID]
	if !ok {
		return
	}
	delete(room, peer)
	if len(room) == 0 {
		delete(h.rooms, classID)
	}
}

// Publish queues evt to every subscriber of the classroom. Each peer drains
// its queue on a single writer goroutine, so a peer always sees events in
// publish order; a peer whose queue is full is dropped rather than block.
func (h *Hub) Publish(classID string, evt classroom.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for peer := range h.rooms[classID] {
		select {
		case peer.out <- evt:
		default: // subscriber too far behind
			h.dropLocked(classID, peer)
		}
	}
}

// wsPeer owns all writes to one websocket connection.
type wsPeer struct {
	conn io.WriteCloser
	enc  *json.Encoder
	out  chan classroom.Event
	once sync.Once
	done chan struct{}
}

func newWSPeer(conn io.WriteCloser) *wsPeer {
	return &wsPeer{
		conn: conn,
		enc:  json.NewEncoder(conn),
		out:  make(chan classroom.Event, peerSendBuffer),
		done: make(chan struct{}),
	}
}

func (p *wsPeer) stop() {
	p.once.Do(func() { close(p.done) })
}

// writeLoop delivers queued events in order until the peer is stopped or a
// write fails. Closing the connection on exit unblocks the read loop.
func (p *wsPeer) writeLoop() {
	defer func() { _ = p.conn.Close() }()
	for {
		select {
		case evt := <-p.out:
			if err := p.enc.Encode(evt); err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}

// serveNotesWS subscribes the connection to the classroom's event stream
// until the client goes away. Inbound frames are drained and ignored; the
// stream is broadcast-only.
func serveNotesWS(conn *websocket.Conn, hub *Hub, classID string) {
	peer := newWSPeer(conn)
	hub.subscribe(classID, peer)
	defer hub.unsubscribe(classID, peer)
	go peer.writeLoop()

	for {
		var discard string
		if err := websocket.Message.Receive(conn, &discard); err != nil {
			return
		}
	}
}
