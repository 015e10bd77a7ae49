package internal

import (
	"encoding/json"
	"log/slog"
	"sync"

	"spherechat/internal/chat"
)

// subscriberBuffer bounds how far one receiver may fall behind before the
// hub gives up on it. A full buffer means the consumer is dead or stalled;
// dropping it keeps the room's broadcast order intact for everyone else.
const subscriberBuffer = 256

// Subscriber is one registered connection's view of a room: a buffered frame
// queue the room goroutine fans out into. The transport (websocket pump,
// test harness) drains Frames until it is closed.
type Subscriber struct {
	send chan []byte
}

func newSubscriber() *Subscriber {
	return &Subscriber{send: make(chan []byte, subscriberBuffer)}
}

// Frames returns the ordered stream of broadcast frames for this subscriber.
// The channel is closed when the hub drops the subscriber.
func (s *Subscriber) Frames() <-chan []byte {
	return s.send
}

// Hub owns the set of live rooms, one broadcast domain per process.
// Constructed once at startup and injected into handlers.
type Hub struct {
	mutex   sync.RWMutex
	rooms   map[string]*room
	metrics *Metrics
	log     *slog.Logger
}

func NewHub(metrics *Metrics, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{rooms: make(map[string]*room), metrics: metrics, log: log}
}

// Exists reports whether a room currently has live state.
func (hub *Hub) Exists(sphereID string) bool {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	_, ok := hub.rooms[sphereID]
	return ok
}

// Register attaches a new subscriber to the sphere's room, creating the room
// on first use. The reference count is taken under the hub lock, so the room
// cannot be torn down between lookup and registration.
func (hub *Hub) Register(sphereID string) *Subscriber {
	sub := newSubscriber()
	hub.mutex.Lock()
	r := hub.rooms[sphereID]
	if r == nil {
		r = newHubRoom(sphereID)
		hub.rooms[sphereID] = r
		go r.run()
	}
	r.refs++
	hub.mutex.Unlock()
	r.register <- sub
	if hub.metrics != nil {
		hub.metrics.ConnOpened()
	}
	return sub
}

// Unregister detaches the subscriber; the last one out removes the room and
// stops its goroutine.
func (hub *Hub) Unregister(sphereID string, sub *Subscriber) {
	hub.mutex.RLock()
	r := hub.rooms[sphereID]
	hub.mutex.RUnlock()
	if r == nil {
		return
	}
	// Our reference still pins the room, so the run loop is alive to take
	// this send.
	r.unregister <- sub
	if hub.metrics != nil {
		hub.metrics.ConnClosed()
	}
	hub.mutex.Lock()
	r.refs--
	if r.refs == 0 {
		delete(hub.rooms, sphereID)
		close(r.done)
	}
	hub.mutex.Unlock()
}

// Broadcast fans the event out to every subscriber currently registered for
// the sphere, the sender included. Frames enqueue in call order per room; a
// room with no live subscribers swallows the event. Connection-level
// failures never reach the caller.
func (hub *Hub) Broadcast(sphereID string, event chat.Envelope) {
	payload, err := json.Marshal(event)
	if err != nil {
		hub.log.Error("encode broadcast frame", "sphere", sphereID, "type", event.Type, "err", err)
		return
	}
	hub.mutex.RLock()
	room := hub.rooms[sphereID]
	hub.mutex.RUnlock()
	if room == nil {
		return
	}
	select {
	case room.broadcast <- payload:
	case <-room.done:
		// Torn down while we held the pointer; nobody is left to hear it.
		return
	}
	if hub.metrics != nil {
		hub.metrics.BroadcastSent(event.Type)
	}
}

// room serializes membership changes and fan-out through one goroutine, so
// every subscriber observes broadcasts for its sphere in the same relative
// order. Ordering across rooms is not coordinated.
type room struct {
	key        string
	refs       int // guarded by the hub mutex
	clients    map[*Subscriber]bool
	register   chan *Subscriber
	unregister chan *Subscriber
	broadcast  chan []byte
	done       chan struct{}
	mutex      sync.RWMutex
}

func newHubRoom(key string) *room {
	return &room{
		key:        key,
		clients:    make(map[*Subscriber]bool),
		register:   make(chan *Subscriber),
		unregister: make(chan *Subscriber),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

func (r *room) run() {
	for {
		select {
		case <-r.done:
			return
		case sub := <-r.register:
			r.mutex.Lock()
			r.clients[sub] = true
			r.mutex.Unlock()
		case sub := <-r.unregister:
			r.mutex.Lock()
			if _, exists := r.clients[sub]; exists {
				delete(r.clients, sub)
				close(sub.send)
			}
			r.mutex.Unlock()
		case payload := <-r.broadcast:
			r.mutex.Lock()
			for sub := range r.clients {
				select {
				case sub.send <- payload:
				default:
					// Too slow to drain its buffer; drop it rather than
					// stall the room.
					close(sub.send)
					delete(r.clients, sub)
				}
			}
			r.mutex.Unlock()
		}
	}
}
