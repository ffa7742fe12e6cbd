package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions keyed by deployment name.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples payload with a deployment name.
type message struct {
	name    string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	name   string
	client Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.name]; !ok {
				h.clients[sub.name] = make(map[Subscriber]struct{})
			}
			h.clients[sub.name][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.name]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.name)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.name]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.name)
				}
			}
		}
	}
}

// Register adds a client to a deployment stream.
func (h *Hub) Register(name string, client Subscriber) {
	h.register <- subscription{name: name, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(name string, client Subscriber) {
	h.unreg <- subscription{name: name, client: client}
}

// Broadcast sends payload to every subscriber of a deployment.
func (h *Hub) Broadcast(name string, payload []byte) {
	h.broadcast <- message{name: name, payload: payload}
}
