package ws

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// broadcastBacklog bounds the payloads queued for fan-out. Broadcast drops
// on overflow rather than stalling the producer.
const broadcastBacklog = 256

// Hub fans alert and event payloads out to subscribers by topic.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples payload with its topic.
type message struct {
	topic   string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	topic  string
	client Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, broadcastBacklog),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.topic]; !ok {
				h.clients[sub.topic] = make(map[Subscriber]struct{})
			}
			h.clients[sub.topic][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.topic]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.topic)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.topic]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.topic)
				}
			}
		}
	}
}

// Register adds a client to a topic stream.
func (h *Hub) Register(topic string, client Subscriber) {
	h.register <- subscription{topic: topic, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(topic string, client Subscriber) {
	h.unreg <- subscription{topic: topic, client: client}
}

// Broadcast queues payload for all topic subscribers. Never blocks; the
// payload is dropped when the backlog is full. Delivery runs on the hub
// goroutine against each subscriber's own bounded queue.
func (h *Hub) Broadcast(topic string, payload []byte) {
	select {
	case h.broadcast <- message{topic: topic, payload: payload}:
	default:
	}
}
