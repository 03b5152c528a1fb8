package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/pinchat/internal/identity"
	"github.com/Tyrowin/pinchat/internal/protocol"
	"github.com/Tyrowin/pinchat/internal/registry"
)

// Hub owns connection lifecycles. Admission and teardown run on its event
// loop; room state lives in the registry.
type Hub struct {
	cfg        Config
	log        *zap.Logger
	registry   *registry.Registry
	dispatcher *Dispatcher
	drops      FrameDropCounter
	hosts      *identity.HostLookup

	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a hub that admits connections into reg. hosts may be nil,
// in which case no host_info event is sent.
func NewHub(cfg Config, reg *registry.Registry, hosts *identity.HostLookup, drops FrameDropCounter, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	if drops == nil {
		drops = nopDropCounter{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:        sanitizeConfig(cfg),
		log:        log,
		registry:   reg,
		drops:      drops,
		hosts:      hosts,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	h.dispatcher = NewDispatcher(reg, drops, log)
	return h
}

// Registry returns the registry the hub admits into.
func (h *Hub) Registry() *registry.Registry { return h.registry }

// ClientCount returns the number of admitted connections.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Register hands a freshly upgraded client to the event loop. It reports
// false if the hub is shutting down.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
		h.teardown(c)
	}
}

// Run starts the hub's main event loop. It returns once Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn("received nil client registration; skipping")
				continue
			}
			h.admit(client)

		case client := <-h.unregister:
			h.teardown(client)
		}
	}
}

// admit binds the client to a registry session. A refused client gets a
// connection_error frame and is closed; an admitted one gets its pumps.
func (h *Hub) admit(client *Client) {
	session, err := h.registry.Admit(client.identity, client)
	if err != nil {
		client.log.Info("connection rejected", zap.Error(err))
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			client.reject(userMessage(err))
		}()
		return
	}
	client.session = session

	h.mutex.Lock()
	h.clients[client] = struct{}{}
	clientCount := len(h.clients)
	h.mutex.Unlock()
	client.log.Info("client registered",
		zap.String("session", session.ID()),
		zap.Int("clients", clientCount))

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()

	if h.hosts != nil {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.sendHostInfo(client)
		}()
	}
}

// teardown removes the client from its room and the registry, then closes
// its send buffer. Only the first call for a client has any effect.
func (h *Hub) teardown(client *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client)
	clientCount := len(h.clients)
	h.mutex.Unlock()

	h.registry.Disconnect(client.session)
	client.closeSend()
	client.log.Info("client unregistered",
		zap.String("session", client.session.ID()),
		zap.Int("clients", clientCount))
}

func (h *Hub) sendHostInfo(client *Client) {
	info := h.hosts.Lookup(h.ctx, client.identity)
	frame, err := protocol.Encode(protocol.EventHostInfo, protocol.HostInfo{IP: info.IP, Hostname: info.Hostname})
	if err != nil {
		client.log.Error("encoding host_info", zap.Error(err))
		return
	}
	if !client.Deliver(frame) {
		client.log.Debug("host_info not delivered")
	}
}

// shutdownClients gracefully closes all active client connections
func (h *Hub) shutdownClients() {
	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		if client.conn != nil {
			client.closeConnection()
		}
	}

	h.log.Info("closed client connections", zap.Int("count", len(clients)))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("initiating hub shutdown")

	h.cancel()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case <-h.done:
	case <-deadline.C:
		h.log.Warn("hub shutdown timeout reached, event loop is not running")
		return context.DeadlineExceeded
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub shutdown completed")
		return nil
	case <-deadline.C:
		h.log.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
