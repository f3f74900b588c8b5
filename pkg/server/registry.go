//go:build linux

package server

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/7ony/CAN-TCP/internal/metrics"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Unique handle of a client, never reused during the server lifetime
type ClientID uint64

// Client is a connected TCP peer
type Client struct {
	ID   ClientID
	Addr string // Peer IP address
	Port uint16 // Peer port

	fd     int          // Immutable, only valid while closed is false
	mu     sync.RWMutex // Shared while the fd is in use, exclusive to close it
	wmu    sync.Mutex   // Serializes writes
	closed atomic.Bool
}

func (c *Client) String() string {
	return fmt.Sprintf("#%v %v:%v", c.ID, c.Addr, c.Port)
}

// Write the whole buffer or fail, writes to a client are serialized.
// Reads are not blocked by a write waiting on a full socket
func (c *Client) write(data []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed.Load() {
		return 0, ErrClientNotFound
	}
	return secureSend(c.fd, data)
}

func (c *Client) read(buffer []byte) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed.Load() {
		return 0, ErrClientNotFound
	}
	return unix.Read(c.fd, buffer)
}

// Shutdown and close the socket.
// The shutdown wakes up a pending write, the fd is released once it returned
func (c *Client) close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = unix.Shutdown(c.fd, unix.SHUT_RDWR)
	c.mu.Lock()
	defer c.mu.Unlock()
	return unix.Close(c.fd)
}

// clientRegistry owns every connected client.
// The registry count always equals the number of enumerable clients
type clientRegistry struct {
	mu      sync.Mutex
	lastID  ClientID
	clients map[ClientID]*Client
}

func newClientRegistry() *clientRegistry {
	return &clientRegistry{clients: map[ClientID]*Client{}}
}

// Register a newly accepted socket
func (r *clientRegistry) Add(fd int, addr string, port uint16) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastID++
	client := &Client{ID: r.lastID, Addr: addr, Port: port, fd: fd}
	r.clients[client.ID] = client
	metrics.ConnectedClients.Inc()
	return client
}

// Unregister client and close its socket
func (r *clientRegistry) Remove(id ClientID) error {
	r.mu.Lock()
	client, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
	}
	r.mu.Unlock()
	if !ok {
		log.Warnf("[SERVER] ghost client #%v", id)
		return fmt.Errorf("%w : #%v", ErrGhostClient, id)
	}
	metrics.ConnectedClients.Dec()
	if err := client.close(); err != nil {
		log.Debugf("[SERVER] closing client %v : %v", client, err)
	}
	return nil
}

func (r *clientRegistry) Find(id ClientID) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, ok := r.clients[id]
	return client, ok
}

func (r *clientRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Snapshot returns the registered clients in connection order
func (r *clientRegistry) Snapshot() []*Client {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	r.mu.Unlock()
	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })
	return clients
}

// Remove every client
func (r *clientRegistry) Clear() int {
	removed := 0
	for _, client := range r.Snapshot() {
		if r.Remove(client.ID) == nil {
			removed++
		}
	}
	return removed
}
