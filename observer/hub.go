// Package observer streams simulation events to websocket clients and turns
// their JSON commands into engine commands. It is the boundary an external
// renderer consumes.
package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hupe1980/agentsim/core"
	"github.com/hupe1980/agentsim/logging"
)

// Controller is the command and snapshot surface of the simulation.
// *engine.Engine implements it.
type Controller interface {
	SetTopic(topic string) error
	SendUserMessage(to, text string) error
	Pause() error
	Resume() error
	Wake(id string) error
	Agents() []*core.Agent
	Tick() uint64
	Topic() string
}

// Command types accepted from clients.
const (
	CommandSetTopic        = "set_topic"
	CommandSendUserMessage = "send_user_message"
	CommandPause           = "pause"
	CommandResume          = "resume"
	CommandWake            = "wake"
)

// Envelope types sent to clients.
const (
	TypeSnapshot = "snapshot"
	TypeEvent    = "event"
	TypeAck      = "ack"
	TypeError    = "error"
)

// Command is one client request.
type Command struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
}

// AgentView is the public part of an agent.
type AgentView struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Personality string          `json:"personality"`
	State       core.AgentState `json:"state"`
	Energy      float64         `json:"energy"`
}

// Snapshot describes the world when a client connects.
type Snapshot struct {
	Tick   uint64      `json:"tick"`
	Topic  string      `json:"topic"`
	Agents []AgentView `json:"agents"`
}

// Envelope is one server message.
type Envelope struct {
	Type     string      `json:"type"`
	Event    *core.Event `json:"event,omitempty"`
	Snapshot *Snapshot   `json:"snapshot,omitempty"`
	Command  string      `json:"command,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// Options configures a Hub.
type Options struct {
	// ClientBuffer bounds the queued messages per client. A client that
	// falls behind loses events.
	ClientBuffer int
	// AllowRemote accepts non-loopback clients.
	AllowRemote bool
	// WriteTimeout bounds one websocket write.
	WriteTimeout time.Duration
	// ReadTimeout closes idle connections.
	ReadTimeout time.Duration
	Logger      logging.Logger
}

// DefaultConfig holds the default hub options.
var DefaultConfig = Options{
	ClientBuffer: 256,
	WriteTimeout: 5 * time.Second,
	ReadTimeout:  60 * time.Second,
}

type client struct {
	id  string
	out chan []byte
}

// Hub fans events out to websocket clients. It implements the engine sink
// interface through Emit.
type Hub struct {
	ctrl     Controller
	opts     Options
	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	dropped  atomic.Uint64

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

// NewHub creates a hub in front of ctrl.
func NewHub(ctrl Controller, optFns ...func(o *Options)) *Hub {
	opts := DefaultConfig
	opts.Logger = logging.NoOpLogger{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = DefaultConfig.ClientBuffer
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Hub{
		ctrl: ctrl,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// Emit broadcasts ev to every connected client without blocking.
func (h *Hub) Emit(ev core.Event) error {
	b, err := json.Marshal(Envelope{Type: TypeEvent, Event: &ev})
	if err != nil {
		return fmt.Errorf("observer: encode %s: %w", ev.Kind, err)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.out <- b:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many client messages were dropped.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, c := range h.clients {
		close(c.out)
		delete(h.clients, id)
	}
}

func (h *Hub) join() (*client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	c := &client{
		id:  fmt.Sprintf("O%d", h.nextID.Add(1)),
		out: make(chan []byte, h.opts.ClientBuffer),
	}
	h.clients[c.id] = c
	return c, true
}

func (h *Hub) leave(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		close(c.out)
		delete(h.clients, c.id)
	}
}

// Snapshot captures the current world for a client.
func (h *Hub) Snapshot() Snapshot {
	agents := h.ctrl.Agents()
	views := make([]AgentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, AgentView{
			ID:          a.ID,
			Name:        a.Name,
			Personality: a.Personality.Template,
			State:       a.State,
			Energy:      a.Energy,
		})
	}
	return Snapshot{Tick: h.ctrl.Tick(), Topic: h.ctrl.Topic(), Agents: views}
}

// SnapshotHandler serves the current snapshot as JSON.
func (h *Hub) SnapshotHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !h.opts.AllowRemote && !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(h.Snapshot())
	}
}

// Handler upgrades to a websocket, sends a snapshot, then streams events and
// accepts commands until the client disconnects.
func (h *Hub) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !h.opts.AllowRemote && !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		c, ok := h.join()
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
			return
		}
		defer h.leave(c)
		h.opts.Logger.Info("observer connected", "client", c.id, "remote", r.RemoteAddr)

		snap := h.Snapshot()
		if b, err := json.Marshal(Envelope{Type: TypeSnapshot, Snapshot: &snap}); err == nil {
			h.send(c, b)
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b, ok := <-c.out:
					if !ok {
						// Hub closed; unblock the reader.
						writeErr <- nil
						cancel()
						_ = conn.Close()
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for ctx.Err() == nil {
			if h.opts.ReadTimeout > 0 {
				_ = conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
			}
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			h.send(c, h.handle(msg))
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
		h.opts.Logger.Info("observer disconnected", "client", c.id)
	}
}

// send queues b for c unless c is gone or full.
func (h *Hub) send(c *client, b []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	select {
	case c.out <- b:
	default:
		h.dropped.Add(1)
	}
}

// handle executes one raw command and returns the encoded reply.
func (h *Hub) handle(raw []byte) []byte {
	var cmd Command
	reply := Envelope{Type: TypeAck}
	if err := json.Unmarshal(raw, &cmd); err != nil {
		reply = Envelope{Type: TypeError, Error: "malformed command: " + err.Error()}
	} else {
		reply.Command = cmd.Type
		if err := h.dispatch(cmd); err != nil {
			reply.Type = TypeError
			reply.Error = err.Error()
			h.opts.Logger.Warn("observer command rejected", "command", cmd.Type, "error", err)
		}
	}
	b, _ := json.Marshal(reply)
	return b
}

func (h *Hub) dispatch(cmd Command) error {
	switch cmd.Type {
	case CommandSetTopic:
		if strings.TrimSpace(cmd.Text) == "" {
			return fmt.Errorf("%s: text is required", cmd.Type)
		}
		return h.ctrl.SetTopic(strings.TrimSpace(cmd.Text))
	case CommandSendUserMessage:
		if cmd.AgentID == "" || strings.TrimSpace(cmd.Text) == "" {
			return fmt.Errorf("%s: agent_id and text are required", cmd.Type)
		}
		return h.ctrl.SendUserMessage(cmd.AgentID, cmd.Text)
	case CommandPause:
		return h.ctrl.Pause()
	case CommandResume:
		return h.ctrl.Resume()
	case CommandWake:
		if cmd.AgentID == "" {
			return fmt.Errorf("%s: agent_id is required", cmd.Type)
		}
		return h.ctrl.Wake(cmd.AgentID)
	default:
		return fmt.Errorf("unknown command %q", cmd.Type)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
