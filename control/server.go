package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/wangn9900/Slux/common"
	"github.com/wangn9900/Slux/vpn"
)

// APIVersion prefixes every route.
const APIVersion = "v1"

// EventSource publishes session transitions. *vpn.Controller implements it.
type EventSource interface {
	Subscribe() (<-chan vpn.Event, func())
}

// ServerOptions configures the control server.
type ServerOptions struct {
	// Socket is the unix socket path to listen on.
	Socket            string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// WriteWait bounds a single frame write.
	WriteWait time.Duration
	// PingInterval keeps idle connections alive.
	PingInterval time.Duration
	// SendBuffer is the number of frames queued per connection.
	SendBuffer int
}

// Server hosts the control channel.
type Server struct {
	channel  *Channel
	events   EventSource
	opts     ServerOptions
	router   *mux.Router
	http     *http.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	conns       map[*wsConn]struct{}
	unsubscribe func()
	listener    net.Listener
}

// NewServer constructs a server. It does not listen until Start is called;
// Handler can be mounted elsewhere, as tests do.
func NewServer(channel *Channel, events EventSource, opts ServerOptions) *Server {
	if opts.Socket == "" {
		opts.Socket = common.DefaultSocketPath()
	}
	if opts.ReadHeaderTimeout == 0 {
		opts.ReadHeaderTimeout = 2 * time.Second
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.WriteWait == 0 {
		opts.WriteWait = 5 * time.Second
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}

	s := &Server{
		channel: channel,
		events:  events,
		opts:    opts,
		router:  mux.NewRouter(),
		conns:   make(map[*wsConn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Only local processes can reach the socket.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}

	if events != nil {
		ch, unsubscribe := events.Subscribe()
		s.unsubscribe = unsubscribe
		go s.broadcast(ch)
	}
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/" + APIVersion).Subrouter()
	api.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	api.HandleFunc("/channel", s.handleChannel).Methods(http.MethodGet)
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the unix socket and serves in a background goroutine.
// A stale socket file from a previous process is replaced.
func (s *Server) Start() error {
	path := s.opts.Socket
	if err := common.EnsureDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		l.Close()
		return fmt.Errorf("restrict socket: %w", err)
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	go func() {
		common.LogInfo("Control channel listening on %s", path)
		if err := s.http.Serve(l); !errors.Is(err, http.ErrServerClosed) {
			common.LogError("Control channel serve error: %v", err)
		}
	}()
	return nil
}

// Stop closes the listener and every open channel connection.
func (s *Server) Stop(ctx context.Context) error {
	if s.opts.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ShutdownTimeout)
		defer cancel()
	}

	// Hijacked connections are not tracked by http.Server.
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	listening := s.listener != nil
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	if unsubscribe != nil {
		unsubscribe()
	}

	err := s.http.Shutdown(ctx)
	if listening {
		if rerr := os.Remove(s.opts.Socket); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			common.LogWarn("Could not remove socket %s: %v", s.opts.Socket, rerr)
		}
	}
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"session": FromSnapshot(s.channel.session.Snapshot()),
	})
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		common.LogWarn("Channel upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		ws:     ws,
		send:   make(chan Frame, s.opts.SendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	common.LogDebug("Channel client connected")

	go c.writeLoop(s.opts.WriteWait, s.opts.PingInterval)
	s.readLoop(c)

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.close()
	common.LogDebug("Channel client disconnected")
}

// readLoop dispatches requests until the client goes away. Each request runs
// in its own goroutine so a pending consent prompt never blocks the others.
func (s *Server) readLoop(c *wsConn) {
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, net.ErrClosed) {
				common.LogDebug("Channel read: %v", err)
			}
			return
		}
		if f.Type != FrameRequest {
			continue
		}
		go s.serve(c, f)
	}
}

func (s *Server) serve(c *wsConn, req Frame) {
	resp := Frame{Type: FrameResponse, ID: req.ID}

	result, err := s.channel.Handle(c.ctx, req.Method, req.Params)
	if err != nil {
		resp.Error = toError(err)
		common.LogDebug("Channel %s failed: %v", req.Method, err)
	} else if resp.Result, err = json.Marshal(result); err != nil {
		resp.Error = toError(err)
	}
	c.reply(resp)
}

// broadcast pushes every transition to every connection. Slow clients miss
// events rather than stall the session.
func (s *Server) broadcast(events <-chan vpn.Event) {
	for ev := range events {
		view := FromEvent(ev)
		f := Frame{Type: FrameEvent, Event: &view}
		s.mu.Lock()
		for c := range s.conns {
			c.push(f)
		}
		s.mu.Unlock()
	}
}

// wsConn is one channel client. Only writeLoop writes to ws.
type wsConn struct {
	ws     *websocket.Conn
	send   chan Frame
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// reply queues a response. Responses are never dropped while the client is
// connected.
func (c *wsConn) reply(f Frame) {
	select {
	case c.send <- f:
	case <-c.ctx.Done():
	}
}

func (c *wsConn) push(f Frame) {
	select {
	case c.send <- f:
	default:
	}
}

func (c *wsConn) writeLoop(writeWait, pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			deadline := time.Now().Add(writeWait)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			c.ws.Close()
			return
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				common.LogDebug("Channel write: %v", err)
				c.cancel()
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.cancel()
			}
		}
	}
}

// close ends the connection; the write loop sends the close frame.
func (c *wsConn) close() {
	c.once.Do(c.cancel)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
