package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wangn9900/Slux/common"
)

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("control channel closed")

// Client is a channel connection to a running daemon. It is safe for
// concurrent use; calls are matched to responses by id.
type Client struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Frame
	err     error

	events chan StateView
	done   chan struct{}
}

// Dial connects to the daemon listening on the unix socket path.
func Dial(ctx context.Context, socket string) (*Client, error) {
	if socket == "" {
		socket = common.DefaultSocketPath()
	}
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
	}
	return dial(ctx, &dialer, "ws://"+common.ConfigDirName+"/"+APIVersion+"/channel")
}

// DialURL connects to a channel served over TCP, e.g. ws://host/v1/channel.
func DialURL(ctx context.Context, url string) (*Client, error) {
	return dial(ctx, websocket.DefaultDialer, url)
}

func dial(ctx context.Context, dialer *websocket.Dialer, url string) (*Client, error) {
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	c := &Client{
		ws:      ws,
		pending: make(map[string]chan Frame),
		events:  make(chan StateView, 32),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.fail(err)
			return
		}
		switch f.Type {
		case FrameResponse:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case FrameEvent:
			if f.Event == nil {
				continue
			}
			select {
			case c.events <- *f.Event:
			default:
			}
		}
	}
}

// fail wakes every pending call with err.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) || errors.Is(err, net.ErrClosed) {
			err = ErrClosed
		}
		c.err = err
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Call invokes method and decodes the result into out, which may be nil.
// A typed failure is returned as *Error.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	f := Frame{Type: FrameRequest, ID: uuid.NewString(), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		f.Params = raw
	}

	ch := make(chan Frame, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[f.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.ws.WriteJSON(f)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(f.ID)
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			return err
		}
		if resp.Error != nil {
			return resp.Error
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		return json.Unmarshal(resp.Result, out)
	case <-ctx.Done():
		c.forget(f.ID)
		return ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Events returns pushed state transitions. The channel is closed when the
// connection ends.
func (c *Client) Events() <-chan StateView {
	return c.events
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close ends the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}

// StartVpn brings the tunnel up with config and returns once it is running.
func (c *Client) StartVpn(ctx context.Context, config string) error {
	var ok bool
	return c.Call(ctx, MethodStartVpn, StartParams{Config: config}, &ok)
}

// StopVpn tears the tunnel down.
func (c *Client) StopVpn(ctx context.Context) error {
	var ok bool
	return c.Call(ctx, MethodStopVpn, nil, &ok)
}

// CheckVpnPermission reports whether consent was already granted.
func (c *Client) CheckVpnPermission(ctx context.Context) (bool, error) {
	var granted bool
	err := c.Call(ctx, MethodCheckVpnPermission, nil, &granted)
	return granted, err
}

// GetTunFd returns the daemon-side descriptor of the running interface, or
// -1 when not running.
func (c *Client) GetTunFd(ctx context.Context) (int, error) {
	fd := -1
	err := c.Call(ctx, MethodGetTunFd, nil, &fd)
	return fd, err
}

// GetState returns the current session snapshot.
func (c *Client) GetState(ctx context.Context) (StateView, error) {
	var view StateView
	err := c.Call(ctx, MethodGetState, nil, &view)
	return view, err
}
