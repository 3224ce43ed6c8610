// Package desktop talks to the freedesktop notification service.
// It backs both the consent prompt and the foreground indicator.
package desktop

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/wangn9900/Slux/common"
)

const (
	notifyDest = "org.freedesktop.Notifications"
	notifyPath = dbus.ObjectPath("/org/freedesktop/Notifications")
	notifyIfc  = "org.freedesktop.Notifications"

	maxEarly = 64
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotificationInfo NotificationType = iota
	NotificationSuccess
	NotificationWarning
	NotificationError
)

// Action is a button on a notification.
type Action struct {
	Key   string
	Label string
}

// Notification represents a system notification
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	Icon    string
	Actions []Action
	// Resident keeps the notification until it is closed explicitly.
	Resident bool
	// ReplacesID updates an existing notification in place.
	ReplacesID uint32
}

// CloseReason is the reason reported by NotificationClosed.
type CloseReason uint32

const (
	ClosedExpired   CloseReason = 1
	ClosedDismissed CloseReason = 2
	ClosedByCall    CloseReason = 3
	ClosedUndefined CloseReason = 4
)

// Outcome is how a notification ended: an invoked action or a close.
type Outcome struct {
	Action string
	Closed CloseReason
}

// Notifier sends notifications over the session bus.
type Notifier struct {
	conn *dbus.Conn
	obj  dbus.BusObject

	mu      sync.Mutex
	waiters map[uint32]chan Outcome
	early   map[uint32]Outcome
	closed  chan struct{}
}

// NewNotifier connects to the session bus and subscribes to action and
// close signals.
func NewNotifier() (*Notifier, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	return newNotifier(conn)
}

func newNotifier(conn *dbus.Conn) (*Notifier, error) {
	for _, member := range []string{"ActionInvoked", "NotificationClosed"} {
		if err := conn.AddMatchSignal(
			dbus.WithMatchObjectPath(notifyPath),
			dbus.WithMatchInterface(notifyIfc),
			dbus.WithMatchMember(member),
		); err != nil {
			conn.Close()
			return nil, fmt.Errorf("subscribe %s: %w", member, err)
		}
	}

	n := &Notifier{
		conn:    conn,
		obj:     conn.Object(notifyDest, notifyPath),
		waiters: make(map[uint32]chan Outcome),
		early:   make(map[uint32]Outcome),
		closed:  make(chan struct{}),
	}
	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)
	go n.dispatch(signals)
	return n, nil
}

func (n *Notifier) dispatch(signals chan *dbus.Signal) {
	for {
		select {
		case <-n.closed:
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			id, outcome, ok := parseSignal(sig)
			if ok {
				n.resolve(id, outcome)
			}
		}
	}
}

func parseSignal(sig *dbus.Signal) (uint32, Outcome, bool) {
	if len(sig.Body) < 2 {
		return 0, Outcome{}, false
	}
	id, ok := sig.Body[0].(uint32)
	if !ok {
		return 0, Outcome{}, false
	}
	switch sig.Name {
	case notifyIfc + ".ActionInvoked":
		key, ok := sig.Body[1].(string)
		return id, Outcome{Action: key}, ok
	case notifyIfc + ".NotificationClosed":
		reason, ok := sig.Body[1].(uint32)
		return id, Outcome{Closed: CloseReason(reason)}, ok
	}
	return 0, Outcome{}, false
}

// resolve delivers the first outcome of a notification. Servers emit
// NotificationClosed right after ActionInvoked; only the action counts.
func (n *Notifier) resolve(id uint32, outcome Outcome) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.waiters[id]; ok {
		delete(n.waiters, id)
		ch <- outcome
		return
	}
	if _, seen := n.early[id]; !seen {
		// Signals for notifications nobody waits on would pile up forever.
		if len(n.early) >= maxEarly {
			clear(n.early)
		}
		n.early[id] = outcome
	}
}

// Notify shows n and returns the id assigned by the server.
func (n *Notifier) Notify(ctx context.Context, notif Notification) (uint32, error) {
	icon, urgency := styleFor(notif)

	actions := make([]string, 0, 2*len(notif.Actions))
	for _, a := range notif.Actions {
		actions = append(actions, a.Key, a.Label)
	}
	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(urgency),
	}
	timeout := int32(-1)
	if notif.Resident {
		hints["resident"] = dbus.MakeVariant(true)
		timeout = 0
	}

	var id uint32
	call := n.obj.CallWithContext(ctx, notifyIfc+".Notify", 0,
		common.AppName, notif.ReplacesID, icon, notif.Title, notif.Message, actions, hints, timeout)
	if err := call.Store(&id); err != nil {
		return 0, fmt.Errorf("notify: %w", err)
	}
	return id, nil
}

// Close withdraws a notification. Unknown ids are ignored by the server.
func (n *Notifier) Close(ctx context.Context, id uint32) error {
	if id == 0 {
		return nil
	}
	if err := n.obj.CallWithContext(ctx, notifyIfc+".CloseNotification", 0, id).Err; err != nil {
		return fmt.Errorf("close notification %d: %w", id, err)
	}
	return nil
}

// Wait blocks until the notification is acted upon or closed.
func (n *Notifier) Wait(ctx context.Context, id uint32) (Outcome, error) {
	ch := make(chan Outcome, 1)
	n.mu.Lock()
	if outcome, ok := n.early[id]; ok {
		delete(n.early, id)
		n.mu.Unlock()
		return outcome, nil
	}
	n.waiters[id] = ch
	n.mu.Unlock()

	select {
	case outcome := <-ch:
		return outcome, nil
	case <-ctx.Done():
		n.mu.Lock()
		delete(n.waiters, id)
		n.mu.Unlock()
		return Outcome{}, ctx.Err()
	}
}

// Shutdown stops signal dispatch and closes the bus connection.
func (n *Notifier) Shutdown() error {
	select {
	case <-n.closed:
		return nil
	default:
		close(n.closed)
	}
	return n.conn.Close()
}

// styleFor picks icon and urgency as notification servers expect them:
// 0 low, 1 normal, 2 critical.
func styleFor(n Notification) (string, byte) {
	icon := n.Icon
	if icon == "" {
		switch n.Type {
		case NotificationSuccess:
			icon = "network-vpn"
		case NotificationWarning:
			icon = "dialog-warning"
		case NotificationError:
			icon = "dialog-error"
		default:
			icon = "network-vpn"
		}
	}

	var urgency byte
	switch n.Type {
	case NotificationError:
		urgency = 2
	case NotificationWarning:
		urgency = 1
	default:
		urgency = 0
	}
	return icon, urgency
}
