package desktop

import (
	"context"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

func TestStyleFor(t *testing.T) {
	tests := []struct {
		name        string
		n           Notification
		wantIcon    string
		wantUrgency byte
	}{
		{"info", Notification{Type: NotificationInfo}, "network-vpn", 0},
		{"success", Notification{Type: NotificationSuccess}, "network-vpn", 0},
		{"warning", Notification{Type: NotificationWarning}, "dialog-warning", 1},
		{"error", Notification{Type: NotificationError}, "dialog-error", 2},
		{"explicit icon", Notification{Type: NotificationError, Icon: "custom"}, "custom", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			icon, urgency := styleFor(tt.n)
			if icon != tt.wantIcon {
				t.Errorf("icon = %v, want %v", icon, tt.wantIcon)
			}
			if urgency != tt.wantUrgency {
				t.Errorf("urgency = %v, want %v", urgency, tt.wantUrgency)
			}
		})
	}
}

func TestParseSignal(t *testing.T) {
	tests := []struct {
		name   string
		sig    *dbus.Signal
		wantID uint32
		want   Outcome
		wantOK bool
	}{
		{
			name:   "action",
			sig:    &dbus.Signal{Name: notifyIfc + ".ActionInvoked", Body: []interface{}{uint32(7), "allow"}},
			wantID: 7, want: Outcome{Action: "allow"}, wantOK: true,
		},
		{
			name:   "closed",
			sig:    &dbus.Signal{Name: notifyIfc + ".NotificationClosed", Body: []interface{}{uint32(7), uint32(2)}},
			wantID: 7, want: Outcome{Closed: ClosedDismissed}, wantOK: true,
		},
		{
			name: "other member",
			sig:  &dbus.Signal{Name: notifyIfc + ".ActivationToken", Body: []interface{}{uint32(7), "tok"}},
		},
		{
			name: "short body",
			sig:  &dbus.Signal{Name: notifyIfc + ".ActionInvoked", Body: []interface{}{uint32(7)}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, outcome, ok := parseSignal(tt.sig)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if id != tt.wantID || outcome != tt.want {
				t.Errorf("parseSignal() = %d %+v, want %d %+v", id, outcome, tt.wantID, tt.want)
			}
		})
	}
}

func TestNotifier_WaitResolution(t *testing.T) {
	n := &Notifier{
		waiters: make(map[uint32]chan Outcome),
		early:   make(map[uint32]Outcome),
	}

	// An outcome that arrives before Wait is kept; the trailing close is not.
	n.resolve(1, Outcome{Action: "deny"})
	n.resolve(1, Outcome{Closed: ClosedByCall})

	got, err := n.Wait(context.Background(), 1)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got.Action != "deny" {
		t.Errorf("Wait() = %+v, want deny action", got)
	}

	done := make(chan Outcome, 1)
	go func() {
		o, _ := n.Wait(context.Background(), 2)
		done <- o
	}()
	// Give Wait time to register.
	deadline := time.After(time.Second)
	for {
		n.mu.Lock()
		_, registered := n.waiters[2]
		n.mu.Unlock()
		if registered {
			break
		}
		select {
		case <-deadline:
			t.Fatal("waiter never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}
	n.resolve(2, Outcome{Action: "allow"})

	select {
	case o := <-done:
		if o.Action != "allow" {
			t.Errorf("Wait() = %+v, want allow", o)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait() did not return")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := n.Wait(ctx, 3); err == nil {
		t.Error("Wait() should fail on cancelled context")
	}
}
