// Package presence keeps a persistent indicator visible while a tunnel is
// active, so the user always knows traffic is being routed.
package presence

import (
	"context"
	"sync"

	"github.com/wangn9900/Slux/common"
	"github.com/wangn9900/Slux/desktop"
)

// Indicator is the OS surface that displays the presence.
type Indicator interface {
	Show(ctx context.Context, title, body string) error
	Hide(ctx context.Context) error
}

// Manager shows and hides the indicator exactly once per transition.
// Repeated Show or Hide calls are no-ops.
type Manager struct {
	indicator Indicator
	title     string
	body      string

	mu      sync.Mutex
	visible bool
}

// NewManager creates a Manager. Empty title or body fall back to defaults.
func NewManager(indicator Indicator, title, body string) *Manager {
	if title == "" {
		title = common.PresenceTitle
	}
	if body == "" {
		body = common.PresenceBody
	}
	return &Manager{indicator: indicator, title: title, body: body}
}

// Show displays the indicator if it is not already visible.
func (m *Manager) Show(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.visible {
		return nil
	}
	// Marked visible even on failure so the matching Hide still runs.
	m.visible = true
	return m.indicator.Show(ctx, m.title, m.body)
}

// Hide removes the indicator if it is visible.
func (m *Manager) Hide(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.visible {
		return nil
	}
	m.visible = false
	return m.indicator.Hide(ctx)
}

// Visible reports whether the indicator is shown.
func (m *Manager) Visible() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.visible
}

// Notifier is the subset of desktop.Notifier used by NotificationIndicator.
type Notifier interface {
	Notify(ctx context.Context, n desktop.Notification) (uint32, error)
	Close(ctx context.Context, id uint32) error
}

// NotificationIndicator shows a resident desktop notification.
type NotificationIndicator struct {
	Notifier Notifier

	mu sync.Mutex
	id uint32
}

// Show implements Indicator.
func (n *NotificationIndicator) Show(ctx context.Context, title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	id, err := n.Notifier.Notify(ctx, desktop.Notification{
		Title:      title,
		Message:    body,
		Type:       desktop.NotificationSuccess,
		Icon:       "network-vpn",
		Resident:   true,
		ReplacesID: n.id,
	})
	if err != nil {
		return err
	}
	n.id = id
	return nil
}

// Hide implements Indicator.
func (n *NotificationIndicator) Hide(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.id
	n.id = 0
	return n.Notifier.Close(ctx, id)
}

// LogIndicator only logs. Used when no notification service is reachable.
type LogIndicator struct{}

// Show implements Indicator.
func (LogIndicator) Show(_ context.Context, title, body string) error {
	common.LogInfo("%s: %s", title, body)
	return nil
}

// Hide implements Indicator.
func (LogIndicator) Hide(context.Context) error {
	common.LogInfo("%s: disconnected", common.PresenceTitle)
	return nil
}
