package permission

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/wangn9900/Slux/common"
	"github.com/wangn9900/Slux/desktop"
)

// Recorder stores the consent decision. *keyring.Store implements it.
type Recorder interface {
	Granted() bool
	Grant() error
}

// Prompter asks the user a yes/no question.
type Prompter interface {
	Ask(ctx context.Context) (bool, error)
}

// DesktopConsent remembers a granted consent in a Recorder and asks
// through a Prompter when there is none.
type DesktopConsent struct {
	Store    Recorder
	Prompter Prompter
}

// Prepared reports whether consent was recorded.
func (c *DesktopConsent) Prepared() bool {
	return c.Store.Granted()
}

// Prompt asks the user and records a grant. A denial is never recorded,
// so the next start asks again.
func (c *DesktopConsent) Prompt(ctx context.Context) (bool, error) {
	granted, err := c.Prompter.Ask(ctx)
	if err != nil || !granted {
		return false, err
	}
	if err := c.Store.Grant(); err != nil {
		common.LogWarn("Consent granted but could not be stored: %v", err)
	}
	return true, nil
}

// Notifier is the subset of desktop.Notifier used for prompting.
type Notifier interface {
	Notify(ctx context.Context, n desktop.Notification) (uint32, error)
	Close(ctx context.Context, id uint32) error
	Wait(ctx context.Context, id uint32) (desktop.Outcome, error)
}

// NotificationPrompter asks with a notification carrying Allow and Deny
// actions. Dismissing the notification counts as a denial.
type NotificationPrompter struct {
	Notifier Notifier
	Title    string
	Body     string
}

// Ask shows the prompt and waits for the answer. The notification is
// withdrawn when ctx ends first.
func (p *NotificationPrompter) Ask(ctx context.Context) (bool, error) {
	title, body := p.Title, p.Body
	if title == "" {
		title = common.AppName
	}
	if body == "" {
		body = "Allow " + common.AppName + " to set up a VPN connection? It will be able to monitor and route all network traffic."
	}

	id, err := p.Notifier.Notify(ctx, desktop.Notification{
		Title:    title,
		Message:  body,
		Type:     desktop.NotificationWarning,
		Icon:     "network-vpn",
		Resident: true,
		Actions: []desktop.Action{
			{Key: common.PromptAllow, Label: "Allow"},
			{Key: common.PromptDeny, Label: "Deny"},
		},
	})
	if err != nil {
		return false, err
	}

	outcome, err := p.Notifier.Wait(ctx, id)
	if err != nil {
		if cerr := p.Notifier.Close(context.WithoutCancel(ctx), id); cerr != nil {
			common.LogDebug("Withdrawing consent prompt: %v", cerr)
		}
		return false, err
	}
	return outcome.Action == common.PromptAllow, nil
}

// ErrNoTerminal is returned by TerminalPrompter when stdin is not a TTY.
var ErrNoTerminal = errors.New("no interactive terminal")

// TerminalPrompter asks on the controlling terminal. A single reader
// goroutine owns In for the prompter's lifetime, so a line typed after a
// prompt was cancelled answers the next one instead of being lost.
type TerminalPrompter struct {
	In  io.Reader
	Out io.Writer
	// Interactive overrides TTY detection on In.
	Interactive func() bool

	once    sync.Once
	lines   chan string
	done    chan struct{}
	readErr error
}

// NewTerminalPrompter prompts on stdin/stderr.
func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{
		In:          os.Stdin,
		Out:         os.Stderr,
		Interactive: func() bool { return term.IsTerminal(int(os.Stdin.Fd())) },
	}
}

func (p *TerminalPrompter) startReader() {
	p.lines = make(chan string)
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		r := bufio.NewReader(p.In)
		for {
			line, err := r.ReadString('\n')
			if line != "" {
				p.lines <- line
			}
			if err != nil {
				p.readErr = err
				return
			}
		}
	}()
}

// Ask prints a y/N question and reads one line.
func (p *TerminalPrompter) Ask(ctx context.Context) (bool, error) {
	if p.Interactive != nil && !p.Interactive() {
		return false, ErrNoTerminal
	}
	p.once.Do(p.startReader)

	fmt.Fprintf(p.Out, "Allow %s to set up a VPN connection? [y/N] ", common.AppName)

	select {
	case line := <-p.lines:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	case <-p.done:
		return false, fmt.Errorf("read answer: %w", p.readErr)
	case <-ctx.Done():
		fmt.Fprintln(p.Out)
		return false, ctx.Err()
	}
}

// AutoPrompter answers every prompt with a fixed value. For headless hosts
// where consent is granted by the administrator through configuration.
type AutoPrompter struct {
	Answer bool
}

// Ask returns the fixed answer.
func (p AutoPrompter) Ask(context.Context) (bool, error) {
	return p.Answer, nil
}
