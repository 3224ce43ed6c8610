// Package permission negotiates the user's consent to let Slux control
// VPN networking. At most one consent request is outstanding at a time.
package permission

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/wangn9900/Slux/common"
)

// Consent is the OS side of the negotiation.
type Consent interface {
	// Prepared reports whether consent was already given.
	Prepared() bool
	// Prompt asks the user. It blocks until the user answers or ctx ends.
	Prompt(ctx context.Context) (bool, error)
}

// Result is the resolution of a Request.
type Result struct {
	Token   string
	Granted bool
	// Err is common.ErrSuperseded for preempted requests, or the prompt
	// failure if the user could not be asked.
	Err error
}

// Request is one consent negotiation.
type Request struct {
	Token string

	alreadyGranted bool
	once           sync.Once
	done           chan struct{}
	result         Result
}

// AlreadyGranted reports whether the request resolved without a prompt.
func (r *Request) AlreadyGranted() bool {
	return r.alreadyGranted
}

// Done is closed once the request is resolved.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Result returns the resolution. Only valid after Done is closed.
func (r *Request) Result() Result {
	<-r.done
	return r.result
}

func (r *Request) resolve(res Result) {
	r.once.Do(func() {
		res.Token = r.Token
		r.result = res
		close(r.done)
	})
}

// Broker serializes consent requests.
type Broker struct {
	consent Consent

	mu      sync.Mutex
	pending *Request
	cancel  context.CancelFunc
}

// NewBroker creates a Broker.
func NewBroker(consent Consent) *Broker {
	return &Broker{consent: consent}
}

// Check reports whether consent was already given.
func (b *Broker) Check() bool {
	return b.consent.Prepared()
}

// Request starts a consent negotiation. A pending request is resolved with
// common.ErrSuperseded first. If consent already exists the returned request
// is resolved immediately and AlreadyGranted reports true.
//
// Prepared may block on the keyring, so it is consulted before taking the
// lock; Cancel and Pending stay responsive meanwhile.
func (b *Broker) Request() *Request {
	req := &Request{Token: uuid.NewString(), done: make(chan struct{})}
	prepared := b.consent.Prepared()

	b.mu.Lock()
	b.supersedeLocked()
	if prepared {
		b.mu.Unlock()
		req.alreadyGranted = true
		req.resolve(Result{Granted: true})
		return req
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.pending, b.cancel = req, cancel
	b.mu.Unlock()

	common.LogInfo("Requesting VPN consent (token %s)", req.Token)
	go b.run(ctx, req)
	return req
}

func (b *Broker) run(ctx context.Context, req *Request) {
	granted, err := b.consent.Prompt(ctx)

	b.mu.Lock()
	if b.pending != req {
		// Superseded or cancelled while the prompt was up.
		b.mu.Unlock()
		return
	}
	b.pending = nil
	b.cancel()
	b.cancel = nil
	b.mu.Unlock()

	if err != nil {
		common.LogWarn("Consent prompt failed (token %s): %v", req.Token, err)
		req.resolve(Result{Err: fmt.Errorf("consent prompt: %w", err)})
		return
	}
	common.LogInfo("Consent resolved (token %s): granted=%v", req.Token, granted)
	req.resolve(Result{Granted: granted})
}

// Cancel resolves the pending request with common.ErrSuperseded if its
// token matches. It reports whether a request was cancelled.
func (b *Broker) Cancel(token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil || b.pending.Token != token {
		return false
	}
	b.supersedeLocked()
	return true
}

// Pending returns the token of the outstanding request, if any.
func (b *Broker) Pending() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return "", false
	}
	return b.pending.Token, true
}

func (b *Broker) supersedeLocked() {
	if b.pending == nil {
		return
	}
	prev := b.pending
	b.cancel()
	b.pending, b.cancel = nil, nil
	common.LogInfo("Consent request %s superseded", prev.Token)
	prev.resolve(Result{Err: common.ErrSuperseded})
}
