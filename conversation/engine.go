// Package conversation implements the request/reply correlation engine of
// spec.md §4.C8: a per-conversationId state machine (Start→Sent→
// AwaitingReply→{Completed,TimedOut,Failed,Cancelled}) with timeout-driven
// expiry and retry of expected-transient failures.
package conversation

import (
	"sync"
	"time"

	set "gopkg.in/fatih/set.v0"

	"github.com/ground-x/blmsg/errs"
	"github.com/ground-x/blmsg/ids"
	"github.com/ground-x/blmsg/log"
	"github.com/ground-x/blmsg/protocol"
)

var logger = log.NewModuleLogger(log.Conversation)

// State is a conversation's position in its lifecycle.
type State int

const (
	Start State = iota
	Sent
	AwaitingReply
	Completed
	TimedOut
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Start:
		return "Start"
	case Sent:
		return "Sent"
	case AwaitingReply:
		return "AwaitingReply"
	case Completed:
		return "Completed"
	case TimedOut:
		return "TimedOut"
	case Failed:
		return "Failed"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

func isTerminal(s State) bool {
	return s == Completed || s == TimedOut || s == Failed || s == Cancelled
}

// Sender abstracts the transport a conversation dispatches its outbound
// envelope through (broker session, forwarder backend, ...).
type Sender interface {
	Send(env *protocol.Envelope, payload []byte) error
}

// Result is what the channel returned by Send yields once a conversation
// reaches a terminal state.
type Result struct {
	State   State
	Reply   *protocol.Envelope
	Payload []byte
	Err     error
}

// conversation tracks one in-flight request.
type conversation struct {
	id        ids.ID
	messageID ids.ID
	state     State
	mu        sync.Mutex

	done     chan struct{}
	result   Result
	resultCh chan Result

	timer    *time.Timer
	retries  int
	maxRetry int
}

// Engine correlates outbound requests with their replies by conversationId,
// per spec.md §4.C8.
type Engine struct {
	sender        Sender
	requestTimeout time.Duration
	maxRetries    int
	retryBackoff  time.Duration

	mu            sync.Mutex
	conversations map[ids.ID]*conversation
	seenMessages  *set.Set // in-flight messageIds, for idempotent Send

	onNotification func(env *protocol.Envelope, payload []byte)
}

// NewEngine builds an Engine dispatching through sender.
func NewEngine(sender Sender, requestTimeout time.Duration, maxRetries int, retryBackoff time.Duration) *Engine {
	return &Engine{
		sender:         sender,
		requestTimeout: requestTimeout,
		maxRetries:     maxRetries,
		retryBackoff:   retryBackoff,
		conversations:  make(map[ids.ID]*conversation),
		seenMessages:   set.New(),
	}
}

// OnNotification registers the callback invoked for envelopes whose
// conversationId does not match any active conversation (spec.md §4.C8's
// "may be a notification" case).
func (e *Engine) OnNotification(fn func(env *protocol.Envelope, payload []byte)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onNotification = fn
}

// Send dispatches env (with payload as its marshaled body) and returns a
// channel that yields the conversation's terminal Result exactly once.
// Calling Send again with the same MessageID while the first call's
// conversation is still pending is a no-op that returns the same channel,
// making Send idempotent per spec.md §4.C8.
func (e *Engine) Send(env *protocol.Envelope, payload []byte) <-chan Result {
	e.mu.Lock()
	if e.seenMessages.Has(env.MessageID.String()) {
		if existing, ok := e.conversations[env.ConversationID]; ok {
			e.mu.Unlock()
			return existing.resultCh
		}
	}
	e.seenMessages.Add(env.MessageID.String())

	c := &conversation{
		id:        env.ConversationID,
		messageID: env.MessageID,
		state:     Start,
		done:      make(chan struct{}),
		resultCh:  make(chan Result, 1),
		maxRetry:  e.maxRetries,
	}
	e.conversations[env.ConversationID] = c
	e.mu.Unlock()

	go func() {
		e.run(c, env, payload)
		c.resultCh <- c.result
		close(c.resultCh)
	}()
	return c.resultCh
}

func (e *Engine) run(c *conversation, env *protocol.Envelope, payload []byte) {
	c.mu.Lock()
	if !isTerminal(c.state) {
		c.state = Sent
	}
	c.mu.Unlock()

	if !e.attemptSend(c, env, payload) {
		return
	}

	c.mu.Lock()
	if isTerminal(c.state) {
		// Resolved (e.g. cancelled) while the send/retry loop was still
		// running; don't resurrect a non-terminal state or arm a timer
		// for a conversation that's already finished.
		c.mu.Unlock()
		return
	}
	c.state = AwaitingReply
	c.timer = time.NewTimer(e.requestTimeout)
	timer := c.timer
	c.mu.Unlock()

	select {
	case <-c.done:
		timer.Stop()
	case <-timer.C:
		e.finish(c, TimedOut, nil, nil, errs.New(errs.CodeInternal, "conversation: timed out waiting for reply"))
	}
}

// attemptSend sends env via e.sender, retrying expected-transient failures
// up to maxRetry times with a fixed backoff. Returns false (and finishes c)
// if the send ultimately fails terminally.
func (e *Engine) attemptSend(c *conversation, env *protocol.Envelope, payload []byte) bool {
	for {
		err := e.sender.Send(env, payload)
		if err == nil {
			return true
		}
		if !errs.IsExpectedTransient(err) {
			e.finish(c, Failed, nil, nil, err)
			return false
		}

		c.mu.Lock()
		c.retries++
		retries := c.retries
		c.mu.Unlock()

		if retries > c.maxRetry {
			e.finish(c, Failed, nil, nil, err)
			return false
		}
		logger.Warn("retrying transient send failure", "conversationId", env.ConversationID.Short(), "attempt", retries, "err", err)
		time.Sleep(e.retryBackoff)
	}
}

// OnMessage resolves env against an active conversation if its
// conversationId matches one, otherwise routes it to the notification
// callback.
func (e *Engine) OnMessage(env *protocol.Envelope, payload []byte) {
	e.mu.Lock()
	c, ok := e.conversations[env.ConversationID]
	e.mu.Unlock()

	if !ok {
		e.mu.Lock()
		onNotif := e.onNotification
		e.mu.Unlock()
		if onNotif != nil {
			onNotif(env, payload)
		}
		return
	}

	var err error
	if ack := env.Payload; ack != nil && ack.AsyncRpcResponse != nil && ack.AsyncRpcResponse.ServerErrorJson != nil {
		sej := ack.AsyncRpcResponse.ServerErrorJson
		err = errs.New(sej.ErrorCode, "%s", sej.ErrorCodeMessage)
	}
	e.finish(c, Completed, env, payload, err)
}

// Cancel transitions conversationId's conversation to Cancelled, discarding
// any pending reply.
func (e *Engine) Cancel(conversationID ids.ID, reason string) {
	e.mu.Lock()
	c, ok := e.conversations[conversationID]
	e.mu.Unlock()
	if !ok {
		return
	}
	e.finish(c, Cancelled, nil, nil, errs.New(errs.CodeInternal, "conversation: cancelled: %s", reason))
}

// finish transitions c to a terminal state exactly once, records the
// result (which Send's goroutine then delivers on the result channel) and
// removes c from the active table.
func (e *Engine) finish(c *conversation, state State, reply *protocol.Envelope, payload []byte, err error) {
	c.mu.Lock()
	if isTerminal(c.state) {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.result = Result{State: state, Reply: reply, Payload: payload, Err: err}
	c.mu.Unlock()

	e.mu.Lock()
	delete(e.conversations, c.id)
	e.seenMessages.Remove(c.messageID.String())
	e.mu.Unlock()

	close(c.done)
}

// Len returns the number of conversations currently in flight.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conversations)
}
