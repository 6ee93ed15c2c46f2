// Package relay runs chat turns: it persists the user's message, streams the
// upstream reply to the caller fragment by fragment, and persists exactly one
// assistant message however the stream ends.
package relay

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/papercomputeco/chatrelay/pkg/llm"
	"github.com/papercomputeco/chatrelay/pkg/metrics"
	"github.com/papercomputeco/chatrelay/pkg/normalize"
	"github.com/papercomputeco/chatrelay/pkg/store"
	"github.com/papercomputeco/chatrelay/pkg/upstream"
)

// Upstream produces completions for a conversation history.
type Upstream interface {
	Request(ctx context.Context, history []llm.Message, stream bool) (*upstream.Result, error)
}

// Caller identifies who is running a turn. It is passed explicitly into
// every relay call.
type Caller struct {
	// UserID scopes the turn to conversations the user owns. Zero skips
	// the ownership check.
	UserID int64

	// SessionID is the opaque session token the user was resolved from.
	SessionID string
}

func (c Caller) owner() *int64 {
	if c.UserID == 0 {
		return nil
	}
	id := c.UserID
	return &id
}

// Config tunes the relay.
type Config struct {
	// HistoryLimit is how many recent messages are sent upstream.
	HistoryLimit int

	// Stream requests a streaming completion for Events turns.
	Stream bool

	// FinalizeTimeout bounds saving the assistant message, which runs
	// detached from the caller's context so a disconnect cannot abort it.
	FinalizeTimeout time.Duration
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		HistoryLimit:    20,
		Stream:          true,
		FinalizeTimeout: 10 * time.Second,
	}
}

// Relay runs turns against a conversation store and an upstream.
type Relay struct {
	config     Config
	store      store.ConversationStore
	upstream   Upstream
	normalizer *normalize.Normalizer
	logger     *zap.Logger
	metrics    *metrics.Metrics
	locks      *conversationLocks
}

// New creates a Relay. m may be nil.
func New(config Config, conversations store.ConversationStore, up Upstream, logger *zap.Logger, m *metrics.Metrics) *Relay {
	d := DefaultConfig()
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = d.HistoryLimit
	}
	if config.FinalizeTimeout <= 0 {
		config.FinalizeTimeout = d.FinalizeTimeout
	}

	n := normalize.New(logger)
	n.OnSkip = func(*normalize.DecodeError) { m.DecodeSkipped() }

	return &Relay{
		config:     config,
		store:      conversations,
		upstream:   up,
		normalizer: n,
		logger:     logger,
		metrics:    m,
		locks:      newConversationLocks(),
	}
}

// Begin authorizes a turn and returns it without writing anything. The
// turn runs when its Events are iterated. It fails with
// ErrNotFoundOrForbidden when the caller may not use the conversation.
func (r *Relay) Begin(ctx context.Context, caller Caller, conversationID int64, text string) (*Turn, error) {
	return r.begin(ctx, caller, conversationID, text, r.config.Stream)
}

func (r *Relay) begin(ctx context.Context, caller Caller, conversationID int64, text string, stream bool) (*Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	conv, err := r.store.GetOwned(ctx, conversationID, caller.owner())
	if err != nil {
		var notFound store.ErrNotFound
		if errors.As(err, &notFound) {
			return nil, ErrNotFoundOrForbidden
		}
		return nil, &PersistenceError{Op: "load conversation", Err: err}
	}

	return &Turn{
		relay:  r,
		ctx:    ctx,
		caller: caller,
		conv:   conv,
		text:   text,
		stream: stream,
		acc:    &accumulator{},
		logger: r.logger.With(
			zap.Int64("conversation_id", conv.ID),
			zap.Int64("user_id", caller.UserID),
		),
	}, nil
}

// Exchange is the result of a non-streaming turn.
type Exchange struct {
	UserMessage *store.Message `json:"user_message"`
	AIMessage   *store.Message `json:"ai_message"`
}

// Send runs a whole turn with a non-streaming upstream call and returns the
// persisted exchange.
func (r *Relay) Send(ctx context.Context, caller Caller, conversationID int64, text string) (*Exchange, error) {
	turn, err := r.begin(ctx, caller, conversationID, text, false)
	if err != nil {
		return nil, err
	}

	var ex Exchange
	for ev := range turn.Events() {
		switch ev.Type {
		case EventUserMessage:
			ex.UserMessage = ev.Message
		case EventAIComplete:
			ex.AIMessage = ev.Message
		}
	}

	if err := turn.Err(); err != nil {
		return nil, err
	}

	return &ex, nil
}

// Turn is one user message and its single assistant reply.
type Turn struct {
	relay  *Relay
	ctx    context.Context
	caller Caller
	conv   *store.Conversation
	text   string
	stream bool
	acc    *accumulator
	logger *zap.Logger

	state     State
	consumed  bool
	finalized bool
	err       error
	assistant *store.Message
}

// State returns the turn's current lifecycle state.
func (t *Turn) State() State {
	return t.state
}

// Err returns the error that failed the turn, if any.
func (t *Turn) Err() error {
	return t.err
}

// AssistantMessage returns the persisted reply once the turn finalized.
func (t *Turn) AssistantMessage() *store.Message {
	return t.assistant
}

// Events runs the turn, yielding wire events in order. The last two events
// are always a terminal event (ai_complete or error) and the done sentinel,
// unless the consumer stops early; the turn is then finalized as
// disconnected. Events is single use: running it again yields nothing.
func (t *Turn) Events() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		if t.consumed {
			t.logger.Warn("ignoring turn iteration", zap.Error(ErrTurnConsumed))
			return
		}
		t.consumed = true

		out := &emitter{yield: yield}

		unlock, err := t.relay.locks.lock(t.ctx, t.conv.ID)
		if err != nil {
			t.err = err
			t.state = StateFailed
			out.terminal(Event{Type: EventError, Error: Diagnose(err)})
			return
		}
		defer unlock()

		t.relay.metrics.TurnStarted()
		startTime := time.Now()
		defer func() {
			t.relay.metrics.TurnFinished(t.outcome(), time.Since(startTime))
		}()

		defer func() {
			r := recover()
			if r == nil {
				return
			}

			// A panic raised by the loop body belongs to the consumer: save
			// what we have and let it continue unwinding.
			if out.yielding {
				out.gone = true
				t.finalize(out, errDisconnected)
				panic(r)
			}

			t.logger.Error("turn panicked", zap.Any("panic", r), zap.Stack("stack"))
			err := fmt.Errorf("turn panicked: %v", r)
			if t.state == StateIdle {
				t.fail(out, err)
				return
			}
			t.finalize(out, err)
		}()

		t.run(out)
	}
}

// run drives the turn from Idle to a terminal state.
func (t *Turn) run(out *emitter) {
	ctx := t.ctx
	acc := t.acc

	userMsg, err := t.saveUserMessage(ctx)
	if err != nil {
		// Nothing to finalize before the user message exists.
		t.fail(out, err)
		return
	}
	t.advance(StateUserMessageSaved)

	if !out.emit(Event{Type: EventUserMessage, Message: userMsg}) {
		t.finalize(out, errDisconnected)
		return
	}

	history, err := t.history(ctx)
	if err != nil {
		t.fail(out, err)
		return
	}

	t.advance(StateRequesting)
	fragments, err := t.request(ctx, history)
	if err != nil {
		t.finalize(out, err)
		return
	}

	t.advance(StateStreaming)
	if !out.emit(Event{Type: EventAIStart}) {
		t.finalize(out, errDisconnected)
		return
	}

	for fragment, err := range fragments {
		if err != nil {
			t.finalize(out, err)
			return
		}

		acc.append(fragment)
		t.relay.metrics.Fragment()

		if !out.emit(Event{Type: EventAIChunk, Content: fragment}) {
			t.finalize(out, errDisconnected)
			return
		}
	}

	if ctx.Err() != nil {
		t.finalize(out, errDisconnected)
		return
	}

	t.finalize(out, nil)
}

// saveUserMessage appends the user's text and derives the title on the
// conversation's first message.
func (t *Turn) saveUserMessage(ctx context.Context) (*store.Message, error) {
	msg, err := t.relay.store.Append(ctx, t.conv.ID, store.RoleUser, t.text)
	if err != nil {
		return nil, &PersistenceError{Op: "save user message", Err: err}
	}

	count, err := t.relay.store.CountMessages(ctx, t.conv.ID)
	if err != nil {
		return nil, &PersistenceError{Op: "count messages", Err: err}
	}

	if count == 1 {
		title := store.DeriveTitle(t.text)
		if err := t.relay.store.SetTitle(ctx, t.conv.ID, title); err != nil {
			return nil, &PersistenceError{Op: "set title", Err: err}
		}
		t.conv.Title = title
		t.logger.Debug("derived conversation title", zap.String("title", title))
	}

	return msg, nil
}

// history loads the most recent messages in ascending order.
func (t *Turn) history(ctx context.Context) ([]llm.Message, error) {
	recent, err := t.relay.store.RecentMessages(ctx, t.conv.ID, t.relay.config.HistoryLimit)
	if err != nil {
		return nil, &PersistenceError{Op: "load history", Err: err}
	}

	history := make([]llm.Message, 0, len(recent))
	for _, msg := range recent {
		history = append(history, llm.Message{Role: msg.Role, Content: msg.Content})
	}

	return history, nil
}

// request asks upstream for a reply and returns it as a fragment sequence.
// Streams go through the normalizer; a complete answer is one fragment.
func (t *Turn) request(ctx context.Context, history []llm.Message) (iter.Seq2[string, error], error) {
	res, err := t.relay.upstream.Request(ctx, history, t.stream)
	if err != nil {
		return nil, err
	}

	if !res.Streaming() {
		return func(yield func(string, error) bool) {
			if res.Text != "" {
				yield(res.Text, nil)
			}
		}, nil
	}

	stream := res.Stream
	return func(yield func(string, error) bool) {
		defer stream.Close()
		for fragment, err := range t.relay.normalizer.Normalize(stream.Lines()) {
			if !yield(fragment, err) {
				return
			}
		}
	}, nil
}

// finalize persists the turn's single assistant message and emits the
// terminal events. cause is nil on normal completion. It runs at most once.
func (t *Turn) finalize(out *emitter, cause error) {
	if t.finalized {
		return
	}
	t.finalized = true

	disconnected := errors.Is(cause, errDisconnected) || errors.Is(cause, context.Canceled)
	if cause != nil && !disconnected {
		t.relay.metrics.UpstreamError(cause)
	}

	acc := t.acc
	content := acc.String()
	partial := cause != nil && !acc.blank()
	if acc.blank() {
		content = FallbackMessage
	}

	// The caller may be gone; the save must still happen.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), t.relay.config.FinalizeTimeout)
	defer cancel()

	msg, err := t.relay.store.Append(ctx, t.conv.ID, store.RoleAssistant, content)
	if err != nil {
		t.logger.Error("failed to save assistant message", zap.Error(err), zap.NamedError("cause", cause))
		t.fail(out, &PersistenceError{Op: "save assistant message", Err: err})
		return
	}
	t.assistant = msg

	if partial {
		t.relay.metrics.PartialSaved()
	}

	if cause == nil {
		t.advance(StateCompleted)
		t.logger.Info("turn completed",
			zap.Int("fragments", acc.count),
			zap.Int64("message_id", msg.ID),
		)
		out.terminal(Event{Type: EventAIComplete, Message: msg})
		return
	}

	t.err = cause
	t.advance(StateFailed)
	t.logger.Warn("turn ended early",
		zap.Error(cause),
		zap.Bool("disconnected", disconnected),
		zap.Bool("partial_saved", partial),
		zap.Int("fragments", acc.count),
	)
	out.terminal(Event{Type: EventError, Error: Diagnose(cause)})
}

// fail ends the turn without an assistant message. Only used when the
// store itself is failing.
func (t *Turn) fail(out *emitter, err error) {
	t.finalized = true
	t.err = err
	t.state = StateFailed
	t.logger.Error("turn failed", zap.Error(err))
	out.terminal(Event{Type: EventError, Error: Diagnose(err)})
}

func (t *Turn) advance(next State) {
	if !t.state.canAdvance(next) {
		t.logger.Error("illegal turn transition",
			zap.Stringer("from", t.state),
			zap.Stringer("to", next),
		)
	}
	t.state = next
}

func (t *Turn) outcome() string {
	switch {
	case t.state == StateCompleted:
		return metrics.OutcomeCompleted
	case errors.Is(t.err, errDisconnected) || errors.Is(t.err, context.Canceled):
		return metrics.OutcomeDisconnected
	default:
		return metrics.OutcomeFailed
	}
}

// emitter forwards events to the consumer and remembers when it stopped
// reading, after which nothing more is yielded.
type emitter struct {
	yield    func(Event) bool
	gone     bool
	yielding bool
}

func (e *emitter) emit(ev Event) bool {
	if e.gone {
		return false
	}

	e.yielding = true
	ok := e.yield(ev)
	e.yielding = false

	if !ok {
		e.gone = true
	}
	return ok
}

// terminal emits ev followed by the done sentinel.
func (e *emitter) terminal(ev Event) {
	if e.emit(ev) {
		e.emit(Event{Type: EventDone})
	}
}
