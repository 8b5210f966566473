// Package conversation runs one chat completion request from the
// inbound message list to the end of its event stream. Slash commands
// are answered from memory without the model; everything else is
// streamed from the provider through a Sink and, when the request
// names a chat, the finished reply is appended to its transcript.
package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/chatrelay/internal/chats"
	"github.com/nugget/chatrelay/internal/events"
	"github.com/nugget/chatrelay/internal/llm"
	"github.com/nugget/chatrelay/internal/memory"
	"github.com/nugget/chatrelay/internal/result"
)

// State is a step of the request lifecycle.
type State int

const (
	StateValidating State = iota
	StateMemoryShortCircuit
	StateGenerating
	StateRelaying
	StatePersisting
	StateDone
	StateAborted
	StateFailed
)

var stateNames = [...]string{
	StateValidating:         "validating",
	StateMemoryShortCircuit: "memory_short_circuit",
	StateGenerating:         "generating",
	StateRelaying:           "relaying",
	StatePersisting:         "persisting",
	StateDone:               "done",
	StateAborted:            "aborted",
	StateFailed:             "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateAborted || s == StateFailed
}

// Sink receives the client-visible events of one request.
type Sink interface {
	SetupHeaders() error
	WriteChunk(delta string, finish llm.FinishReason) error
	WriteError(err error) error
	End() error
}

// keepAliver is implemented by sinks that can hold an idle connection
// open while the provider is thinking.
type keepAliver interface {
	StartKeepAlive(interval time.Duration)
}

// Commands executes slash commands against an owner's memory.
type Commands interface {
	Execute(ctx context.Context, owner string, cmd memory.Command) result.Result[memory.Reply]
}

// Transcripts appends messages to an owner's stored chats.
type Transcripts interface {
	AddMessage(ctx context.Context, owner, chatID, text, sender string, ts time.Time) (string, error)
}

// Request is one inbound completion request.
type Request struct {
	// ID labels logs and events. Generated when empty.
	ID       string
	Owner    string
	Model    string
	ChatID   string
	Messages []llm.Message
}

// Outcome describes how a request ended.
type Outcome struct {
	State State
	// Text is everything relayed to the client as assistant output.
	Text string
	// Code classifies a Failed outcome.
	Code result.Code
	// MessageID is the transcript row written for the reply, if any.
	MessageID string
}

// Options tunes the orchestrator.
type Options struct {
	// Owner is used when a request does not name one.
	Owner       string
	Temperature float64
	MaxTokens   int

	// RequestTimeout bounds generation. Zero means no limit.
	RequestTimeout time.Duration

	// KeepAlive is the interval of idle comments on the stream.
	KeepAlive time.Duration

	// PersistUserMessages appends the final user message to the
	// request's chat before the provider is called.
	PersistUserMessages bool
}

// Orchestrator coordinates memory, prompt building, the provider and
// the transcript store for each request. It is safe for concurrent use.
type Orchestrator struct {
	logger      *slog.Logger
	commands    Commands
	prompts     *Builder
	provider    llm.Provider
	transcripts Transcripts
	bus         *events.Bus
	opts        Options
	now         func() time.Time
}

// NewOrchestrator creates an orchestrator. Transcripts and the event
// bus are optional and attached with their setters.
func NewOrchestrator(logger *slog.Logger, commands Commands, prompts *Builder, provider llm.Provider, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Owner == "" {
		opts.Owner = "default"
	}
	return &Orchestrator{
		logger:   logger.With("component", "conversation"),
		commands: commands,
		prompts:  prompts,
		provider: provider,
		opts:     opts,
		now:      time.Now,
	}
}

// SetTranscripts enables persistence of replies to chats.
func (o *Orchestrator) SetTranscripts(t Transcripts) {
	o.transcripts = t
}

// SetEventBus publishes lifecycle events to bus.
func (o *Orchestrator) SetEventBus(bus *events.Bus) {
	o.bus = bus
}

// SetClock replaces the time source used to stamp transcript rows.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// run carries the per-request state through Handle.
type run struct {
	o      *Orchestrator
	req    Request
	sink   Sink
	log    *slog.Logger
	start  time.Time
	state  State
	text   strings.Builder
	ended  bool
	parent context.Context
}

// Handle drives req to a terminal state, writing its events to sink.
// The sink is ended exactly once before Handle returns. Cancelling ctx
// aborts the request and the upstream call.
func (o *Orchestrator) Handle(ctx context.Context, req Request, sink Sink) Outcome {
	if req.ID == "" {
		req.ID = newRequestID()
	}
	if req.Owner == "" {
		req.Owner = o.opts.Owner
	}
	r := &run{
		o:      o,
		req:    req,
		sink:   sink,
		log:    o.logger.With("request_id", req.ID),
		start:  time.Now(),
		state:  StateValidating,
		parent: ctx,
	}
	defer r.endSink()

	if err := sink.SetupHeaders(); err != nil {
		return r.abort("headers", err)
	}

	if len(req.Messages) == 0 {
		return r.fail(result.Errorf(result.InvalidRequest, "messages must not be empty"))
	}

	last := req.Messages[len(req.Messages)-1]
	o.bus.Emit(events.SourceCompletions, events.KindRequestStart, map[string]any{
		"request_id": req.ID,
		"model":      req.Model,
		"chat_id":    req.ChatID,
		"messages":   len(req.Messages),
	})
	r.log.Info("completion request started",
		"model", req.Model,
		"chat_id", req.ChatID,
		"messages", len(req.Messages),
	)

	if memory.IsCommand(last.Content) {
		return r.shortCircuit(ctx, last.Content)
	}
	return r.generate(ctx, last)
}

func (r *run) shortCircuit(ctx context.Context, text string) Outcome {
	r.state = StateMemoryShortCircuit

	parsed := memory.ParseSlashCommand(text)
	if !parsed.Ok() {
		r.emitCommand("", parsed.Err())
		return r.fail(parsed.Err())
	}
	cmd := parsed.Value()

	reply := r.o.commands.Execute(ctx, r.req.Owner, cmd)
	if !reply.Ok() {
		r.emitCommand(cmd.Name, reply.Err())
		return r.fail(reply.Err())
	}
	r.emitCommand(cmd.Name, nil)

	msg := reply.Value().Message
	if err := r.sink.WriteChunk(msg, llm.FinishStop); err != nil {
		return r.abort("command reply", err)
	}
	r.text.WriteString(msg)
	return r.done("")
}

func (r *run) generate(ctx context.Context, last llm.Message) Outcome {
	r.state = StateGenerating

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if r.o.opts.RequestTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, r.o.opts.RequestTimeout)
		defer cancelTimeout()
	}

	if ka, ok := r.sink.(keepAliver); ok && r.o.opts.KeepAlive > 0 {
		ka.StartKeepAlive(r.o.opts.KeepAlive)
	}

	if r.o.opts.PersistUserMessages && r.req.ChatID != "" && r.o.transcripts != nil && last.Role == llm.RoleUser {
		if _, err := r.o.transcripts.AddMessage(ctx, r.req.Owner, r.req.ChatID, last.Content, chats.SenderUser, r.o.now()); err != nil {
			r.log.Warn("failed to persist user message", "chat_id", r.req.ChatID, "error", err)
		}
	}

	messages := make([]llm.Message, 0, len(r.req.Messages)+1)
	messages = append(messages, llm.Message{
		Role:    llm.RoleSystem,
		Content: r.o.prompts.BuildSystemPrompt(ctx, r.req.Owner),
	})
	messages = append(messages, r.req.Messages...)

	r.o.bus.Emit(events.SourceCompletions, events.KindLLMCall, map[string]any{
		"request_id": r.req.ID,
		"model":      r.req.Model,
		"backend":    r.o.provider.Name(),
	})
	r.log.Debug("calling provider", "model", r.req.Model, "messages", len(messages))

	call := r.o.provider.Call(ctx, llm.Request{
		Model:       r.req.Model,
		Messages:    messages,
		MaxTokens:   r.o.opts.MaxTokens,
		Temperature: r.o.opts.Temperature,
	})
	if !call.Ok() {
		if ctx.Err() != nil {
			return r.cancelled(ctx, "provider call")
		}
		return r.fail(call.Err())
	}
	stream := call.Value()
	defer stream.Close()

	return r.relay(ctx, cancel, stream)
}

func (r *run) relay(ctx context.Context, cancel context.CancelFunc, stream llm.Stream) Outcome {
	r.state = StateRelaying

	var final string
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			r.log.Debug("provider stream ended without finish reason")
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return r.cancelled(ctx, "recv")
			}
			return r.fail(err)
		}

		if chunk.FinishReason == llm.FinishError {
			msg := chunk.Err
			if msg == "" {
				msg = "upstream reported an error"
			}
			return r.fail(result.Errorf(result.ProviderError, "%s", msg))
		}

		if chunk.Final() {
			final = chunk.Delta
			break
		}
		if chunk.Delta == "" {
			continue
		}
		if err := r.sink.WriteChunk(chunk.Delta, llm.FinishNone); err != nil {
			cancel()
			return r.abort("chunk", err)
		}
		r.text.WriteString(chunk.Delta)
	}

	if err := r.sink.WriteChunk(final, llm.FinishStop); err != nil {
		cancel()
		return r.abort("final chunk", err)
	}
	r.text.WriteString(final)

	// The reply is complete once the stop chunk is out; close the
	// stream before touching the store.
	r.endSink()
	return r.persist()
}

func (r *run) persist() Outcome {
	r.state = StatePersisting
	if r.req.ChatID == "" || r.o.transcripts == nil {
		return r.done("")
	}

	ctx := context.WithoutCancel(r.parent)
	id, err := r.o.transcripts.AddMessage(ctx, r.req.Owner, r.req.ChatID, r.text.String(), chats.SenderAssistant, r.o.now())
	if err != nil {
		r.log.Warn("failed to persist assistant reply", "chat_id", r.req.ChatID, "error", err)
		return r.done("")
	}
	r.log.Debug("assistant reply persisted", "chat_id", r.req.ChatID, "message_id", id)
	return r.done(id)
}

// cancelled classifies a cancelled generation: the client leaving is
// an abort, the request timeout is a failure the client still sees.
func (r *run) cancelled(ctx context.Context, phase string) Outcome {
	if r.parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return r.fail(result.Errorf(result.ProviderError, "request timed out after %s", r.o.opts.RequestTimeout))
	}
	return r.abort(phase, ctx.Err())
}

func (r *run) done(messageID string) Outcome {
	r.state = StateDone
	r.o.bus.Emit(events.SourceCompletions, events.KindRequestComplete, map[string]any{
		"request_id": r.req.ID,
		"model":      r.req.Model,
		"chars":      r.text.Len(),
		"persisted":  messageID != "",
		"elapsed_ms": r.elapsed(),
	})
	r.log.Info("completion request finished",
		"chars", r.text.Len(),
		"persisted", messageID != "",
		"elapsed", time.Since(r.start).Round(time.Millisecond),
	)
	return Outcome{State: StateDone, Text: r.text.String(), MessageID: messageID}
}

func (r *run) abort(phase string, err error) Outcome {
	from := r.state
	r.state = StateAborted
	r.o.bus.Emit(events.SourceCompletions, events.KindRequestAborted, map[string]any{
		"request_id": r.req.ID,
		"chars":      r.text.Len(),
		"elapsed_ms": r.elapsed(),
	})
	r.log.Info("completion request aborted",
		"phase", phase,
		"state", from.String(),
		"chars", r.text.Len(),
		"error", err,
	)
	return Outcome{State: StateAborted, Text: r.text.String()}
}

func (r *run) fail(err error) Outcome {
	code := result.CodeOf(err)
	r.state = StateFailed
	if code == result.InternalError {
		r.log.Error("completion request failed", "error", err)
	} else {
		r.log.Warn("completion request failed", "code", code, "error", err)
	}
	if werr := r.sink.WriteError(err); werr != nil {
		r.log.Debug("error event not delivered", "error", werr)
	}
	r.o.bus.Emit(events.SourceCompletions, events.KindRequestFailed, map[string]any{
		"request_id": r.req.ID,
		"code":       string(code),
		"elapsed_ms": r.elapsed(),
	})
	return Outcome{State: StateFailed, Text: r.text.String(), Code: code}
}

func (r *run) emitCommand(name string, err *result.Error) {
	data := map[string]any{
		"request_id": r.req.ID,
		"command":    name,
		"ok":         err == nil,
	}
	if err != nil {
		data["code"] = string(err.Code)
	}
	r.o.bus.Emit(events.SourceCompletions, events.KindMemoryCommand, data)
}

func (r *run) endSink() {
	if r.ended {
		return
	}
	r.ended = true
	if err := r.sink.End(); err != nil {
		r.log.Debug("stream end not delivered", "error", err)
	}
}

func (r *run) elapsed() int64 {
	return time.Since(r.start).Milliseconds()
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return "chatcmpl-" + id.String()
}
