package memory

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/nugget/chatrelay/internal/result"
)

// DefaultEpisodeLimit bounds RecentEpisodes when no limit is given.
const DefaultEpisodeLimit = 5

// Slash command names.
const (
	CommandRemember = "remember"
	CommandForget   = "forget"
	CommandList     = "list"
)

// KVStore persists key-value memory scoped by owner.
type KVStore interface {
	UpsertKV(ctx context.Context, owner, key, value string, ts time.Time) error
	DeleteKV(ctx context.Context, owner, key string) (bool, error)
	ListKV(ctx context.Context, owner string) ([]KVItem, error)
}

// EpisodeStore persists append-only notes scoped by owner.
type EpisodeStore interface {
	AppendEpisode(ctx context.Context, owner, text string, ts time.Time) error
	RecentEpisodes(ctx context.Context, owner string, limit int) ([]Episode, error)
}

// Command is a parsed slash command. Name has no leading slash.
type Command struct {
	Name    string
	Payload string
}

// Reply is the human-readable outcome of a command.
type Reply struct {
	Message string `json:"message"`
}

// Facade routes slash commands and memory reads to the stores.
type Facade struct {
	kv       KVStore
	episodes EpisodeStore
	logger   *slog.Logger
	now      func() time.Time
}

// NewFacade creates a facade over the given stores.
func NewFacade(kv KVStore, episodes EpisodeStore, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{
		kv:       kv,
		episodes: episodes,
		logger:   logger.With("component", "memory"),
		now:      time.Now,
	}
}

// SetClock replaces the time source used to stamp writes.
func (f *Facade) SetClock(now func() time.Time) {
	f.now = now
}

// IsCommand reports whether text would be intercepted as a slash command.
func IsCommand(text string) bool {
	return strings.HasPrefix(text, "/")
}

// ParseSlashCommand splits "/name payload" on the first whitespace.
// The payload is kept verbatim and may be empty.
func ParseSlashCommand(text string) result.Result[Command] {
	if !IsCommand(text) {
		return result.Fail[Command](result.InvalidCommand, "not a command: %q", text)
	}
	body := text[1:]
	i := strings.IndexFunc(body, unicode.IsSpace)
	if i < 0 {
		return result.Ok(Command{Name: body})
	}
	_, size := utf8.DecodeRuneInString(body[i:])
	return result.Ok(Command{Name: body[:i], Payload: body[i+size:]})
}

// Execute applies cmd to owner's memory.
func (f *Facade) Execute(ctx context.Context, owner string, cmd Command) result.Result[Reply] {
	switch cmd.Name {
	case CommandRemember:
		return f.remember(ctx, owner, cmd.Payload)
	case CommandForget:
		return f.forget(ctx, owner, cmd.Payload)
	case CommandList:
		return f.list(ctx, owner)
	default:
		return result.Fail[Reply](result.UnknownCommand, "Unknown command: /%s", cmd.Name)
	}
}

func (f *Facade) remember(ctx context.Context, owner, payload string) result.Result[Reply] {
	if strings.TrimSpace(payload) == "" {
		return result.Fail[Reply](result.InvalidCommand, "Usage: /remember key=value or /remember some note")
	}
	if k, v, ok := strings.Cut(payload, "="); ok {
		return f.Remember(ctx, owner, k, v)
	}
	return f.Note(ctx, owner, payload)
}

// Remember upserts a fact. Key and value are trimmed; the key must not
// be empty.
func (f *Facade) Remember(ctx context.Context, owner, key, value string) result.Result[Reply] {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" {
		return result.Fail[Reply](result.InvalidCommand, "Usage: /remember key=value (key must not be empty)")
	}
	if err := f.kv.UpsertKV(ctx, owner, key, value, f.now()); err != nil {
		f.logger.Error("remember failed", "owner", owner, "key", key, "error", err)
		return result.Fail[Reply](result.InternalError, "store fact: %w", err)
	}
	f.logger.Debug("fact remembered", "owner", owner, "key", key)
	return result.Ok(Reply{Message: "Noted: " + key + " = " + value})
}

// Note appends text verbatim as an episode.
func (f *Facade) Note(ctx context.Context, owner, text string) result.Result[Reply] {
	if strings.TrimSpace(text) == "" {
		return result.Fail[Reply](result.InvalidCommand, "note must not be empty")
	}
	if err := f.episodes.AppendEpisode(ctx, owner, text, f.now()); err != nil {
		f.logger.Error("remember note failed", "owner", owner, "error", err)
		return result.Fail[Reply](result.InternalError, "store note: %w", err)
	}
	f.logger.Debug("note remembered", "owner", owner, "len", len(text))
	return result.Ok(Reply{Message: "Noted!"})
}

func (f *Facade) forget(ctx context.Context, owner, payload string) result.Result[Reply] {
	key := strings.TrimSpace(payload)
	if key == "" {
		return result.Fail[Reply](result.InvalidCommand, "Usage: /forget key")
	}
	deleted, err := f.kv.DeleteKV(ctx, owner, key)
	if err != nil {
		f.logger.Error("forget failed", "owner", owner, "key", key, "error", err)
		return result.Fail[Reply](result.InternalError, "delete fact: %w", err)
	}
	if !deleted {
		return result.Fail[Reply](result.NotFound, "Nothing remembered under %q", key)
	}
	f.logger.Debug("fact forgotten", "owner", owner, "key", key)
	return result.Ok(Reply{Message: "Forgot " + key})
}

func (f *Facade) list(ctx context.Context, owner string) result.Result[Reply] {
	r := f.ListKV(ctx, owner)
	if !r.Ok() {
		return result.FromError[Reply](r.Err())
	}
	items := r.Value()
	if len(items) == 0 {
		return result.Ok(Reply{Message: "No memory items stored."})
	}
	pairs := make([]string, len(items))
	for i, it := range items {
		pairs[i] = it.Key + "=" + it.Value
	}
	return result.Ok(Reply{Message: "Memory items: " + strings.Join(pairs, ", ")})
}

// ListKV returns owner's facts, most recently updated first.
func (f *Facade) ListKV(ctx context.Context, owner string) result.Result[[]KVItem] {
	items, err := f.kv.ListKV(ctx, owner)
	if err != nil {
		return result.Fail[[]KVItem](result.InternalError, "list facts: %w", err)
	}
	return result.Ok(items)
}

// RecentEpisodes returns at most limit notes, newest first. A limit of
// zero or less means DefaultEpisodeLimit.
func (f *Facade) RecentEpisodes(ctx context.Context, owner string, limit int) result.Result[[]Episode] {
	if limit <= 0 {
		limit = DefaultEpisodeLimit
	}
	eps, err := f.episodes.RecentEpisodes(ctx, owner, limit)
	if err != nil {
		return result.Fail[[]Episode](result.InternalError, "recent notes: %w", err)
	}
	if eps == nil {
		eps = []Episode{}
	}
	return result.Ok(eps)
}

// Forget removes a fact directly.
func (f *Facade) Forget(ctx context.Context, owner, key string) result.Result[Reply] {
	return f.forget(ctx, owner, key)
}
