package conversation

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/chatrelay/internal/memory"
	"github.com/nugget/chatrelay/internal/prompts"
	"github.com/nugget/chatrelay/internal/result"
)

// Limits on how much memory is rendered into the system prompt.
const (
	MaxPromptFacts = 12
	MaxPromptNotes = memory.DefaultEpisodeLimit
)

// MemoryReader is the read side of the memory facade.
type MemoryReader interface {
	ListKV(ctx context.Context, owner string) result.Result[[]memory.KVItem]
	RecentEpisodes(ctx context.Context, owner string, limit int) result.Result[[]memory.Episode]
}

// Builder assembles the system prompt from an owner's memory.
type Builder struct {
	mem    MemoryReader
	logger *slog.Logger
	now    func() time.Time
}

// NewBuilder creates a prompt builder reading from mem.
func NewBuilder(mem MemoryReader, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{mem: mem, logger: logger, now: time.Now}
}

// SetClock replaces the time source rendered into the prompt.
func (b *Builder) SetClock(now func() time.Time) {
	b.now = now
}

// BuildSystemPrompt renders the system prompt for owner. A memory read
// that fails is logged and left out; the prompt is always produced.
func (b *Builder) BuildSystemPrompt(ctx context.Context, owner string) string {
	var facts []prompts.Fact
	if kv := b.mem.ListKV(ctx, owner); kv.Ok() {
		items := kv.Value()
		if len(items) > MaxPromptFacts {
			items = items[:MaxPromptFacts]
		}
		for _, it := range items {
			facts = append(facts, prompts.Fact{Key: it.Key, Value: it.Value})
		}
	} else {
		b.logger.Warn("memory facts unavailable for prompt", "owner", owner, "error", kv.Err())
	}

	var notes []string
	if eps := b.mem.RecentEpisodes(ctx, owner, MaxPromptNotes); eps.Ok() {
		for _, ep := range eps.Value() {
			notes = append(notes, ep.Text)
		}
	} else {
		b.logger.Warn("memory notes unavailable for prompt", "owner", owner, "error", eps.Err())
	}

	return prompts.SystemPrompt(b.now(), facts, notes)
}
