package prompts

import (
	"fmt"
	"strings"
	"time"
)

// Time layouts used in the system prompt preamble.
const (
	clockLayout = "03:04 PM"
	dateLayout  = "January 2, 2006"
)

const systemTemplate = `/nothink

The current time is: %s of %s.

You are a helpful assistant. [Memory]
You know these persistent facts about the user:
%s

Only use this information when asked, or relevant. DO NOT restate!`

// Fact is one remembered key/value pair rendered into the prompt.
type Fact struct {
	Key   string
	Value string
}

// SystemPrompt returns the system message prepended to every chat
// completion. Facts are rendered as "- key: value" bullets followed by
// the recent notes, if any, under a "Recent notes:" heading. An empty
// memory leaves the section blank.
func SystemPrompt(now time.Time, facts []Fact, notes []string) string {
	var lines []string
	for _, f := range facts {
		lines = append(lines, fmt.Sprintf("- %s: %s", f.Key, f.Value))
	}
	if len(notes) > 0 {
		lines = append(lines, "Recent notes:")
		for _, n := range notes {
			lines = append(lines, "- "+n)
		}
	}

	return fmt.Sprintf(systemTemplate,
		now.Format(clockLayout),
		now.Format(dateLayout),
		strings.Join(lines, "\n"))
}
