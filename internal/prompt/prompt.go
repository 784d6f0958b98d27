// Package prompt assembles the affect-conditioned system prompt for a turn.
package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/companion/internal/memory"
	"github.com/nidhogg/companion/internal/provider"
	"github.com/nidhogg/companion/internal/sentiment"
)

// Mood is the framing used for one affect label.
type Mood struct {
	RoleSet    string
	VoiceStyle string
}

// DefaultMoods maps every sentiment label to its framing.
var DefaultMoods = map[sentiment.Label]Mood{
	sentiment.LabelDefault: {
		RoleSet:    "Answer in your usual calm and helpful manner.",
		VoiceStyle: "neutral",
	},
	sentiment.LabelPositive: {
		RoleSet:    "The user is in a good mood. Match their warmth and keep the momentum going.",
		VoiceStyle: "warm",
	},
	sentiment.LabelNegative: {
		RoleSet:    "The user is unhappy. Acknowledge it briefly, then focus on what would help.",
		VoiceStyle: "steady",
	},
	sentiment.LabelUpbeat: {
		RoleSet:    "The user is excited. Reply with energy and enthusiasm, and keep it lively.",
		VoiceStyle: "energetic",
	},
	sentiment.LabelAngry: {
		RoleSet:    "The user is angry. Stay calm, do not argue, apologise where appropriate and de-escalate.",
		VoiceStyle: "soothing",
	},
	sentiment.LabelDepressed: {
		RoleSet:    "The user feels low. Be gentle and encouraging, and keep replies short and kind.",
		VoiceStyle: "gentle",
	},
	sentiment.LabelFriendly: {
		RoleSet:    "The user is friendly. Be personable and relaxed.",
		VoiceStyle: "friendly",
	},
	sentiment.LabelCheerful: {
		RoleSet:    "The user is cheerful. Be light-hearted; a little humour is welcome.",
		VoiceStyle: "playful",
	},
}

// Template is the prompt for a single turn. It is rebuilt every turn.
type Template struct {
	Persona   string
	MemoryKey string
	Affect    sentiment.Affect
	Mood      Mood
	Tools     []string
}

// Assembler builds Templates. It holds only read-only configuration.
type Assembler struct {
	persona string
	moods   map[sentiment.Label]Mood
	tools   []string
}

// NewAssembler creates an assembler. toolNames are listed in the
// tool-invocation scaffold; a nil moods uses DefaultMoods.
func NewAssembler(persona string, moods map[sentiment.Label]Mood, toolNames []string) *Assembler {
	if moods == nil {
		moods = DefaultMoods
	}
	if strings.TrimSpace(persona) == "" {
		persona = DefaultPersona
	}
	return &Assembler{
		persona: persona,
		moods:   moods,
		tools:   append([]string(nil), toolNames...),
	}
}

// DefaultPersona is used when no persona is configured.
const DefaultPersona = `You are a personal assistant. You help the user look things up, keep track of their schedule and todos, and talk things through.
Never claim to be a language model. Keep answers concise.`

// Build returns the template for memoryKey and affect. Unknown labels get
// the neutral framing.
func (a *Assembler) Build(memoryKey string, affect sentiment.Affect) Template {
	mood, ok := a.moods[affect.Label]
	if !ok {
		mood = a.moods[sentiment.LabelDefault]
		if mood.RoleSet == "" {
			mood = DefaultMoods[sentiment.LabelDefault]
		}
	}
	return Template{
		Persona:   a.persona,
		MemoryKey: memoryKey,
		Affect:    affect,
		Mood:      mood,
		Tools:     a.tools,
	}
}

// System renders the system message: persona, affect framing, then the
// tool scaffold. The affect framing always precedes the scaffold.
func (t Template) System(now time.Time) string {
	var b strings.Builder
	b.WriteString(t.Persona)
	b.WriteString("\n\n## Situation\n")
	fmt.Fprintf(&b, "Current time: %s.\n", now.Format("2006-01-02 15:04 Monday"))
	fmt.Fprintf(&b, "The user's mood is %s (intensity %d/10). %s\n", t.Affect.Label, t.Affect.Score, t.Mood.RoleSet)
	fmt.Fprintf(&b, "Voice: %s.\n", t.Mood.VoiceStyle)
	if t.MemoryKey != "" {
		fmt.Fprintf(&b, "\nMessages before the user's latest one are the earlier conversation (%s).\n", t.MemoryKey)
	}
	b.WriteString("\n## Tools\n")
	if len(t.Tools) == 0 {
		b.WriteString("No tools are available; answer from what you know.\n")
		return b.String()
	}
	fmt.Fprintf(&b, "You may call these tools when they help: %s.\n", strings.Join(t.Tools, ", "))
	b.WriteString("Call a tool only when you need information or an action you cannot provide yourself. The user's mood is context, never a tool argument.\n")
	b.WriteString("If a tool reports an error, explain the problem or try another approach instead of repeating the same call.\n")
	return b.String()
}

// Messages renders the full request: system, recalled history, then input.
func (t Template) Messages(now time.Time, history memory.History, input string) []provider.Message {
	msgs := make([]provider.Message, 0, history.Len()+2)
	msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: t.System(now)})
	for turn := range history.All() {
		role := provider.RoleUser
		if turn.Role == memory.RoleAgent {
			role = provider.RoleAssistant
		}
		msgs = append(msgs, provider.Message{Role: role, Content: turn.Text})
	}
	msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: input})
	return msgs
}
