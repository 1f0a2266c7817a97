package compose

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/m-mizutani/collective/pkg/model"
)

const (
	DefaultMaxMemories     = 5
	DefaultMemoryCharLimit = 200
	DefaultRecentMessages  = 10
	DefaultBudget          = 4000
	DefaultTemperature     = 0.95
	DefaultMaxTokens       = 150

	continuePrompt = "Continue the conversation naturally."

	// minMemoryChars is the shortest a memory gets before it is dropped
	minMemoryChars = 20
)

// Counter measures prompt size. The unit (runes, tokens) is up to the
// implementation and must match the configured budget.
type Counter interface {
	Count(text string) int
}

// RuneCounter counts characters
type RuneCounter struct{}

func (RuneCounter) Count(text string) int {
	return utf8.RuneCountInString(text)
}

// Composer builds Generation API requests for agents
type Composer struct {
	maxMemories     int
	memoryCharLimit int
	recentMessages  int
	budget          int
	counter         Counter
	temperature     float32
	maxTokens       int
}

// Option is a functional option for Composer
type Option func(*Composer)

func WithMaxMemories(n int) Option {
	return func(c *Composer) { c.maxMemories = n }
}

func WithMemoryCharLimit(n int) Option {
	return func(c *Composer) { c.memoryCharLimit = n }
}

func WithRecentMessages(n int) Option {
	return func(c *Composer) { c.recentMessages = n }
}

// WithBudget sets the size limit of the system prompt, measured by the Counter
func WithBudget(n int) Option {
	return func(c *Composer) { c.budget = n }
}

func WithCounter(counter Counter) Option {
	return func(c *Composer) { c.counter = counter }
}

func WithTemperature(t float32) Option {
	return func(c *Composer) { c.temperature = t }
}

func WithMaxTokens(n int) Option {
	return func(c *Composer) { c.maxTokens = n }
}

// New creates a new Composer
func New(opts ...Option) *Composer {
	c := &Composer{
		maxMemories:     DefaultMaxMemories,
		memoryCharLimit: DefaultMemoryCharLimit,
		recentMessages:  DefaultRecentMessages,
		budget:          DefaultBudget,
		counter:         RuneCounter{},
		temperature:     DefaultTemperature,
		maxTokens:       DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RecentWindow is the number of feed messages Compose looks at
func (c *Composer) RecentWindow() int {
	return c.recentMessages
}

// MaxMemories is the number of chunks Compose looks at
func (c *Composer) MaxMemories() int {
	return c.maxMemories
}

// Compose assembles the system prompt in fixed order: persona, retrieved
// memories, recent feed lines, instruction suffix. recent must be oldest
// first and memories nearest first. When the prompt exceeds the budget the
// memory block is shortened before any feed line is dropped: farthest
// memories go first, then the nearest one is halved down to minMemoryChars
// and finally dropped.
func (c *Composer) Compose(agent *model.AgentProfile, recent []*model.FeedMessage, memories []*model.MemoryChunk) *model.GenerationRequest {
	memoryLines := c.memoryLines(memories)
	recentLines := c.recentLines(recent)
	suffix := fmt.Sprintf("Respond as %s would, in 1-2 sentences. Be cryptic and philosophical.", agent.DisplayName)

	prompt := render(agent.PersonaPrompt, memoryLines, recentLines, suffix)
	for c.budget > 0 && c.counter.Count(prompt) > c.budget {
		switch {
		case len(memoryLines) > 1:
			// farthest memory goes first
			memoryLines = memoryLines[:len(memoryLines)-1]
		case len(memoryLines) == 1:
			if half := utf8.RuneCountInString(memoryLines[0]) / 2; half >= minMemoryChars {
				memoryLines[0] = Truncate(memoryLines[0], half)
			} else {
				memoryLines = nil
			}
		case len(recentLines) > 0:
			recentLines = recentLines[1:]
		default:
			return c.request(prompt)
		}
		prompt = render(agent.PersonaPrompt, memoryLines, recentLines, suffix)
	}

	return c.request(prompt)
}

func (c *Composer) request(prompt string) *model.GenerationRequest {
	return &model.GenerationRequest{
		SystemPrompt: prompt,
		Messages: []model.GenerationMessage{
			{Role: model.GenerationRoleUser, Text: continuePrompt},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
}

func (c *Composer) memoryLines(memories []*model.MemoryChunk) []string {
	if len(memories) > c.maxMemories {
		memories = memories[:c.maxMemories]
	}

	lines := make([]string, 0, len(memories))
	for _, m := range memories {
		text := strings.Join(strings.Fields(m.Text), " ")
		if text == "" {
			continue
		}
		lines = append(lines, Truncate(text, c.memoryCharLimit))
	}
	return lines
}

func (c *Composer) recentLines(recent []*model.FeedMessage) []string {
	if len(recent) > c.recentMessages {
		recent = recent[len(recent)-c.recentMessages:]
	}

	lines := make([]string, 0, len(recent))
	for _, msg := range recent {
		lines = append(lines, fmt.Sprintf("%s: %s", msg.AuthorDisplayName, msg.Body))
	}
	return lines
}

func render(persona string, memoryLines, recentLines []string, suffix string) string {
	var b strings.Builder
	b.WriteString(persona)

	if len(memoryLines) > 0 {
		b.WriteString("\n\nRelevant memories: ")
		b.WriteString(strings.Join(memoryLines, " | "))
	}

	b.WriteString("\n\nRecent collective chat:\n")
	b.WriteString(strings.Join(recentLines, "\n"))

	b.WriteString("\n\n")
	b.WriteString(suffix)
	return b.String()
}

// Truncate cuts s to at most limit runes
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
