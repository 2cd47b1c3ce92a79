// Package compress keeps the live context window inside the model's budget
// by summarizing older turns, and seeds new runs with the final summary of a
// prior run on the same task.
package compress

import (
	"context"
	"fmt"
	"strings"

	"github.com/notfolder/coding-agent/internal/contextstore"
	"github.com/notfolder/coding-agent/internal/llm"
	"github.com/notfolder/coding-agent/internal/logging"
	"github.com/notfolder/coding-agent/internal/token"
)

const (
	// DefaultThreshold triggers compression once the window exceeds this
	// fraction of the context length.
	DefaultThreshold = 0.7
	// DefaultKeepRecent is how many recent window records survive a
	// compression verbatim.
	DefaultKeepRecent = 5
)

const summaryPrompt = `Summarize the following conversation between a user, an assistant, and tool outputs. Preserve every decision made, file touched, command run, and error encountered. Be concise but keep all facts needed to continue the work.

Conversation:
{messages}

Reply with the summary text only.`

const finalSummaryPrompt = `Write a final summary of the completed task below. State what was requested, what was done, which files were changed, and any follow-ups left open. A future run on the same task will see only this summary.

Conversation:
{messages}

Reply with the summary text only.`

// ChatClient is the narrow slice of the LLM client the compressor needs.
type ChatClient interface {
	Chat(ctx context.Context, messages []llm.ChatMessage, fns []llm.FunctionDef) (*llm.Completion, error)
}

// Compressor watches one run's message store and folds old window records
// into summary messages.
type Compressor struct {
	store     *contextstore.MessageStore
	summaries *contextstore.SummaryStore
	client    ChatClient

	contextLength int
	threshold     float64
	keepRecent    int
	logger        logging.Logger
}

// Options tunes a Compressor. Zero values fall back to defaults.
type Options struct {
	ContextLength int
	Threshold     float64
	KeepRecent    int
	Logger        logging.Logger
}

// New wires a compressor over a run's stores.
func New(store *contextstore.MessageStore, summaries *contextstore.SummaryStore, client ChatClient, o Options) *Compressor {
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.KeepRecent <= 0 {
		o.KeepRecent = DefaultKeepRecent
	}
	return &Compressor{
		store:         store,
		summaries:     summaries,
		client:        client,
		contextLength: o.ContextLength,
		threshold:     o.Threshold,
		keepRecent:    o.KeepRecent,
		logger:        logging.OrNop(o.Logger),
	}
}

// ShouldCompress reports whether the live window has outgrown the budget.
// Callers check this after every append.
func (c *Compressor) ShouldCompress() bool {
	if c.contextLength <= 0 {
		return false
	}
	return float64(c.store.CurrentTokenCount()) > float64(c.contextLength)*c.threshold
}

// Compress folds all but the last keepRecent window records into one summary
// message. A failed or empty model reply degrades to a diagnostic summary;
// the run continues either way. Returns false when there is nothing to fold.
func (c *Compressor) Compress(ctx context.Context) (bool, error) {
	window := c.store.CurrentMessages()
	if len(window) <= c.keepRecent {
		return false, nil
	}
	head := window[:len(window)-c.keepRecent]
	tail := window[len(window)-c.keepRecent:]

	// Seq band covered by the head. Recent appends map 1:1 onto the tail,
	// so the head ends keepRecent messages before the newest seq.
	startSeq := 1
	if latest, ok, err := c.summaries.Latest(); err != nil {
		return false, err
	} else if ok {
		startSeq = latest.EndSeq + 1
	}
	endSeq := c.store.LastSeq() - c.keepRecent

	summary := c.summarize(ctx, summaryPrompt, head)
	originalTokens := windowTokens(head)

	if _, err := c.summaries.Append(contextstore.Summary{
		StartSeq:       startSeq,
		EndSeq:         endSeq,
		Summary:        summary,
		OriginalTokens: originalTokens,
		SummaryTokens:  token.EstimateMessage(summary),
	}); err != nil {
		return false, fmt.Errorf("append summary record: %w", err)
	}

	// The synthetic message joins the audit log with its own seq, then the
	// window is rewritten as summary + preserved tail.
	if _, err := c.store.Append(contextstore.RoleAssistant, summary, ""); err != nil {
		return false, fmt.Errorf("append synthetic summary: %w", err)
	}
	replacement := make([]contextstore.CurrentMessage, 0, 1+len(tail))
	replacement = append(replacement, contextstore.CurrentMessage{Role: contextstore.RoleAssistant, Content: summary})
	replacement = append(replacement, tail...)
	if err := c.store.ReplaceCurrent(replacement); err != nil {
		return false, fmt.Errorf("rewrite window: %w", err)
	}

	c.logger.Info("compressed context: seq [%d,%d], %d -> %d tokens",
		startSeq, endSeq, originalTokens, token.EstimateMessage(summary))
	return true, nil
}

// FinalSummary summarizes the whole run for inheritance by later runs. It is
// recorded in summaries.jsonl only; the live window is untouched.
func (c *Compressor) FinalSummary(ctx context.Context) (contextstore.Summary, error) {
	all, err := c.store.All()
	if err != nil {
		return contextstore.Summary{}, err
	}
	if len(all) == 0 {
		return contextstore.Summary{}, nil
	}

	window := make([]contextstore.CurrentMessage, 0, len(all))
	for _, m := range all {
		window = append(window, contextstore.CurrentMessage{Role: m.Role, Content: m.Content, ToolName: m.ToolName})
	}
	summary := c.summarize(ctx, finalSummaryPrompt, window)

	return c.summaries.Append(contextstore.Summary{
		StartSeq:       1,
		EndSeq:         c.store.LastSeq(),
		Summary:        summary,
		OriginalTokens: windowTokens(window),
		SummaryTokens:  token.EstimateMessage(summary),
	})
}

func (c *Compressor) summarize(ctx context.Context, template string, msgs []contextstore.CurrentMessage) string {
	prompt := strings.ReplaceAll(template, "{messages}", renderMessages(msgs))
	comp, err := c.client.Chat(ctx, []llm.ChatMessage{{Role: "user", Content: prompt}}, nil)
	if err != nil {
		c.logger.Warn("summary generation failed: %v", err)
		return "[summary failure: " + err.Error() + "]"
	}
	text, _ := llm.StripThink(comp.Content)
	text = strings.TrimSpace(text)
	if text == "" {
		c.logger.Warn("summary generation returned empty content")
		return "[summary failure: empty response]"
	}
	return text
}

// renderMessages concatenates records as "role: content" lines, the shape
// the summary prompts expect.
func renderMessages(msgs []contextstore.CurrentMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		role := m.Role
		if m.ToolName != "" {
			role = m.Role + "(" + m.ToolName + ")"
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func windowTokens(msgs []contextstore.CurrentMessage) int {
	total := 0
	for _, m := range msgs {
		total += token.EstimateMessage(m.Content)
	}
	return total
}
