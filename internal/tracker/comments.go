package tracker

import (
	"fmt"
	"strings"
)

// Well-known comment headers. Downstream automation greps for these exact
// strings, and every task state transition posts exactly one comment
// carrying one of them.
const (
	HeaderPlan       = "## 📋 Execution Plan"
	HeaderCompletion = "## ✅ タスク完了"
	HeaderFailure    = "## ❌ タスク失敗"
	HeaderPause      = "## ⏸️ タスク一時停止"
	HeaderStop       = "## ⛔ タスク停止"
	HeaderThinking   = "## 💭 Thinking"
)

const (
	maxErrorChars   = 500
	maxThoughtChars = 8000
)

// PlanItem is one checklist line of the plan comment.
type PlanItem struct {
	Description string
	Done        bool
}

// PlanComment renders the execution plan as a Markdown checklist. The
// coordinator posts it once and re-renders the same comment as items
// complete.
func PlanComment(goal string, items []PlanItem) string {
	var b strings.Builder
	b.WriteString(HeaderPlan)
	b.WriteString("\n\n")
	if goal = strings.TrimSpace(goal); goal != "" {
		b.WriteString(goal)
		b.WriteString("\n\n")
	}
	for i, item := range items {
		mark := " "
		if item.Done {
			mark = "x"
		}
		fmt.Fprintf(&b, "- [%s] %d. %s\n", mark, i+1, strings.TrimSpace(item.Description))
	}
	return b.String()
}

// CompletionComment wraps the final task summary.
func CompletionComment(summary string) string {
	return HeaderCompletion + "\n\n" + strings.TrimSpace(summary) + "\n"
}

// FailureComment wraps an error in operator-readable context. The raw error
// text is included as a detail line, never as the whole body.
func FailureComment(stage string, err error) string {
	var b strings.Builder
	b.WriteString(HeaderFailure)
	b.WriteString("\n\nタスクの処理中にエラーが発生しました。\n\n")
	if stage != "" {
		fmt.Fprintf(&b, "- 工程: %s\n", stage)
	}
	detail := "unknown error"
	if err != nil {
		detail = truncateChars(err.Error(), maxErrorChars)
	}
	fmt.Fprintf(&b, "- 内容: %s\n", detail)
	b.WriteString("\nリクエストラベルを付け直すと再実行します。\n")
	return b.String()
}

// PauseComment announces a pause triggered by the operator signal file.
func PauseComment(detail string) string {
	var b strings.Builder
	b.WriteString(HeaderPause)
	b.WriteString("\n\n一時停止シグナルを検出したため、タスクの状態を保存して停止しました。\n")
	if detail = strings.TrimSpace(detail); detail != "" {
		b.WriteString("\n")
		b.WriteString(detail)
		b.WriteString("\n")
	}
	b.WriteString("\nシグナルファイルを削除すると、次回の起動時に再開されます。\n")
	return b.String()
}

// StopComment announces a stop triggered by assignee removal.
func StopComment(detail string) string {
	var b strings.Builder
	b.WriteString(HeaderStop)
	b.WriteString("\n\n担当者から除外されたため、タスクを停止しました。\n")
	if detail = strings.TrimSpace(detail); detail != "" {
		b.WriteString("\n")
		b.WriteString(detail)
		b.WriteString("\n")
	}
	b.WriteString("\n再開するには、担当者に追加し直してリクエストラベルを付けてください。\n")
	return b.String()
}

// ThinkingComment posts model thought content. Long thoughts are truncated;
// they are informational and never parsed back.
func ThinkingComment(thought string) string {
	return HeaderThinking + "\n\n" + truncateChars(strings.TrimSpace(thought), maxThoughtChars) + "\n"
}

func truncateChars(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
