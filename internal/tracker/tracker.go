// Package tracker gives the rest of the system typed verbs over the
// GitHub/GitLab MCP servers: find labeled work, read issues and comments,
// post status comments, and move lifecycle labels.
package tracker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/notfolder/coding-agent/internal/config"
	"github.com/notfolder/coding-agent/internal/logging"
	"github.com/notfolder/coding-agent/internal/mcp"
	"github.com/notfolder/coding-agent/internal/taskkey"
)

// Issue is the tracker-neutral projection of an issue, pull request, or
// merge request.
type Issue struct {
	Number       int
	Title        string
	Body         string
	State        string
	Labels       []string
	Assignees    []string
	Author       string
	SourceBranch string // pull/merge requests only
	WebURL       string
}

// HasLabel reports whether the issue carries the named label.
func (i *Issue) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// HasAssignee reports whether the named user is assigned.
func (i *Issue) HasAssignee(user string) bool {
	for _, a := range i.Assignees {
		if a == user {
			return true
		}
	}
	return false
}

// Comment is one note on an issue or merge request.
type Comment struct {
	ID        int64
	Author    string
	Body      string
	CreatedAt string
}

// TreeEntry is one item of a repository directory listing.
type TreeEntry struct {
	Name string
	Path string
	Type string // "file" or "dir"
}

const (
	TreeFile = "file"
	TreeDir  = "dir"
)

// ToolCaller is the slice of the MCP client the trackers dispatch through.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, arguments map[string]any) mcp.Result
}

// Tracker is the facade over one issue-tracker MCP server.
type Tracker interface {
	// Source is "github" or "gitlab".
	Source() string
	// BotName is the account whose assignment keeps a task alive.
	BotName() string
	// SearchWork finds open issues and PRs/MRs carrying the label.
	SearchWork(ctx context.Context, label string) ([]taskkey.Key, error)
	// GetIssue loads the work item behind a key, including the source
	// branch for pull/merge requests.
	GetIssue(ctx context.Context, key taskkey.Key) (*Issue, error)
	// GetComments returns the discussion in chronological order.
	GetComments(ctx context.Context, key taskkey.Key) ([]Comment, error)
	// CreateComment posts a comment and returns its id, 0 when the server
	// response carries none.
	CreateComment(ctx context.Context, key taskkey.Key, body string) (int64, error)
	// UpdateComment edits a comment in place; implementations fall back to
	// re-posting when the server cannot edit.
	UpdateComment(ctx context.Context, key taskkey.Key, commentID int64, body string) error
	// SwapLabels removes one lifecycle label and adds another in a single
	// update. Empty strings skip the respective half.
	SwapLabels(ctx context.Context, key taskkey.Key, remove, add string) error
	// GetAssignees returns the current assignee user names.
	GetAssignees(ctx context.Context, key taskkey.Key) ([]string, error)
	// GetFileContents reads a file from the repository behind the key.
	GetFileContents(ctx context.Context, key taskkey.Key, path string) (string, error)
	// GetRepositoryTree lists a directory of the repository behind the key.
	GetRepositoryTree(ctx context.Context, key taskkey.Key, path string) ([]TreeEntry, error)
}

// New builds the tracker for a source from its config and a started MCP
// client.
func New(source string, caller ToolCaller, cfg config.TrackerConfig, logger logging.Logger) (Tracker, error) {
	switch source {
	case "github":
		return newGitHub(caller, cfg, logger), nil
	case "gitlab":
		return newGitLab(caller, cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown task source: %q", source)
	}
}

// decode parses the JSON text an MCP tool returned into out.
func decode(res mcp.Result, what string, out any) error {
	if !res.Success {
		return fmt.Errorf("%s: %s", what, res.Error)
	}
	text := strings.TrimSpace(res.Content)
	if text == "" {
		return fmt.Errorf("%s: empty response", what)
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("%s: parse response: %w", what, err)
	}
	return nil
}

// check surfaces a failed call for verbs whose response body is irrelevant.
func check(res mcp.Result, what string) error {
	if !res.Success {
		return fmt.Errorf("%s: %s", what, res.Error)
	}
	return nil
}

// decodeFileContent extracts file text from a get_file_contents response.
// Servers differ: some return the raw file text, others the REST object
// with base64 content.
func decodeFileContent(res mcp.Result, what string) (string, error) {
	if !res.Success {
		return "", fmt.Errorf("%s: %s", what, res.Error)
	}
	var obj struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	text := strings.TrimSpace(res.Content)
	if json.Unmarshal([]byte(text), &obj) == nil && obj.Content != "" {
		if strings.EqualFold(obj.Encoding, "base64") {
			raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(obj.Content, "\n", ""))
			if err != nil {
				return "", fmt.Errorf("%s: decode base64 content: %w", what, err)
			}
			return string(raw), nil
		}
		return obj.Content, nil
	}
	return res.Content, nil
}

// swapLabelSet applies remove/add to an existing label list, preserving
// order and dropping duplicates.
func swapLabelSet(labels []string, remove, add string) []string {
	out := make([]string, 0, len(labels)+1)
	for _, l := range labels {
		if l == remove || l == add {
			continue
		}
		out = append(out, l)
	}
	if add != "" {
		out = append(out, add)
	}
	return out
}
