package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/notfolder/coding-agent/internal/config"
	"github.com/notfolder/coding-agent/internal/logging"
	"github.com/notfolder/coding-agent/internal/taskkey"
)

// gitLab drives the GitLab MCP server. Issues and merge requests have
// separate tool families; create_note spans both through noteable_type.
type gitLab struct {
	caller ToolCaller
	cfg    config.TrackerConfig
	logger logging.Logger
}

func newGitLab(caller ToolCaller, cfg config.TrackerConfig, logger logging.Logger) *gitLab {
	return &gitLab{caller: caller, cfg: cfg, logger: logging.OrNop(logger)}
}

func (g *gitLab) Source() string  { return "gitlab" }
func (g *gitLab) BotName() string { return g.cfg.BotName }

// glIssue covers both issues and merge requests; source_branch is only set
// on the latter.
type glIssue struct {
	IID         int      `json:"iid"`
	ProjectID   int      `json:"project_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	State       string   `json:"state"`
	Labels      []string `json:"labels"`
	Author      struct {
		Username string `json:"username"`
	} `json:"author"`
	Assignees []struct {
		Username string `json:"username"`
	} `json:"assignees"`
	SourceBranch string `json:"source_branch"`
	WebURL       string `json:"web_url"`
}

func (r *glIssue) assigneeNames() []string {
	names := make([]string, 0, len(r.Assignees))
	for _, a := range r.Assignees {
		names = append(names, a.Username)
	}
	return names
}

// SearchWork lists labeled open issues and merge requests across the
// configured projects, or instance-wide when none are configured. A failing
// project does not hide work in the others.
func (g *gitLab) SearchWork(ctx context.Context, label string) ([]taskkey.Key, error) {
	var keys []taskkey.Key
	var firstErr error
	collect := func(tool string, projectID int, mr bool) {
		args := map[string]any{"labels": []string{label}, "state": "opened"}
		if projectID > 0 {
			args["project_id"] = projectID
		} else {
			args["scope"] = "all"
		}
		res := g.caller.CallTool(ctx, tool, args)
		var items []glIssue
		if err := decode(res, tool, &items); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			g.logger.Warn("gitlab work discovery: %v", err)
			return
		}
		for _, it := range items {
			if mr {
				keys = append(keys, taskkey.NewGitLabMergeRequest(it.ProjectID, it.IID))
			} else {
				keys = append(keys, taskkey.NewGitLabIssue(it.ProjectID, it.IID))
			}
		}
	}
	projects := g.cfg.Projects
	if len(projects) == 0 {
		projects = []int{0}
	}
	for _, id := range projects {
		collect("list_issues", id, false)
		collect("list_merge_requests", id, true)
	}
	if len(keys) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return keys, nil
}

func (g *gitLab) fetch(ctx context.Context, key taskkey.Key) (*glIssue, error) {
	tool := "get_issue"
	args := map[string]any{"project_id": key.ProjectID, "issue_iid": key.IID}
	if key.IsPullRequest() {
		tool = "get_merge_request"
		args = map[string]any{"project_id": key.ProjectID, "merge_request_iid": key.IID}
	}
	res := g.caller.CallTool(ctx, tool, args)
	var raw glIssue
	if err := decode(res, fmt.Sprintf("%s %s", tool, key), &raw); err != nil {
		return nil, err
	}
	return &raw, nil
}

func (g *gitLab) GetIssue(ctx context.Context, key taskkey.Key) (*Issue, error) {
	raw, err := g.fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	return &Issue{
		Number:       raw.IID,
		Title:        raw.Title,
		Body:         raw.Description,
		State:        raw.State,
		Labels:       raw.Labels,
		Assignees:    raw.assigneeNames(),
		Author:       raw.Author.Username,
		SourceBranch: raw.SourceBranch,
		WebURL:       raw.WebURL,
	}, nil
}

func (g *gitLab) GetComments(ctx context.Context, key taskkey.Key) ([]Comment, error) {
	tool := "list_issue_discussions"
	args := map[string]any{"project_id": key.ProjectID, "issue_iid": key.IID}
	if key.IsPullRequest() {
		tool = "mr_discussions"
		args = map[string]any{"project_id": key.ProjectID, "merge_request_iid": key.IID}
	}
	res := g.caller.CallTool(ctx, tool, args)
	var discussions []struct {
		Notes []struct {
			ID     int64  `json:"id"`
			Body   string `json:"body"`
			System bool   `json:"system"`
			Author struct {
				Username string `json:"username"`
			} `json:"author"`
			CreatedAt string `json:"created_at"`
		} `json:"notes"`
	}
	if err := decode(res, fmt.Sprintf("%s %s", tool, key), &discussions); err != nil {
		return nil, err
	}
	var comments []Comment
	for _, d := range discussions {
		for _, n := range d.Notes {
			if n.System {
				continue
			}
			comments = append(comments, Comment{ID: n.ID, Author: n.Author.Username, Body: n.Body, CreatedAt: n.CreatedAt})
		}
	}
	return comments, nil
}

func (g *gitLab) noteArgs(key taskkey.Key) map[string]any {
	noteable := "issue"
	if key.IsPullRequest() {
		noteable = "merge_request"
	}
	return map[string]any{
		"project_id":    key.ProjectID,
		"noteable_type": noteable,
		"noteable_iid":  key.IID,
	}
}

func (g *gitLab) CreateComment(ctx context.Context, key taskkey.Key, body string) (int64, error) {
	args := g.noteArgs(key)
	args["body"] = body
	res := g.caller.CallTool(ctx, "create_note", args)
	if !res.Success {
		return 0, fmt.Errorf("create_note %s: %s", key, res.Error)
	}
	var created struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Content)), &created); err != nil {
		return 0, nil
	}
	return created.ID, nil
}

// UpdateComment edits a note in place when the server supports update_note,
// otherwise posts the new body as a fresh note.
func (g *gitLab) UpdateComment(ctx context.Context, key taskkey.Key, commentID int64, body string) error {
	if commentID != 0 {
		args := g.noteArgs(key)
		args["note_id"] = commentID
		args["body"] = body
		res := g.caller.CallTool(ctx, "update_note", args)
		if res.Success {
			return nil
		}
		g.logger.Warn("update_note %d on %s failed (%s), re-posting", commentID, key, res.Error)
	}
	_, err := g.CreateComment(ctx, key, body)
	return err
}

func (g *gitLab) SwapLabels(ctx context.Context, key taskkey.Key, remove, add string) error {
	raw, err := g.fetch(ctx, key)
	if err != nil {
		return err
	}
	labels := swapLabelSet(raw.Labels, remove, add)
	tool := "update_issue"
	args := map[string]any{"project_id": key.ProjectID, "issue_iid": key.IID, "labels": labels}
	if key.IsPullRequest() {
		tool = "update_merge_request"
		args = map[string]any{"project_id": key.ProjectID, "merge_request_iid": key.IID, "labels": labels}
	}
	res := g.caller.CallTool(ctx, tool, args)
	return check(res, fmt.Sprintf("%s labels on %s", tool, key))
}

func (g *gitLab) GetAssignees(ctx context.Context, key taskkey.Key) ([]string, error) {
	raw, err := g.fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	return raw.assigneeNames(), nil
}

func (g *gitLab) GetFileContents(ctx context.Context, key taskkey.Key, path string) (string, error) {
	res := g.caller.CallTool(ctx, "get_file_contents", map[string]any{
		"project_id": key.ProjectID,
		"file_path":  path,
	})
	return decodeFileContent(res, fmt.Sprintf("get_file_contents %s:%s", key, path))
}

func (g *gitLab) GetRepositoryTree(ctx context.Context, key taskkey.Key, path string) ([]TreeEntry, error) {
	args := map[string]any{"project_id": key.ProjectID}
	if path != "" {
		args["path"] = path
	}
	res := g.caller.CallTool(ctx, "get_repository_tree", args)
	var raw []struct {
		Name string `json:"name"`
		Path string `json:"path"`
		Type string `json:"type"`
	}
	if err := decode(res, fmt.Sprintf("get_repository_tree %s:%s", key, path), &raw); err != nil {
		return nil, err
	}
	entries := make([]TreeEntry, 0, len(raw))
	for _, e := range raw {
		t := TreeFile
		if e.Type == "tree" {
			t = TreeDir
		}
		entries = append(entries, TreeEntry{Name: e.Name, Path: e.Path, Type: t})
	}
	return entries, nil
}
