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

// gitHub drives the GitHub MCP server. Pull requests share the issue number
// space, so the issue-scoped tools work on both kinds; only the source
// branch lookup needs the pull-request API.
type gitHub struct {
	caller ToolCaller
	cfg    config.TrackerConfig
	logger logging.Logger
}

func newGitHub(caller ToolCaller, cfg config.TrackerConfig, logger logging.Logger) *gitHub {
	return &gitHub{caller: caller, cfg: cfg, logger: logging.OrNop(logger)}
}

func (g *gitHub) Source() string  { return "github" }
func (g *gitHub) BotName() string { return g.cfg.BotName }

// ghIssue is the slice of the REST issue object the tracker reads. The
// search and get responses share it; pull_request is present only on PRs.
type ghIssue struct {
	Number        int    `json:"number"`
	Title         string `json:"title"`
	Body          string `json:"body"`
	State         string `json:"state"`
	HTMLURL       string `json:"html_url"`
	RepositoryURL string `json:"repository_url"`
	User          struct {
		Login string `json:"login"`
	} `json:"user"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Assignees []struct {
		Login string `json:"login"`
	} `json:"assignees"`
	PullRequest *struct {
		URL string `json:"url"`
	} `json:"pull_request"`
}

func (r *ghIssue) labelNames() []string {
	names := make([]string, 0, len(r.Labels))
	for _, l := range r.Labels {
		names = append(names, l.Name)
	}
	return names
}

func (r *ghIssue) assigneeNames() []string {
	names := make([]string, 0, len(r.Assignees))
	for _, a := range r.Assignees {
		names = append(names, a.Login)
	}
	return names
}

func (g *gitHub) SearchWork(ctx context.Context, label string) ([]taskkey.Key, error) {
	query := fmt.Sprintf("label:%q is:open", label)
	res := g.caller.CallTool(ctx, "search_issues", map[string]any{"query": query})
	var page struct {
		Items []ghIssue `json:"items"`
	}
	if err := decode(res, "search_issues", &page); err != nil {
		return nil, err
	}
	keys := make([]taskkey.Key, 0, len(page.Items))
	for _, item := range page.Items {
		owner, repo, ok := splitRepositoryURL(item.RepositoryURL)
		if !ok {
			g.logger.Warn("search result #%d has unusable repository url %q, skipped", item.Number, item.RepositoryURL)
			continue
		}
		if item.PullRequest != nil {
			keys = append(keys, taskkey.NewGitHubPullRequest(owner, repo, item.Number))
		} else {
			keys = append(keys, taskkey.NewGitHubIssue(owner, repo, item.Number))
		}
	}
	return keys, nil
}

// splitRepositoryURL extracts owner and repo from an API repository URL of
// the form https://api.github.com/repos/<owner>/<repo>.
func splitRepositoryURL(u string) (owner, repo string, ok bool) {
	_, rest, found := strings.Cut(u, "/repos/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (g *gitHub) fetchIssue(ctx context.Context, key taskkey.Key) (*ghIssue, error) {
	res := g.caller.CallTool(ctx, "get_issue", map[string]any{
		"owner":        key.Owner,
		"repo":         key.Repo,
		"issue_number": key.Number,
	})
	var raw ghIssue
	if err := decode(res, fmt.Sprintf("get_issue %s", key), &raw); err != nil {
		return nil, err
	}
	return &raw, nil
}

func (g *gitHub) GetIssue(ctx context.Context, key taskkey.Key) (*Issue, error) {
	raw, err := g.fetchIssue(ctx, key)
	if err != nil {
		return nil, err
	}
	issue := &Issue{
		Number:    raw.Number,
		Title:     raw.Title,
		Body:      raw.Body,
		State:     raw.State,
		Labels:    raw.labelNames(),
		Assignees: raw.assigneeNames(),
		Author:    raw.User.Login,
		WebURL:    raw.HTMLURL,
	}
	if key.IsPullRequest() {
		branch, err := g.sourceBranch(ctx, key)
		if err != nil {
			g.logger.Warn("%s: source branch unavailable: %v", key, err)
		}
		issue.SourceBranch = branch
	}
	return issue, nil
}

func (g *gitHub) sourceBranch(ctx context.Context, key taskkey.Key) (string, error) {
	res := g.caller.CallTool(ctx, "get_pull_request", map[string]any{
		"owner":               key.Owner,
		"repo":                key.Repo,
		"pull_request_number": key.Number,
	})
	var pr struct {
		Head struct {
			Ref string `json:"ref"`
		} `json:"head"`
	}
	if err := decode(res, fmt.Sprintf("get_pull_request %s", key), &pr); err != nil {
		return "", err
	}
	return pr.Head.Ref, nil
}

func (g *gitHub) GetComments(ctx context.Context, key taskkey.Key) ([]Comment, error) {
	res := g.caller.CallTool(ctx, "get_issue_comments", map[string]any{
		"owner":        key.Owner,
		"repo":         key.Repo,
		"issue_number": key.Number,
	})
	var raw []struct {
		ID   int64  `json:"id"`
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
		CreatedAt string `json:"created_at"`
	}
	if err := decode(res, fmt.Sprintf("get_issue_comments %s", key), &raw); err != nil {
		return nil, err
	}
	comments := make([]Comment, 0, len(raw))
	for _, c := range raw {
		comments = append(comments, Comment{ID: c.ID, Author: c.User.Login, Body: c.Body, CreatedAt: c.CreatedAt})
	}
	return comments, nil
}

func (g *gitHub) CreateComment(ctx context.Context, key taskkey.Key, body string) (int64, error) {
	res := g.caller.CallTool(ctx, "create_issue_comment", map[string]any{
		"owner":        key.Owner,
		"repo":         key.Repo,
		"issue_number": key.Number,
		"body":         body,
	})
	if !res.Success {
		return 0, fmt.Errorf("create_issue_comment %s: %s", key, res.Error)
	}
	var created struct {
		ID int64 `json:"id"`
	}
	// Some servers acknowledge with plain text. The comment exists either
	// way; only in-place updates need the id.
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Content)), &created); err != nil {
		return 0, nil
	}
	return created.ID, nil
}

func (g *gitHub) UpdateComment(ctx context.Context, key taskkey.Key, commentID int64, body string) error {
	if commentID == 0 {
		_, err := g.CreateComment(ctx, key, body)
		return err
	}
	res := g.caller.CallTool(ctx, "update_issue_comment", map[string]any{
		"owner":      key.Owner,
		"repo":       key.Repo,
		"comment_id": commentID,
		"body":       body,
	})
	return check(res, fmt.Sprintf("update_issue_comment %d on %s", commentID, key))
}

func (g *gitHub) SwapLabels(ctx context.Context, key taskkey.Key, remove, add string) error {
	raw, err := g.fetchIssue(ctx, key)
	if err != nil {
		return err
	}
	res := g.caller.CallTool(ctx, "update_issue", map[string]any{
		"owner":        key.Owner,
		"repo":         key.Repo,
		"issue_number": key.Number,
		"labels":       swapLabelSet(raw.labelNames(), remove, add),
	})
	return check(res, fmt.Sprintf("update_issue labels on %s", key))
}

func (g *gitHub) GetAssignees(ctx context.Context, key taskkey.Key) ([]string, error) {
	raw, err := g.fetchIssue(ctx, key)
	if err != nil {
		return nil, err
	}
	return raw.assigneeNames(), nil
}

func (g *gitHub) GetFileContents(ctx context.Context, key taskkey.Key, path string) (string, error) {
	res := g.caller.CallTool(ctx, "get_file_contents", map[string]any{
		"owner": key.Owner,
		"repo":  key.Repo,
		"path":  path,
	})
	return decodeFileContent(res, fmt.Sprintf("get_file_contents %s:%s", key, path))
}

// GetRepositoryTree lists a directory. The GitHub server answers
// get_file_contents on a directory path with an entry array.
func (g *gitHub) GetRepositoryTree(ctx context.Context, key taskkey.Key, path string) ([]TreeEntry, error) {
	if path == "" {
		path = "/"
	}
	res := g.caller.CallTool(ctx, "get_file_contents", map[string]any{
		"owner": key.Owner,
		"repo":  key.Repo,
		"path":  path,
	})
	var raw []struct {
		Name string `json:"name"`
		Path string `json:"path"`
		Type string `json:"type"`
	}
	if err := decode(res, fmt.Sprintf("list %s:%s", key, path), &raw); err != nil {
		return nil, err
	}
	entries := make([]TreeEntry, 0, len(raw))
	for _, e := range raw {
		t := TreeFile
		if e.Type == "dir" {
			t = TreeDir
		}
		entries = append(entries, TreeEntry{Name: e.Name, Path: e.Path, Type: t})
	}
	return entries, nil
}
