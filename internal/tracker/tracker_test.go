package tracker

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notfolder/coding-agent/internal/config"
	"github.com/notfolder/coding-agent/internal/mcp"
	"github.com/notfolder/coding-agent/internal/taskkey"
)

type recordedCall struct {
	name string
	args map[string]any
}

// fakeCaller answers tool calls from a canned response table and records
// every call it sees.
type fakeCaller struct {
	responses map[string]mcp.Result
	calls     []recordedCall
}

func (f *fakeCaller) CallTool(_ context.Context, name string, args map[string]any) mcp.Result {
	f.calls = append(f.calls, recordedCall{name: name, args: args})
	if res, ok := f.responses[name]; ok {
		return res
	}
	return mcp.Result{Success: false, Error: "no such tool: " + name}
}

func (f *fakeCaller) last(name string) (recordedCall, bool) {
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].name == name {
			return f.calls[i], true
		}
	}
	return recordedCall{}, false
}

func ok(content string) mcp.Result {
	return mcp.Result{Success: true, Content: content}
}

func fail(msg string) mcp.Result {
	return mcp.Result{Success: false, Error: msg}
}

func TestNewRejectsUnknownSource(t *testing.T) {
	_, err := New("bitbucket", &fakeCaller{}, config.TrackerConfig{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bitbucket")
}

func TestGitHubSearchWorkClassifiesItems(t *testing.T) {
	caller := &fakeCaller{responses: map[string]mcp.Result{
		"search_issues": ok(`{
			"total_count": 3,
			"items": [
				{"number": 42, "repository_url": "https://api.github.com/repos/acme/svc"},
				{"number": 7, "repository_url": "https://api.github.com/repos/acme/web", "pull_request": {"url": "x"}},
				{"number": 9, "repository_url": "not a url"}
			]
		}`),
	}}
	g := newGitHub(caller, config.TrackerConfig{}, nil)

	keys, err := g.SearchWork(context.Background(), "coding agent")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, taskkey.NewGitHubIssue("acme", "svc", 42), keys[0])
	assert.Equal(t, taskkey.NewGitHubPullRequest("acme", "web", 7), keys[1])

	call, found := caller.last("search_issues")
	require.True(t, found)
	assert.Equal(t, `label:"coding agent" is:open`, call.args["query"])
}

func TestGitHubGetIssueFetchesBranchForPR(t *testing.T) {
	caller := &fakeCaller{responses: map[string]mcp.Result{
		"get_issue": ok(`{
			"number": 7, "title": "Fix login", "body": "details", "state": "open",
			"html_url": "https://github.com/acme/web/pull/7",
			"user": {"login": "alice"},
			"labels": [{"name": "coding agent processing"}],
			"assignees": [{"login": "agent-bot"}]
		}`),
		"get_pull_request": ok(`{"head": {"ref": "feature/login"}}`),
	}}
	g := newGitHub(caller, config.TrackerConfig{}, nil)

	issue, err := g.GetIssue(context.Background(), taskkey.NewGitHubPullRequest("acme", "web", 7))
	require.NoError(t, err)
	assert.Equal(t, "Fix login", issue.Title)
	assert.Equal(t, "alice", issue.Author)
	assert.Equal(t, "feature/login", issue.SourceBranch)
	assert.True(t, issue.HasLabel("coding agent processing"))
	assert.True(t, issue.HasAssignee("agent-bot"))

	call, found := caller.last("get_pull_request")
	require.True(t, found)
	assert.Equal(t, 7, call.args["pull_request_number"])
}

func TestGitHubGetIssueSurvivesMissingBranch(t *testing.T) {
	caller := &fakeCaller{responses: map[string]mcp.Result{
		"get_issue":        ok(`{"number": 7, "title": "Fix login", "state": "open"}`),
		"get_pull_request": fail("server error"),
	}}
	g := newGitHub(caller, config.TrackerConfig{}, nil)

	issue, err := g.GetIssue(context.Background(), taskkey.NewGitHubPullRequest("acme", "web", 7))
	require.NoError(t, err)
	assert.Empty(t, issue.SourceBranch)
}

func TestGitHubSwapLabelsReplacesSet(t *testing.T) {
	caller := &fakeCaller{responses: map[string]mcp.Result{
		"get_issue": ok(`{
			"number": 42,
			"labels": [{"name": "bug"}, {"name": "coding agent"}]
		}`),
		"update_issue": ok(`{}`),
	}}
	g := newGitHub(caller, config.TrackerConfig{}, nil)
	key := taskkey.NewGitHubIssue("acme", "svc", 42)

	err := g.SwapLabels(context.Background(), key, "coding agent", "coding agent processing")
	require.NoError(t, err)

	call, found := caller.last("update_issue")
	require.True(t, found)
	assert.Equal(t, []string{"bug", "coding agent processing"}, call.args["labels"])
	assert.Equal(t, 42, call.args["issue_number"])
}

func TestGitHubCommentLifecycle(t *testing.T) {
	caller := &fakeCaller{responses: map[string]mcp.Result{
		"create_issue_comment": ok(`{"id": 9001}`),
		"update_issue_comment": ok(`{}`),
	}}
	g := newGitHub(caller, config.TrackerConfig{}, nil)
	key := taskkey.NewGitHubIssue("acme", "svc", 42)

	id, err := g.CreateComment(context.Background(), key, "first")
	require.NoError(t, err)
	assert.Equal(t, int64(9001), id)

	require.NoError(t, g.UpdateComment(context.Background(), key, id, "second"))
	call, found := caller.last("update_issue_comment")
	require.True(t, found)
	assert.Equal(t, int64(9001), call.args["comment_id"])
	assert.Equal(t, "second", call.args["body"])
}

func TestGitHubUpdateCommentWithoutIDPostsFresh(t *testing.T) {
	caller := &fakeCaller{responses: map[string]mcp.Result{
		"create_issue_comment": ok(`posted`),
	}}
	g := newGitHub(caller, config.TrackerConfig{}, nil)
	key := taskkey.NewGitHubIssue("acme", "svc", 42)

	require.NoError(t, g.UpdateComment(context.Background(), key, 0, "body"))
	_, found := caller.last("create_issue_comment")
	assert.True(t, found)
	_, edited := caller.last("update_issue_comment")
	assert.False(t, edited)
}

func TestGitHubGetComments(t *testing.T) {
	caller := &fakeCaller{responses: map[string]mcp.Result{
		"get_issue_comments": ok(`[
			{"id": 1, "body": "hello", "user": {"login": "alice"}, "created_at": "2026-01-02T03:04:05Z"},
			{"id": 2, "body": "world", "user": {"login": "bob"}, "created_at": "2026-01-02T04:04:05Z"}
		]`),
	}}
	g := newGitHub(caller, config.TrackerConfig{}, nil)

	comments, err := g.GetComments(context.Background(), taskkey.NewGitHubIssue("acme", "svc", 42))
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Equal(t, int64(1), comments[0].ID)
	assert.Equal(t, "alice", comments[0].Author)
	assert.Equal(t, "world", comments[1].Body)
}

func TestGitHubRepositoryTree(t *testing.T) {
	caller := &fakeCaller{responses: map[string]mcp.Result{
		"get_file_contents": ok(`[
			{"name": "README.md", "path": "README.md", "type": "file"},
			{"name": "src", "path": "src", "type": "dir"}
		]`),
	}}
	g := newGitHub(caller, config.TrackerConfig{}, nil)

	entries, err := g.GetRepositoryTree(context.Background(), taskkey.NewGitHubIssue("acme", "svc", 42), "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, TreeFile, entries[0].Type)
	assert.Equal(t, TreeDir, entries[1].Type)

	call, _ := caller.last("get_file_contents")
	assert.Equal(t, "/", call.args["path"])
}

func TestGitLabSearchWorkSpansProjects(t *testing.T) {
	caller := &fakeCaller{responses: map[string]mcp.Result{
		"list_issues":         ok(`[{"iid": 3, "project_id": 7, "labels": ["coding agent"]}]`),
		"list_merge_requests": ok(`[{"iid": 11, "project_id": 7, "source_branch": "fix"}]`),
	}}
	g := newGitLab(caller, config.TrackerConfig{Projects: []int{7}}, nil)

	keys, err := g.SearchWork(context.Background(), "coding agent")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, taskkey.NewGitLabIssue(7, 3), keys[0])
	assert.Equal(t, taskkey.NewGitLabMergeRequest(7, 11), keys[1])

	call, found := caller.last("list_issues")
	require.True(t, found)
	assert.Equal(t, 7, call.args["project_id"])
	assert.Equal(t, []string{"coding agent"}, call.args["labels"])
	assert.Equal(t, "opened", call.args["state"])
}

func TestGitLabSearchWorkToleratesPartialFailure(t *testing.T) {
	caller := &fakeCaller{responses: map[string]mcp.Result{
		"list_issues":         ok(`[{"iid": 3, "project_id": 7}]`),
		"list_merge_requests": fail("503"),
	}}
	g := newGitLab(caller, config.TrackerConfig{Projects: []int{7}}, nil)

	keys, err := g.SearchWork(context.Background(), "coding agent")
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestGitLabSearchWorkReportsTotalFailure(t *testing.T) {
	caller := &fakeCaller{responses: map[string]mcp.Result{
		"list_issues":         fail("503"),
		"list_merge_requests": fail("503"),
	}}
	g := newGitLab(caller, config.TrackerConfig{}, nil)

	_, err := g.SearchWork(context.Background(), "coding agent")
	require.Error(t, err)
}

func TestGitLabGetIssueMapsMergeRequest(t *testing.T) {
	caller := &fakeCaller{responses: map[string]mcp.Result{
		"get_merge_request": ok(`{
			"iid": 11, "project_id": 7, "title": "Fix pipeline",
			"description": "三番目のジョブが失敗する", "state": "opened",
			"labels": ["coding agent processing"],
			"author": {"username": "carol"},
			"assignees": [{"username": "agent-bot"}],
			"source_branch": "fix/pipeline",
			"web_url": "https://gitlab.example.com/acme/svc/-/merge_requests/11"
		}`),
	}}
	g := newGitLab(caller, config.TrackerConfig{}, nil)

	issue, err := g.GetIssue(context.Background(), taskkey.NewGitLabMergeRequest(7, 11))
	require.NoError(t, err)
	assert.Equal(t, 11, issue.Number)
	assert.Equal(t, "Fix pipeline", issue.Title)
	assert.Equal(t, "fix/pipeline", issue.SourceBranch)
	assert.Equal(t, "carol", issue.Author)
	assert.Equal(t, []string{"agent-bot"}, issue.Assignees)

	call, _ := caller.last("get_merge_request")
	assert.Equal(t, 11, call.args["merge_request_iid"])
}

func TestGitLabCommentsFlattenDiscussions(t *testing.T) {
	caller := &fakeCaller{responses: map[string]mcp.Result{
		"list_issue_discussions": ok(`[
			{"notes": [
				{"id": 1, "body": "changed the description", "system": true, "author": {"username": "carol"}},
				{"id": 2, "body": "please fix this", "system": false, "author": {"username": "carol"}, "created_at": "2026-02-03T04:05:06Z"}
			]},
			{"notes": [
				{"id": 3, "body": "on it", "author": {"username": "agent-bot"}}
			]}
		]`),
	}}
	g := newGitLab(caller, config.TrackerConfig{}, nil)

	comments, err := g.GetComments(context.Background(), taskkey.NewGitLabIssue(7, 3))
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Equal(t, int64(2), comments[0].ID)
	assert.Equal(t, "on it", comments[1].Body)
}

func TestGitLabCreateCommentSetsNoteableType(t *testing.T) {
	caller := &fakeCaller{responses: map[string]mcp.Result{
		"create_note": ok(`{"id": 77}`),
	}}
	g := newGitLab(caller, config.TrackerConfig{}, nil)

	id, err := g.CreateComment(context.Background(), taskkey.NewGitLabMergeRequest(7, 11), "note body")
	require.NoError(t, err)
	assert.Equal(t, int64(77), id)

	call, _ := caller.last("create_note")
	assert.Equal(t, "merge_request", call.args["noteable_type"])
	assert.Equal(t, 11, call.args["noteable_iid"])
}

func TestGitLabUpdateCommentRepostsWhenEditUnavailable(t *testing.T) {
	caller := &fakeCaller{responses: map[string]mcp.Result{
		"update_note": fail("Method not found"),
		"create_note": ok(`{"id": 78}`),
	}}
	g := newGitLab(caller, config.TrackerConfig{}, nil)

	err := g.UpdateComment(context.Background(), taskkey.NewGitLabIssue(7, 3), 77, "new body")
	require.NoError(t, err)

	call, found := caller.last("create_note")
	require.True(t, found)
	assert.Equal(t, "new body", call.args["body"])
}

func TestGitLabSwapLabelsOnMergeRequest(t *testing.T) {
	caller := &fakeCaller{responses: map[string]mcp.Result{
		"get_merge_request":    ok(`{"iid": 11, "project_id": 7, "labels": ["coding agent"]}`),
		"update_merge_request": ok(`{}`),
	}}
	g := newGitLab(caller, config.TrackerConfig{}, nil)

	err := g.SwapLabels(context.Background(), taskkey.NewGitLabMergeRequest(7, 11), "coding agent", "coding agent processing")
	require.NoError(t, err)

	call, found := caller.last("update_merge_request")
	require.True(t, found)
	assert.Equal(t, []string{"coding agent processing"}, call.args["labels"])
}

func TestGitLabGetFileContents(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("package main\n"))
	caller := &fakeCaller{responses: map[string]mcp.Result{
		"get_file_contents": ok(`{"file_name": "main.go", "content": "` + encoded + `", "encoding": "base64"}`),
	}}
	g := newGitLab(caller, config.TrackerConfig{}, nil)

	text, err := g.GetFileContents(context.Background(), taskkey.NewGitLabIssue(7, 3), "main.go")
	require.NoError(t, err)
	assert.Equal(t, "package main\n", text)

	call, _ := caller.last("get_file_contents")
	assert.Equal(t, "main.go", call.args["file_path"])
	assert.Equal(t, 7, call.args["project_id"])
}

func TestGitLabRepositoryTreeMapsTypes(t *testing.T) {
	caller := &fakeCaller{responses: map[string]mcp.Result{
		"get_repository_tree": ok(`[
			{"name": "cmd", "path": "cmd", "type": "tree"},
			{"name": "go.mod", "path": "go.mod", "type": "blob"}
		]`),
	}}
	g := newGitLab(caller, config.TrackerConfig{}, nil)

	entries, err := g.GetRepositoryTree(context.Background(), taskkey.NewGitLabIssue(7, 3), "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, TreeDir, entries[0].Type)
	assert.Equal(t, TreeFile, entries[1].Type)
}

func TestDecodeFileContentShapes(t *testing.T) {
	raw, err := decodeFileContent(ok("plain text\n"), "t")
	require.NoError(t, err)
	assert.Equal(t, "plain text\n", raw)

	obj, err := decodeFileContent(ok(`{"content": "inline text", "encoding": "text"}`), "t")
	require.NoError(t, err)
	assert.Equal(t, "inline text", obj)

	_, err = decodeFileContent(fail("not found"), "t")
	require.Error(t, err)
}

func TestSwapLabelSet(t *testing.T) {
	assert.Equal(t, []string{"bug", "next"}, swapLabelSet([]string{"bug", "prev"}, "prev", "next"))
	assert.Equal(t, []string{"next"}, swapLabelSet([]string{"next"}, "prev", "next"))
	assert.Equal(t, []string{"bug"}, swapLabelSet([]string{"bug", "prev"}, "prev", ""))
	assert.Equal(t, []string{"next"}, swapLabelSet(nil, "", "next"))
}

func TestPlanCommentChecklist(t *testing.T) {
	body := PlanComment("Implement the fix", []PlanItem{
		{Description: "read the failing test"},
		{Description: "patch the handler", Done: true},
	})
	assert.Contains(t, body, HeaderPlan)
	assert.Contains(t, body, "Implement the fix")
	assert.Contains(t, body, "- [ ] 1. read the failing test")
	assert.Contains(t, body, "- [x] 2. patch the handler")
}

func TestFailureCommentWrapsError(t *testing.T) {
	body := FailureComment("execution", assert.AnError)
	assert.Contains(t, body, HeaderFailure)
	assert.Contains(t, body, "execution")
	assert.Contains(t, body, assert.AnError.Error())
	assert.NotEqual(t, assert.AnError.Error(), body)
}

func TestStatusComments(t *testing.T) {
	assert.Contains(t, PauseComment(""), HeaderPause)
	assert.Contains(t, StopComment("assignee agent-bot removed"), HeaderStop)
	assert.Contains(t, StopComment("assignee agent-bot removed"), "agent-bot")
	assert.Contains(t, CompletionComment("done"), HeaderCompletion)
	assert.Contains(t, ThinkingComment("maybe retry"), HeaderThinking)
}
