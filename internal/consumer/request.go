package consumer

import (
	"fmt"
	"strings"

	"github.com/notfolder/coding-agent/internal/config"
	"github.com/notfolder/coding-agent/internal/sandbox"
	"github.com/notfolder/coding-agent/internal/taskkey"
	"github.com/notfolder/coding-agent/internal/tracker"
)

const defaultGitHubBase = "https://github.com"

// agentHeaders mark comments this system posted; they never feed back into
// the request.
var agentHeaders = []string{
	tracker.HeaderPlan,
	tracker.HeaderCompletion,
	tracker.HeaderFailure,
	tracker.HeaderPause,
	tracker.HeaderStop,
	tracker.HeaderThinking,
}

// BuildRequest folds the work item and its human discussion into the task
// request: title, body, then every comment not authored by the bot and not
// carrying an agent header.
func BuildRequest(issue *tracker.Issue, comments []tracker.Comment, bot string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(issue.Title))
	b.WriteString("\n")
	if body := strings.TrimSpace(issue.Body); body != "" {
		b.WriteString("\n")
		b.WriteString(body)
		b.WriteString("\n")
	}

	wroteHeader := false
	for _, comment := range comments {
		if bot != "" && strings.EqualFold(comment.Author, bot) {
			continue
		}
		body := strings.TrimSpace(comment.Body)
		if body == "" || isAgentComment(body) {
			continue
		}
		if !wroteHeader {
			b.WriteString("\n## Discussion\n")
			wroteHeader = true
		}
		fmt.Fprintf(&b, "\n%s:\n%s\n", comment.Author, body)
	}
	return strings.TrimSpace(b.String())
}

func isAgentComment(body string) bool {
	for _, header := range agentHeaders {
		if strings.HasPrefix(body, header) {
			return true
		}
	}
	return false
}

// cloneSpec assembles the container provisioning spec for one run. The
// token stays separate from the URL; credential injection happens inside
// the sandbox manager and never reaches logs.
func cloneSpec(runID string, key taskkey.Key, issue *tracker.Issue, cfg config.TrackerConfig) sandbox.PrepareSpec {
	spec := sandbox.PrepareSpec{TaskUUID: runID}
	switch key.Source() {
	case taskkey.SourceGitHub:
		base := strings.TrimSuffix(cfg.BaseURL, "/")
		if base == "" {
			base = defaultGitHubBase
		}
		spec.CloneURL = fmt.Sprintf("%s/%s/%s.git", base, key.Owner, key.Repo)
		spec.CloneUser = "x-access-token"
		spec.CloneToken = cfg.Token
	case taskkey.SourceGitLab:
		// GitLab keys carry only the numeric project id; the repository URL
		// comes from the work item's own web URL.
		if project := gitlabProjectURL(issue.WebURL); project != "" {
			spec.CloneURL = project + ".git"
			spec.CloneUser = "oauth2"
			spec.CloneToken = cfg.Token
		}
	}
	if key.IsPullRequest() {
		spec.Branch = issue.SourceBranch
	}
	return spec
}

// gitlabProjectURL strips the issue or merge request suffix off a GitLab
// web URL, leaving the project URL.
func gitlabProjectURL(webURL string) string {
	for _, marker := range []string{"/-/issues/", "/-/merge_requests/"} {
		if i := strings.Index(webURL, marker); i > 0 {
			return webURL[:i]
		}
	}
	return ""
}
