// Package taskkey identifies units of work on an issue tracker.
//
// A Key names exactly one issue, pull request, or merge request. Keys are
// comparable, serialize to a flat dict for queue transport, and never carry
// run-scoped state.
package taskkey

import (
	"encoding/json"
	"fmt"
)

// Source is the tracker family a key belongs to.
type Source string

const (
	SourceGitHub Source = "github"
	SourceGitLab Source = "gitlab"
)

// Kind discriminates the four key variants on the wire.
type Kind string

const (
	KindGitHubIssue        Kind = "github_issue"
	KindGitHubPullRequest  Kind = "github_pull_request"
	KindGitLabIssue        Kind = "gitlab_issue"
	KindGitLabMergeRequest Kind = "gitlab_merge_request"
)

// Key identifies one issue, pull request, or merge request. GitHub variants
// use Owner/Repo/Number; GitLab variants use ProjectID/IID. The zero value is
// invalid.
type Key struct {
	Kind      Kind
	Owner     string
	Repo      string
	Number    int
	ProjectID int
	IID       int
}

func NewGitHubIssue(owner, repo string, number int) Key {
	return Key{Kind: KindGitHubIssue, Owner: owner, Repo: repo, Number: number}
}

func NewGitHubPullRequest(owner, repo string, number int) Key {
	return Key{Kind: KindGitHubPullRequest, Owner: owner, Repo: repo, Number: number}
}

func NewGitLabIssue(projectID, iid int) Key {
	return Key{Kind: KindGitLabIssue, ProjectID: projectID, IID: iid}
}

func NewGitLabMergeRequest(projectID, iid int) Key {
	return Key{Kind: KindGitLabMergeRequest, ProjectID: projectID, IID: iid}
}

// Source reports the tracker family for the key's kind.
func (k Key) Source() Source {
	switch k.Kind {
	case KindGitLabIssue, KindGitLabMergeRequest:
		return SourceGitLab
	default:
		return SourceGitHub
	}
}

// IsPullRequest reports whether the key names a pull request or merge
// request rather than an issue.
func (k Key) IsPullRequest() bool {
	return k.Kind == KindGitHubPullRequest || k.Kind == KindGitLabMergeRequest
}

// Validate checks that the variant's required fields are populated.
func (k Key) Validate() error {
	switch k.Kind {
	case KindGitHubIssue, KindGitHubPullRequest:
		if k.Owner == "" || k.Repo == "" {
			return fmt.Errorf("task key %s: owner and repo are required", k.Kind)
		}
		if k.Number <= 0 {
			return fmt.Errorf("task key %s: number must be positive, got %d", k.Kind, k.Number)
		}
	case KindGitLabIssue, KindGitLabMergeRequest:
		if k.ProjectID <= 0 {
			return fmt.Errorf("task key %s: project_id must be positive, got %d", k.Kind, k.ProjectID)
		}
		if k.IID <= 0 {
			return fmt.Errorf("task key %s: iid must be positive, got %d", k.Kind, k.IID)
		}
	default:
		return fmt.Errorf("unknown task key kind %q", k.Kind)
	}
	return nil
}

// String renders a compact human-readable form for logs.
func (k Key) String() string {
	switch k.Kind {
	case KindGitHubIssue, KindGitHubPullRequest:
		return fmt.Sprintf("github/%s/%s#%d", k.Owner, k.Repo, k.Number)
	case KindGitLabIssue:
		return fmt.Sprintf("gitlab/%d#%d", k.ProjectID, k.IID)
	case KindGitLabMergeRequest:
		return fmt.Sprintf("gitlab/%d!%d", k.ProjectID, k.IID)
	default:
		return fmt.Sprintf("taskkey(%q)", string(k.Kind))
	}
}

// ToDict returns the canonical wire form. Only the fields of the key's
// variant are present; there are no null placeholders.
func (k Key) ToDict() map[string]any {
	d := map[string]any{"type": string(k.Kind)}
	switch k.Source() {
	case SourceGitHub:
		d["owner"] = k.Owner
		d["repo"] = k.Repo
		d["number"] = k.Number
	case SourceGitLab:
		d["project_id"] = k.ProjectID
		d["iid"] = k.IID
	}
	return d
}

// FromDict reconstructs a Key from its wire form. Numeric fields accept
// json.Unmarshal's float64 as well as int, so a dict that has passed through
// JSON round-trips to an equal Key.
func FromDict(d map[string]any) (Key, error) {
	rawKind, ok := d["type"].(string)
	if !ok {
		return Key{}, fmt.Errorf("task key dict: missing type discriminator")
	}
	k := Key{Kind: Kind(rawKind)}
	switch k.Kind {
	case KindGitHubIssue, KindGitHubPullRequest:
		k.Owner, _ = d["owner"].(string)
		k.Repo, _ = d["repo"].(string)
		n, err := intField(d, "number")
		if err != nil {
			return Key{}, err
		}
		k.Number = n
	case KindGitLabIssue, KindGitLabMergeRequest:
		pid, err := intField(d, "project_id")
		if err != nil {
			return Key{}, err
		}
		iid, err := intField(d, "iid")
		if err != nil {
			return Key{}, err
		}
		k.ProjectID = pid
		k.IID = iid
	default:
		return Key{}, fmt.Errorf("unknown task key kind %q", rawKind)
	}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

func intField(d map[string]any, name string) (int, error) {
	switch v := d[name].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("task key dict: field %s: %w", name, err)
		}
		return int(n), nil
	case nil:
		return 0, fmt.Errorf("task key dict: missing field %s", name)
	default:
		return 0, fmt.Errorf("task key dict: field %s has type %T", name, v)
	}
}

// MarshalJSON encodes the key as its dict form so queue payloads and stored
// metadata share one representation.
func (k Key) MarshalJSON() ([]byte, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(k.ToDict())
}

func (k *Key) UnmarshalJSON(data []byte) error {
	var d map[string]any
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	parsed, err := FromDict(d)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
