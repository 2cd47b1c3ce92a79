package sandbox

import (
	"fmt"
	"strings"
)

// commandCategory is one prompt-facing group of allowed commands. The list
// is guidance for the model; the container boundary is the actual limit.
type commandCategory struct {
	name     string
	examples []string
}

var safeCommands = []commandCategory{
	{"Build", []string{"make", "go build ./...", "npm run build", "mvn -B package", "cargo build"}},
	{"Test", []string{"go test ./...", "pytest", "npm test", "mvn -B test", "bundle exec rspec"}},
	{"Lint / format", []string{"gofmt -l .", "go vet ./...", "ruff check .", "eslint .", "black --check ."}},
	{"File operations", []string{"ls", "cat", "head", "tail", "find", "grep", "mkdir", "cp", "mv", "diff"}},
	{"Version control", []string{"git status", "git diff", "git add", "git commit", "git log", "git branch", "git checkout"}},
	{"Utilities", []string{"pwd", "echo", "env", "which", "wc", "sed", "awk", "tar", "curl"}},
}

// SafeCommandText renders the allowed command surface as Markdown for
// inclusion in the execution prompt.
func SafeCommandText() string {
	var b strings.Builder
	b.WriteString("Commands are run with `sh -c` inside the task container, from the project root.\n")
	b.WriteString("Stick to these categories:\n\n")
	for _, cat := range safeCommands {
		fmt.Fprintf(&b, "- **%s**: %s\n", cat.name, strings.Join(cat.examples, ", "))
	}
	b.WriteString("\nLong-running servers and interactive commands will hit the execution timeout.\n")
	return b.String()
}
