package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/notfolder/coding-agent/internal/config"
)

// version is stamped by the release build via -ldflags.
var version = "dev"

var (
	bold  = color.New(color.Bold).SprintFunc()
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
)

// isTTY reports whether stdout is a terminal. The banner and progress lines
// stay out of redirected logs.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("error:"), err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		mode       string
		configPath string
	)
	rootCmd := &cobra.Command{
		Use:   "coding-agent",
		Short: "Label-driven coding agent for GitHub and GitLab work items",
		Long: `coding-agent watches issue trackers for items carrying the request label,
plans and executes them with an LLM inside a Docker sandbox, and posts the
outcome back to the item.

With no --mode it runs one producer discovery cycle and then consumes the
queue until interrupted. Deployments that scale out run a cron-invoked
producer and long-lived consumers as separate processes sharing RabbitMQ.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, mode)
		},
	}

	rootCmd.PersistentFlags().StringVar(&mode, "mode", "",
		`"producer" for one discovery cycle, "consumer" for the queue loop, empty for both`)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to coding-agent.yaml (default: search . and $HOME)")

	rootCmd.AddCommand(newConfigCommand(&configPath))
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("coding-agent %s\n", version)
		},
	}
}

func newConfigCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration after file, .env, and env resolution",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(redacted(cfg))
			if err != nil {
				return fmt.Errorf("render config: %w", err)
			}
			fmt.Print(string(out))
			return nil
		},
	})
	return cmd
}

// redacted masks every credential-bearing field so the output is safe to
// paste into an issue. Database.URL is masked whole; it may embed a password.
func redacted(cfg *config.Config) *config.Config {
	c := *cfg
	c.LLM.APIKey = mask(c.LLM.APIKey)
	c.GitHub.Token = mask(c.GitHub.Token)
	c.GitLab.Token = mask(c.GitLab.Token)
	c.Queue.RabbitMQ.Password = mask(c.Queue.RabbitMQ.Password)
	c.Database.Password = mask(c.Database.Password)
	c.Database.URL = mask(c.Database.URL)
	return &c
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "[redacted]"
}
