// cmd/waymark/main.go
//
// This is the entry point for the waymark CLI.
//
// `waymark serve` is what an agent host launches: it speaks MCP over stdio and
// owns the session stack. The other commands inspect the same project
// directory from a second terminal.

package main

import (
	"fmt"
	"runtime/debug"

	"github.com/alecthomas/kong"
)

// Globals are flags shared by every command.
type Globals struct {
	ProjectDir string `short:"C" name:"project-dir" help:"Project directory containing .waymark." type:"path" default:"."`
	LogLevel   string `name:"log-level" help:"Override log_level from .waymark/config.yaml (debug, info, warn, error)."`
}

// CLI defines the command-line interface.
type CLI struct {
	Globals

	Serve    ServeCmd    `cmd:"" help:"Serve the workflow tools over MCP on stdio."`
	Init     InitCmd     `cmd:"" help:"Create the .waymark directory and default config."`
	Stack    StackCmd    `cmd:"" help:"Show the active session stack."`
	Sessions SessionsCmd `cmd:"" help:"List persisted sessions."`
	Watch    WatchCmd    `cmd:"" help:"Open a live view of sessions and the workflow journal."`
	Review   ReviewCmd   `cmd:"" help:"Run a step's quality reviews against existing files."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("waymark version %s\n", version())
	return nil
}

func version() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			return info.Main.Version
		}
	}
	return "dev"
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("waymark"),
		kong.Description("Workflow orchestration for coding agents, with quality-gated steps."),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli.Globals)
	ctx.FatalIfErrorf(err)
}
