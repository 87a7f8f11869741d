// ABOUTME: CLI entrypoint for assay with serve, ask, runs, report and mcp subcommands.
// ABOUTME: Loads .env and assay.yaml, applies flag overrides and sets up the process log.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389-research/assay/config"
)

var version = "dev"

// globalFlags override assay.yaml when explicitly set.
type globalFlags struct {
	configPath string
	uploadsDir string
	dataDir    string
	logFile    string
	provider   string
	model      string
}

// cli is the state shared by all subcommands of one invocation.
type cli struct {
	flags  globalFlags
	cfg    *config.Config
	logs   io.Closer
	stdout io.Writer
	stderr io.Writer
}

func main() {
	loadDotEnvAuto()
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	c := &cli{stdout: stdout, stderr: stderr}
	root := c.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := root.ExecuteContext(ctx)
	if c.logs != nil {
		c.logs.Close()
	}
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "assay",
		Short: "Answer questions about data by generating and running analysis code",
		Long: "assay turns a natural-language question and optional data files into a JSON answer.\n" +
			"An LLM plans Python code to collect the data and a second plan to analyze it;\n" +
			"both run locally in a fresh working folder, with corrective retries on failure.",
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.loadConfig,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.flags.configPath, "config", config.DefaultFile, "path to assay.yaml")
	pf.StringVar(&c.flags.uploadsDir, "uploads-dir", "", "override server.uploads_dir")
	pf.StringVar(&c.flags.dataDir, "data-dir", "", "override server.data_dir (default: $XDG_DATA_HOME/assay)")
	pf.StringVar(&c.flags.logFile, "log-file", "", "override server.log_file")
	pf.StringVar(&c.flags.provider, "provider", "", "override llm.provider (gemini, openai, anthropic)")
	pf.StringVar(&c.flags.model, "model", "", "override llm.model")

	root.AddCommand(
		c.serveCmd(),
		c.askCmd(),
		c.runsCmd(),
		c.reportCmd(),
		c.mcpCmd(),
	)
	return root
}

// loadConfig reads assay.yaml, then applies only the flags the user set.
func (c *cli) loadConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(c.flags.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("uploads-dir") {
		cfg.Server.UploadsDir = c.flags.uploadsDir
	}
	if flags.Changed("data-dir") {
		cfg.Server.DataDir = c.flags.dataDir
	}
	if flags.Changed("log-file") {
		cfg.Server.LogFile = c.flags.logFile
	}
	if flags.Changed("provider") {
		cfg.LLM.Provider = c.flags.provider
	}
	if flags.Changed("model") {
		cfg.LLM.Model = c.flags.model
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	c.cfg = cfg
	c.logs = setupProcessLog(cfg.Server.LogFile)
	return nil
}
