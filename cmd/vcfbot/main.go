// Command vcfbot runs the contact-file Telegram bot and exposes the same
// engine operations on local files.
//
// Usage:
//
//	vcfbot serve --config vcfbot.yaml
//	vcfbot count contacts.vcf
//	vcfbot txt2vcf --auto -o contacts.vcf list.txt
//	vcfbot split --parts 3 -o out/ contacts.vcf
//	vcfbot token --user 7614202330 --ttl 24h
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/vcfbot/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "vcfbot:", err)
		os.Exit(1)
	}
}

// app carries what every subcommand shares once the root has loaded the
// configuration.
type app struct {
	configPath string
	logLevel   string

	stdout io.Writer
	stderr io.Writer

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "vcfbot",
		Short: "Telegram bot and CLI for vCard contact files",
		Long: `vcfbot converts, edits, merges and splits vCard contact lists.

"serve" runs the Telegram bot with its admin HTTP surface. The other
commands run one engine operation on local files and exit.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(*cobra.Command, []string) error { return a.load() },
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "vcfbot.yaml", "YAML config file (missing file means defaults)")
	pf.StringVar(&a.logLevel, "log-level", "", "override the log level: debug, info, warn, error")

	root.AddCommand(
		a.serveCmd(),
		a.tokenCmd(),
		a.maintenanceCmd(),
		a.usersCmd(),
	)
	root.AddCommand(a.toolCmds()...)
	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	level := cfg.Level()
	if a.logLevel != "" {
		if level, err = config.ParseLevel(a.logLevel); err != nil {
			return err
		}
	}
	a.cfg = cfg
	a.logger = slog.New(slog.NewJSONHandler(a.stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(a.logger)
	return nil
}
