package main

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/liuxd6825/pwclient/config"
	"github.com/liuxd6825/pwclient/errext"
	"github.com/liuxd6825/pwclient/errext/exitcodes"
)

var bannerColor = color.New(color.FgCyan)

func newRootCommand(gs *globalState) *cobra.Command {
	root := &cobra.Command{
		Use:           "pwclient",
		Short:         "drive a browser automation engine",
		Long:          bannerColor.Sprint("pwclient talks to a browser automation engine over its stdio or a WebSocket."),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return persistentPreRunE(gs, cmd)
		},
	}
	root.PersistentFlags().AddFlagSet(rootPersistentFlagSet(gs))
	root.PersistentFlags().AddFlagSet(config.FlagSet())

	root.AddCommand(
		getGotoCmd(gs),
		getVersionCmd(gs),
	)
	return root
}

func rootPersistentFlagSet(gs *globalState) *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.StringVarP(&gs.configPath, "config", "c", gs.configPath, "YAML config `file`")
	flags.BoolVarP(&gs.verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVar(&gs.noColor, "no-color", false, "disable colored output")
	must(cobra.MarkFlagFilename(flags, "config", "yaml", "yml"))
	return flags
}

func persistentPreRunE(gs *globalState, cmd *cobra.Command) error {
	cfg, err := config.Load(cmd.Flags(), gs.env, gs.configPath)
	if err != nil {
		return errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	gs.cfg = cfg

	if err := gs.setupLogger(); err != nil {
		return errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	gs.logger.Debugf("pwclient version: %s", version)
	return nil
}

// execute runs the command line args and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer, env map[string]string) int {
	gs := newGlobalState(ctx, stdout, stderr, env)
	root := newRootCommand(gs)
	root.SetArgs(args)
	root.SetOut(gs.stdout)
	root.SetErr(gs.stderr)

	err := root.ExecuteContext(ctx)
	if err != nil {
		msg, fields := errext.Format(err)
		gs.logger.WithFields(logrus.Fields(fields)).Error(msg)
	}
	gs.stopLogger()

	if err != nil {
		return int(errext.ExitCodeOf(err))
	}
	return 0
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// fprintf panics when there's an error writing to w.
func fprintf(w io.Writer, format string, a ...any) {
	if _, err := fmt.Fprintf(w, format, a...); err != nil {
		panic(err.Error())
	}
}
