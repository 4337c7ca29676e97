package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/liuxd6825/pwclient/config"
	"github.com/liuxd6825/pwclient/log"
)

// globalState is what the commands share. Tests build their own, with
// buffers for the outputs and a fake environment.
type globalState struct {
	ctx context.Context
	env map[string]string

	stdout, stderr *consoleWriter
	logger         *logrus.Logger

	// set by the persistent flags
	configPath string
	verbose    bool
	noColor    bool

	// set once the flags are parsed
	cfg       config.Config
	appLogger *log.Logger

	fs         afero.Fs
	getCwd     func() (string, error)
	logStop    context.CancelFunc
	logFlushed <-chan struct{}
}

func newGlobalState(ctx context.Context, stdout, stderr io.Writer, env map[string]string) *globalState {
	outMx := &sync.Mutex{}
	outCW := newConsoleWriter(stdout, outMx, env["TERM"])
	errCW := newConsoleWriter(stderr, outMx, env["TERM"])

	return &globalState{
		ctx:        ctx,
		env:        env,
		stdout:     outCW,
		stderr:     errCW,
		configPath: env["PWCLIENT_CONFIG"],
		fs:         afero.NewOsFs(),
		getCwd:     os.Getwd,
		logger: &logrus.Logger{
			Out:       errCW,
			Formatter: new(logrus.TextFormatter),
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.InfoLevel,
		},
	}
}

// setupLogger applies the config and the color preference to the logger.
func (gs *globalState) setupLogger() error {
	if gs.noColor {
		gs.stdout.Writer = colorable.NewNonColorable(gs.stdout.Writer)
		gs.stderr.Writer = colorable.NewNonColorable(gs.stderr.Writer)
	} else if gs.stderr.isTTY {
		gs.logger.Formatter = &logrus.TextFormatter{ForceColors: true}
	}

	switch out := gs.cfg.LogOutput.String; {
	case out == "none":
		gs.logger.SetOutput(io.Discard)
	case strings.HasPrefix(out, "file="):
		ctx, cancel := context.WithCancel(context.Background())
		hook, err := log.NewFileHook(ctx, gs.fs, gs.getCwd, gs.fallbackLogger(), out)
		if err != nil {
			cancel()
			return err
		}
		gs.logger.AddHook(hook)
		gs.logger.SetOutput(io.Discard)
		gs.logStop, gs.logFlushed = cancel, hook.Done()
	}

	gs.appLogger = log.New(gs.logger, nil)
	level := gs.cfg.LogLevel.String
	if gs.verbose {
		level = logrus.DebugLevel.String()
	}
	if err := gs.appLogger.SetLevel(level); err != nil {
		return err
	}
	return gs.appLogger.SetCategoryFilter(gs.cfg.LogCategoryFilter.String)
}

// fallbackLogger reports problems of the log output itself.
func (gs *globalState) fallbackLogger() logrus.FieldLogger {
	return &logrus.Logger{
		Out:       gs.stderr,
		Formatter: new(logrus.TextFormatter),
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.InfoLevel,
	}
}

// stopLogger flushes the log file, if any.
func (gs *globalState) stopLogger() {
	if gs.logStop == nil {
		return
	}
	gs.logStop()
	<-gs.logFlushed
}

func (gs *globalState) colorize(attr color.Attribute) func(a ...any) string {
	c := color.New(attr)
	if gs.noColor || !gs.stdout.isTTY {
		c.DisableColor()
	} else {
		c.EnableColor()
	}
	return c.SprintFunc()
}

func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

type consoleWriter struct {
	io.Writer
	isTTY bool
	mutex *sync.Mutex
}

func newConsoleWriter(out io.Writer, mx *sync.Mutex, termType string) *consoleWriter {
	isTTY := false
	if f, ok := out.(interface{ Fd() uintptr }); ok && termType != "dumb" {
		isTTY = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	if f, ok := out.(*os.File); ok && isTTY {
		out = colorable.NewColorable(f)
	}
	return &consoleWriter{out, isTTY, mx}
}

func (w *consoleWriter) Write(p []byte) (n int, err error) {
	origLen := len(p)
	if w.isTTY {
		// erase till the end of line with each new line
		p = bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\x1b', '[', '0', 'K', '\n'})
	}

	w.mutex.Lock()
	n, err = w.Writer.Write(p)
	w.mutex.Unlock()

	if err != nil && n < origLen {
		return n, err
	}
	return origLen, err
}
