package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/liuxd6825/pwclient/config"
	"github.com/liuxd6825/pwclient/connection"
	"github.com/liuxd6825/pwclient/driver"
	"github.com/liuxd6825/pwclient/errext"
	"github.com/liuxd6825/pwclient/errext/exitcodes"
	"github.com/liuxd6825/pwclient/internal/trace"
	"github.com/liuxd6825/pwclient/log"
	"github.com/liuxd6825/pwclient/proxy"
	"github.com/liuxd6825/pwclient/transport"
	"github.com/liuxd6825/pwclient/wait"
)

const traceFlushTimeout = 5 * time.Second

type gotoCmd struct {
	gs        *globalState
	waitUntil string
}

func getGotoCmd(gs *globalState) *cobra.Command {
	c := &gotoCmd{gs: gs}
	cmd := &cobra.Command{
		Use:   "goto <url>",
		Short: "Open a page and navigate it",
		Long: `Launch a browser, open a page, navigate it to url and print the URL
the page ended up at.`,
		Example: `  pwclient goto https://example.com
  pwclient goto --ws-endpoint ws://localhost:3000/ https://example.com`,
		Args: exactArgsWithMsg(1, "arg should be the URL to navigate to"),
		RunE: c.run,
	}
	cmd.Flags().StringVar(&c.waitUntil, "wait-until", "", "when navigation is done: load, domcontentloaded or networkidle")
	return cmd
}

func (c *gotoCmd) run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := c.gs.cfg
	logger := c.gs.appLogger

	t, closeEngine, err := engineTransport(ctx, cfg, logger)
	if err != nil {
		return errext.WithExitCodeIfNone(err, exitcodes.DriverFailed)
	}
	defer closeEngine()

	tp, err := trace.FromOutput(ctx, cfg.TracesOutput.String)
	if err != nil {
		return errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), traceFlushTimeout)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			logger.Warnf("trace", "flushing spans: %v", err)
		}
	}()

	pw, err := proxy.Connect(ctx, t, logger, connection.WithTracerProvider(tp))
	if err != nil {
		return errext.WithExitCodeIfNone(fmt.Errorf("connecting to the engine: %w", err), exitcodes.ProtocolFailed)
	}
	defer func() {
		_ = pw.Close()
		pw.Owner().Connection().Wait()
	}()

	url, err := c.navigate(ctx, cfg, pw, args[0])
	if err != nil {
		var terr *wait.TimeoutError
		if errors.As(err, &terr) {
			return errext.WithExitCodeIfNone(err, exitcodes.Timeout)
		}
		return err
	}

	green := c.gs.colorize(color.FgGreen)
	fprintf(c.gs.stdout, "%s\n", green(url))
	return nil
}

func (c *gotoCmd) navigate(ctx context.Context, cfg config.Config, pw *proxy.Playwright, url string) (string, error) {
	bt, err := pw.BrowserType(cfg.Browser.String)
	if err != nil {
		return "", err
	}
	b, err := bt.Launch(ctx, proxy.LaunchOptions{Headless: cfg.Headless, Timeout: cfg.Timeout})
	if err != nil {
		return "", err
	}
	defer func() { _ = b.Close(context.Background()) }()

	bc, err := b.NewContext(ctx, proxy.NewContextOptions{})
	if err != nil {
		return "", err
	}
	bc.SetDefaultTimeout(ctx, time.Duration(cfg.Timeout.Int64)*time.Millisecond)
	if cfg.NavigationTimeout.Valid {
		bc.SetDefaultNavigationTimeout(ctx, time.Duration(cfg.NavigationTimeout.Int64)*time.Millisecond)
	}

	p, err := bc.NewPage(ctx)
	if err != nil {
		return "", err
	}
	if err := p.Goto(ctx, url, proxy.GotoOptions{WaitUntil: c.waitUntil}); err != nil {
		return "", err
	}
	return p.URL(), nil
}

// engineTransport connects to the configured WebSocket endpoint, or starts
// the driver. The returned function releases the engine.
func engineTransport(ctx context.Context, cfg config.Config, logger *log.Logger) (transport.Transport, func(), error) {
	if endpoint := cfg.WSEndpoint.String; endpoint != "" {
		ws, err := transport.DialWebSocket(ctx, endpoint, nil)
		if err != nil {
			return nil, nil, err
		}
		return ws, func() {}, nil
	}

	p, err := driver.Start(ctx, logger, cfg.DriverPath.String, cfg.DriverArgs...)
	if err != nil {
		return nil, nil, errext.WithHint(err, "set --driver-path or PWCLIENT_DRIVER_PATH to the engine's driver")
	}
	return p.Transport(), func() {
		if err := p.Close(); err != nil {
			logger.Warnf("driver", "closing engine: %v", err)
		}
	}, nil
}

func exactArgsWithMsg(n int, msg string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != n {
			return fmt.Errorf("accepts %d arg(s), received %d: %s", n, len(args), msg)
		}
		return nil
	}
}
