package proxy

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/pwclient/connection"
	"github.com/liuxd6825/pwclient/protocol"
	"github.com/liuxd6825/pwclient/wait"
)

// Playwright is the root object returned by the handshake.
type Playwright struct {
	base
}

func newPlaywright(o *connection.ChannelOwner) (connection.Object, error) {
	return &Playwright{base{owner: o}}, nil
}

// BrowserType returns the browser type called name, e.g. "chromium".
func (p *Playwright) BrowserType(name string) (*BrowserType, error) {
	guid, ok := protocol.GUIDRef(p.owner.Initializer(), name)
	if !ok {
		return nil, fmt.Errorf("unsupported browser type %q", name)
	}
	return connection.Get[*BrowserType](p.owner.Connection(), guid)
}

// Close disconnects from the engine.
func (p *Playwright) Close() error {
	return p.owner.Connection().Close()
}

// BrowserType launches browsers of one kind.
type BrowserType struct {
	base
	name string
}

func newBrowserType(o *connection.ChannelOwner) (connection.Object, error) {
	return &BrowserType{base: base{owner: o}, name: protocol.String(o.Initializer(), "name")}, nil
}

// Name returns the name of the browser type.
func (bt *BrowserType) Name() string { return bt.name }

// LaunchOptions configures a browser launch.
type LaunchOptions struct {
	Headless null.Bool
	Args     []string
	// Timeout in milliseconds, 0 disables it.
	Timeout null.Int
}

// Launch starts a browser.
func (bt *BrowserType) Launch(ctx context.Context, opts LaunchOptions) (*Browser, error) {
	params := map[string]any{
		"timeout": wait.NewTimeoutSettings(nil).Timeout(opts.Timeout).Milliseconds(),
	}
	if opts.Headless.Valid {
		params["headless"] = opts.Headless.Bool
	}
	if len(opts.Args) > 0 {
		params["args"] = opts.Args
	}

	res, err := bt.owner.Send(ctx, "launch", params)
	if err != nil {
		return nil, fmt.Errorf("launching %s: %w", bt.name, err)
	}
	guid, ok := protocol.GUIDRef(res, "browser")
	if !ok {
		return nil, fmt.Errorf("launching %s: no browser in reply", bt.name)
	}
	b, err := connection.Get[*Browser](bt.owner.Connection(), guid)
	if err != nil {
		return nil, err
	}
	b.browserType = bt

	return b, nil
}

// Browser is a launched browser.
type Browser struct {
	base
	browserType *BrowserType
	version     string

	mu        sync.Mutex
	contexts  []*BrowserContext
	connected bool
	closing   bool
}

func newBrowser(o *connection.ChannelOwner) (connection.Object, error) {
	b := &Browser{
		base:      base{owner: o},
		version:   protocol.String(o.Initializer(), "version"),
		connected: true,
	}
	o.Handle("close", func([]byte) error {
		b.didClose()
		return nil
	})
	o.OnDispose(func(error) { b.didClose() })

	return b, nil
}

// Version returns the browser version.
func (b *Browser) Version() string { return b.version }

// BrowserType returns the type that launched the browser.
func (b *Browser) BrowserType() *BrowserType { return b.browserType }

// IsConnected reports whether the browser is still usable.
func (b *Browser) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Contexts returns the open browser contexts.
func (b *Browser) Contexts() []*BrowserContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.contexts)
}

// NewContextOptions configures a browser context.
type NewContextOptions struct {
	BaseURL   string
	UserAgent string
	Offline   null.Bool
}

// NewContext creates an isolated browser context.
func (b *Browser) NewContext(ctx context.Context, opts NewContextOptions) (*BrowserContext, error) {
	params := map[string]any{}
	if opts.BaseURL != "" {
		params["baseURL"] = opts.BaseURL
	}
	if opts.UserAgent != "" {
		params["userAgent"] = opts.UserAgent
	}
	if opts.Offline.Valid {
		params["offline"] = opts.Offline.Bool
	}

	res, err := b.owner.Send(ctx, "newContext", params)
	if err != nil {
		return nil, fmt.Errorf("creating browser context: %w", err)
	}
	guid, ok := protocol.GUIDRef(res, "context")
	if !ok {
		return nil, fmt.Errorf("creating browser context: no context in reply")
	}
	bc, err := connection.Get[*BrowserContext](b.owner.Connection(), guid)
	if err != nil {
		return nil, err
	}
	bc.setBrowser(b, opts)

	b.mu.Lock()
	if !slices.Contains(b.contexts, bc) {
		b.contexts = append(b.contexts, bc)
	}
	b.mu.Unlock()

	return bc, nil
}

// NewPage creates a page in a context of its own, which is closed with
// the page.
func (b *Browser) NewPage(ctx context.Context, opts NewContextOptions) (*Page, error) {
	bc, err := b.NewContext(ctx, opts)
	if err != nil {
		return nil, err
	}
	p, err := bc.NewPage(ctx)
	if err != nil {
		_ = bc.Close(ctx)
		return nil, err
	}
	bc.mu.Lock()
	bc.ownerPage = p
	bc.mu.Unlock()
	p.ownedContext = bc

	return p, nil
}

// Close closes the browser and all of its pages.
func (b *Browser) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closing || !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.closing = true
	b.mu.Unlock()

	if _, err := b.owner.Send(ctx, "close", nil); err != nil && !isSafeCloseError(err) {
		return fmt.Errorf("closing browser: %w", err)
	}
	b.didClose()

	return nil
}

// On subscribes fn to a browser event, e.g. EventDisconnected.
func (b *Browser) On(event string, fn func(any)) func() {
	sub := b.on(event, fn)
	return func() { b.owner.Events().Remove(sub) }
}

func (b *Browser) removeContext(bc *BrowserContext) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.contexts = slices.DeleteFunc(b.contexts, func(c *BrowserContext) bool { return c == bc })
}

func (b *Browser) didClose() {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return
	}
	b.connected = false
	b.mu.Unlock()

	b.emit(EventDisconnected, b)
}
