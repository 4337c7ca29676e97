package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/pwclient/connection"
	"github.com/liuxd6825/pwclient/protocol"
	"github.com/liuxd6825/pwclient/wait"
)

// Frame is a document of a page, the main one or an iframe.
type Frame struct {
	base
	name string

	mu  sync.Mutex
	url string
}

func newFrame(o *connection.ChannelOwner) (connection.Object, error) {
	f := &Frame{
		base: base{owner: o},
		name: protocol.String(o.Initializer(), "name"),
		url:  protocol.String(o.Initializer(), "url"),
	}
	o.Handle("navigated", func(params []byte) error {
		f.mu.Lock()
		f.url = protocol.String(params, "url")
		f.mu.Unlock()
		f.emit("navigated", f.URL())
		return nil
	})

	return f, nil
}

// Name returns the frame's name attribute.
func (f *Frame) Name() string { return f.name }

// URL returns the URL of the frame's document.
func (f *Frame) URL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url
}

// Page returns the page of the frame, if it's still known.
func (f *Frame) Page() *Page {
	for o := f.owner.Parent(); o != nil; o = o.Parent() {
		if p, ok := o.Object().(*Page); ok {
			return p
		}
	}
	return nil
}

func (f *Frame) timeouts() *wait.TimeoutSettings {
	if p := f.Page(); p != nil {
		return p.timeouts
	}
	return nil
}

// Goto navigates the frame to url. The engine bounds the navigation by the
// effective navigation timeout.
func (f *Frame) Goto(ctx context.Context, url string, opts GotoOptions) error {
	params := map[string]any{
		"url":     url,
		"timeout": f.timeouts().NavigationTimeout(opts.Timeout).Milliseconds(),
	}
	if opts.WaitUntil != "" {
		params["waitUntil"] = opts.WaitUntil
	}
	if opts.Referer != "" {
		params["referer"] = opts.Referer
	}

	w := connection.Watch(f.owner, f.owner.SendAsync(ctx, "goto", params))
	if _, err := w.Get(ctx); err != nil {
		return fmt.Errorf("navigating frame to %q: %w", url, err)
	}

	return nil
}

// WaitForSelectorOptions configures WaitForSelector.
type WaitForSelectorOptions struct {
	// State is one of "attached", "detached", "visible" or "hidden".
	State string
	// Timeout in milliseconds, 0 disables it.
	Timeout null.Int
}

// WaitForSelector waits until an element matching selector reaches the
// requested state. It returns nil when waiting for the element to go away.
func (f *Frame) WaitForSelector(ctx context.Context, selector string, opts WaitForSelectorOptions) (*ElementHandle, error) {
	params := map[string]any{
		"selector": selector,
		"timeout":  f.timeouts().Timeout(opts.Timeout).Milliseconds(),
	}
	if opts.State != "" {
		params["state"] = opts.State
	}

	w := wait.Map(connection.Watch(f.owner, f.owner.SendAsync(ctx, "waitForSelector", params)),
		func(res json.RawMessage) (*ElementHandle, error) {
			guid, ok := protocol.GUIDRef(res, "element")
			if !ok {
				return nil, nil
			}
			return connection.Get[*ElementHandle](f.owner.Connection(), guid)
		})

	eh, err := w.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("waiting for selector %q: %w", selector, err)
	}
	return eh, nil
}

// ElementHandle references a DOM element.
type ElementHandle struct {
	base
}

func newElementHandle(o *connection.ChannelOwner) (connection.Object, error) {
	return &ElementHandle{base{owner: o}}, nil
}

// Click clicks the element. timeout is in milliseconds, 0 disables it.
func (eh *ElementHandle) Click(ctx context.Context, timeout null.Int) error {
	var timeouts *wait.TimeoutSettings
	if f, ok := eh.owner.Parent().Object().(*Frame); ok {
		timeouts = f.timeouts()
	}
	w := connection.Watch(eh.owner, eh.owner.SendAsync(ctx, "click", map[string]any{
		"timeout": timeouts.Timeout(timeout).Milliseconds(),
	}))
	_, err := w.Get(ctx)
	return err
}

// TextContent returns the text content of the element.
func (eh *ElementHandle) TextContent(ctx context.Context) (string, error) {
	res, err := connection.Watch(eh.owner, eh.owner.SendAsync(ctx, "textContent", nil)).Get(ctx)
	if err != nil {
		return "", err
	}
	return protocol.String(res, "value"), nil
}
