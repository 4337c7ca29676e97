// Package proxy implements the typed API over the remote objects of the
// automation engine: browsers, contexts, pages and their frames, and the
// routes and bindings through which the engine calls back into the client.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/pwclient/connection"
	"github.com/liuxd6825/pwclient/listener"
	"github.com/liuxd6825/pwclient/log"
	"github.com/liuxd6825/pwclient/transport"
	"github.com/liuxd6825/pwclient/wait"
)

// Events emitted by the proxies.
const (
	EventBindingCall  = "bindingCall"
	EventClose        = "close"
	EventDisconnected = "disconnected"
	EventPage         = "page"
	EventRoute        = "route"
)

// SDKLanguage is reported to the engine during the handshake.
const SDKLanguage = "go"

// Factories returns the proxy factories of every supported remote type.
func Factories() map[string]connection.Factory {
	return map[string]connection.Factory{
		"Playwright":     newPlaywright,
		"BrowserType":    newBrowserType,
		"Browser":        newBrowser,
		"BrowserContext": newBrowserContext,
		"Page":           newPage,
		"Frame":          newFrame,
		"Route":          newRoute,
		"Request":        newRequest,
		"BindingCall":    newBindingCall,
		"ElementHandle":  newElementHandle,
	}
}

// Connect performs the handshake over t and returns the root object.
func Connect(ctx context.Context, t transport.Transport, logger *log.Logger, opts ...connection.Option) (*Playwright, error) {
	opts = append([]connection.Option{
		connection.WithLogger(logger),
		connection.WithFactories(Factories()),
	}, opts...)
	c := connection.New(t, opts...)
	c.Start()

	o, err := c.Initialize(ctx, SDKLanguage)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	pw, ok := o.Object().(*Playwright)
	if !ok {
		_ = c.Close()
		return nil, fmt.Errorf("handshake returned a %s", o.Type())
	}

	return pw, nil
}

// base is embedded by every proxy.
type base struct {
	owner *connection.ChannelOwner
}

func (b *base) Owner() *connection.ChannelOwner { return b.owner }

func (b *base) logger() *log.Logger { return b.owner.Connection().Logger() }

// on subscribes fn to event. fn runs on the connection's callback
// goroutine, so it may call back into the API.
func (b *base) on(event string, fn func(any)) *listener.Subscription {
	c := b.owner.Connection()
	return b.owner.Events().Add(event, func(ev listener.Event) {
		c.Schedule(func() { fn(ev.Data) })
	})
}

func (b *base) emit(event string, data any) {
	if err := b.owner.Events().Notify(event, data); err != nil {
		b.logger().Warnf("proxy:emit", "%s %s: %v", b.owner.Type(), event, err)
	}
}

// waitForEvent races the first event accepted by predicate against the
// effective timeout. It fails with a *connection.DetachedError if the
// object goes away first.
func waitForEvent[T any](
	ctx context.Context, b *base, settings *wait.TimeoutSettings,
	event string, predicate func(T) bool, timeout null.Int,
) (T, error) {
	ev := connection.Watch(b.owner, wait.ForEvent(b.owner.Events(), event, predicate))
	members := []*wait.Waitable[T]{ev, wait.TimeoutFor[T](settings, timeout)}
	if event != EventClose {
		members = append(members, closedWaitable[T](b))
	}

	return wait.Race(members...).Get(ctx)
}

var errTargetClosed = errors.New("target closed")

// closedWaitable fails once the object emits close.
func closedWaitable[T any](b *base) *wait.Waitable[T] {
	closed := wait.ForEvent[any](b.owner.Events(), EventClose, nil)
	return wait.Map(closed, func(any) (T, error) {
		var zero T
		return zero, fmt.Errorf("%s: %w", strings.ToLower(b.owner.Type()), errTargetClosed)
	})
}

// isSafeCloseError reports whether err only says the target is already
// gone, which closing it again can ignore.
func isSafeCloseError(err error) bool {
	if err == nil {
		return false
	}
	var (
		derr *connection.DisconnectedError
		terr *connection.DetachedError
	)
	if errors.As(err, &derr) || errors.As(err, &terr) || errors.Is(err, errTargetClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Browser has been closed") ||
		strings.Contains(msg, "Target page, context or browser has been closed") ||
		strings.HasSuffix(msg, "Target closed")
}
