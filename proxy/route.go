package proxy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/liuxd6825/pwclient/connection"
	"github.com/liuxd6825/pwclient/protocol"
)

var errRouteHandled = errors.New("route is already handled")

// Request is a network request issued by a page.
type Request struct {
	base
	url    string
	method string
}

func newRequest(o *connection.ChannelOwner) (connection.Object, error) {
	return &Request{
		base:   base{owner: o},
		url:    protocol.String(o.Initializer(), "url"),
		method: protocol.String(o.Initializer(), "method"),
	}, nil
}

// URL returns the request URL.
func (r *Request) URL() string { return r.url }

// Method returns the HTTP method.
func (r *Request) Method() string { return r.method }

// Route is an intercepted request waiting to be continued, aborted or
// fulfilled. It can be handled once.
type Route struct {
	base
	request *Request
	url     string
	handled atomic.Bool
}

func newRoute(o *connection.ChannelOwner) (connection.Object, error) {
	guid, ok := protocol.GUIDRef(o.Initializer(), "request")
	if !ok {
		return nil, errors.New("route without a request")
	}
	req, err := connection.Get[*Request](o.Connection(), guid)
	if err != nil {
		return nil, fmt.Errorf("route request: %w", err)
	}
	return &Route{base: base{owner: o}, request: req, url: req.URL()}, nil
}

// Request returns the intercepted request.
func (r *Route) Request() *Request { return r.request }

// URL returns the URL of the intercepted request.
func (r *Route) URL() string { return r.url }

// ContinueOptions overrides parts of a continued request.
type ContinueOptions struct {
	URL      string
	Method   string
	Headers  map[string]string
	PostData []byte
}

// Continue sends the request to the network, optionally modified.
func (r *Route) Continue(ctx context.Context, opts ContinueOptions) error {
	if err := r.startHandling(); err != nil {
		return err
	}
	params := map[string]any{}
	if opts.URL != "" {
		params["url"] = opts.URL
	}
	if opts.Method != "" {
		params["method"] = opts.Method
	}
	if opts.Headers != nil {
		params["headers"] = headersArray(opts.Headers)
	}
	if opts.PostData != nil {
		params["postData"] = base64.StdEncoding.EncodeToString(opts.PostData)
	}

	_, err := r.owner.Send(ctx, "continue", params)
	return err
}

// Abort fails the request with errorCode, "failed" if empty.
func (r *Route) Abort(ctx context.Context, errorCode string) error {
	if err := r.startHandling(); err != nil {
		return err
	}
	if errorCode == "" {
		errorCode = "failed"
	}
	_, err := r.owner.Send(ctx, "abort", map[string]string{"errorCode": errorCode})
	return err
}

// FulfillOptions describes the response of a fulfilled request.
type FulfillOptions struct {
	Status      int
	Headers     map[string]string
	ContentType string
	Body        []byte
}

// Fulfill answers the request without sending it to the network.
func (r *Route) Fulfill(ctx context.Context, opts FulfillOptions) error {
	if err := r.startHandling(); err != nil {
		return err
	}
	if opts.Status == 0 {
		opts.Status = 200
	}
	headers := make(map[string]string, len(opts.Headers)+1)
	for k, v := range opts.Headers {
		headers[k] = v
	}
	if opts.ContentType != "" {
		headers["content-type"] = opts.ContentType
	}

	_, err := r.owner.Send(ctx, "fulfill", map[string]any{
		"status":   opts.Status,
		"headers":  headersArray(headers),
		"body":     base64.StdEncoding.EncodeToString(opts.Body),
		"isBase64": true,
	})
	return err
}

func (r *Route) startHandling() error {
	if !r.handled.CompareAndSwap(false, true) {
		return errRouteHandled
	}
	return nil
}

type header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func headersArray(h map[string]string) []header {
	arr := make([]header, 0, len(h))
	for k, v := range h {
		arr = append(arr, header{Name: k, Value: v})
	}
	return arr
}
