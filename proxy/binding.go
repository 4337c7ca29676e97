package proxy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/liuxd6825/pwclient/connection"
	"github.com/liuxd6825/pwclient/protocol"
)

// BindingSource tells a binding where it was called from.
type BindingSource struct {
	Context *BrowserContext
	Page    *Page
	Frame   *Frame
}

// BindingFunc implements a function exposed to pages. Its arguments are
// the JSON values the page passed.
type BindingFunc func(source *BindingSource, args ...any) (any, error)

// BindingCall is a single call of an exposed function by a page.
type BindingCall struct {
	base
	name      string
	frameGUID string
}

func newBindingCall(o *connection.ChannelOwner) (connection.Object, error) {
	bc := &BindingCall{
		base: base{owner: o},
		name: protocol.String(o.Initializer(), "name"),
	}
	bc.frameGUID, _ = protocol.GUIDRef(o.Initializer(), "frame")
	return bc, nil
}

// Name returns the name of the called binding.
func (bc *BindingCall) Name() string { return bc.name }

// Args returns the call arguments.
func (bc *BindingCall) Args() []any {
	var args []any
	gjson.GetBytes(bc.owner.Initializer(), "args").ForEach(func(_, v gjson.Result) bool {
		args = append(args, v.Value())
		return true
	})
	return args
}

func (bc *BindingCall) source() *BindingSource {
	src := &BindingSource{}
	if f, err := connection.Get[*Frame](bc.owner.Connection(), bc.frameGUID); err == nil {
		src.Frame = f
		src.Page = f.Page()
		if src.Page != nil {
			src.Context = src.Page.Context()
		}
	}
	return src
}

// call runs fn and reports its outcome to the page.
func (bc *BindingCall) call(fn BindingFunc) {
	ctx := context.Background()

	result, err := bc.invoke(fn)
	if err != nil {
		_, serr := bc.owner.Send(ctx, "reject", map[string]any{
			"error": map[string]string{"message": err.Error(), "name": "Error"},
		})
		if serr != nil && !isSafeCloseError(serr) {
			bc.logger().Warnf("proxy:binding", "rejecting %s: %v", bc.name, serr)
		}
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		raw = []byte("null")
	}
	if _, err := bc.owner.Send(ctx, "resolve", map[string]any{"result": json.RawMessage(raw)}); err != nil && !isSafeCloseError(err) {
		bc.logger().Warnf("proxy:binding", "resolving %s: %v", bc.name, err)
	}
}

func (bc *BindingCall) invoke(fn BindingFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("binding %s panicked: %v", bc.name, r)
		}
	}()
	return fn(bc.source(), bc.Args()...)
}
