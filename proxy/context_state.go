package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Cookie as stored by a browser context. When adding a cookie, either URL
// or Domain and Path must be set.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	URL      string  `json:"url,omitempty"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Geolocation is an emulated position.
type Geolocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// NameValue is a localStorage item.
type NameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// OriginState is the localStorage of an origin.
type OriginState struct {
	Origin       string      `json:"origin"`
	LocalStorage []NameValue `json:"localStorage"`
}

// StorageState is a snapshot of the cookies and localStorage of a
// context.
type StorageState struct {
	Cookies []Cookie      `json:"cookies"`
	Origins []OriginState `json:"origins"`
}

// AddCookies adds cookies to the context.
func (bc *BrowserContext) AddCookies(ctx context.Context, cookies ...Cookie) error {
	if cookies == nil {
		cookies = []Cookie{}
	}
	if _, err := bc.owner.Send(ctx, "addCookies", map[string]any{"cookies": cookies}); err != nil {
		return fmt.Errorf("adding cookies: %w", err)
	}
	return nil
}

// Cookies returns the cookies of the context. With urls, only the cookies
// affecting them are returned.
func (bc *BrowserContext) Cookies(ctx context.Context, urls ...string) ([]Cookie, error) {
	if urls == nil {
		urls = []string{}
	}
	res, err := bc.owner.Send(ctx, "cookies", map[string]any{"urls": urls})
	if err != nil {
		return nil, fmt.Errorf("getting cookies: %w", err)
	}
	var reply struct {
		Cookies []Cookie `json:"cookies"`
	}
	if err := json.Unmarshal(res, &reply); err != nil {
		return nil, fmt.Errorf("decoding cookies: %w", err)
	}
	return reply.Cookies, nil
}

// ClearCookies removes every cookie of the context.
func (bc *BrowserContext) ClearCookies(ctx context.Context) error {
	_, err := bc.owner.Send(ctx, "clearCookies", nil)
	return err
}

// GrantPermissions grants permissions, e.g. "geolocation", to origin, or
// to every origin if it's empty.
func (bc *BrowserContext) GrantPermissions(ctx context.Context, permissions []string, origin string) error {
	if permissions == nil {
		permissions = []string{}
	}
	params := map[string]any{"permissions": permissions}
	if origin != "" {
		params["origin"] = origin
	}
	if _, err := bc.owner.Send(ctx, "grantPermissions", params); err != nil {
		return fmt.Errorf("granting permissions: %w", err)
	}
	return nil
}

// ClearPermissions revokes every granted permission.
func (bc *BrowserContext) ClearPermissions(ctx context.Context) error {
	_, err := bc.owner.Send(ctx, "clearPermissions", nil)
	return err
}

// SetGeolocation emulates a position. A nil geolocation emulates an
// unavailable position.
func (bc *BrowserContext) SetGeolocation(ctx context.Context, geolocation *Geolocation) error {
	params := map[string]any{}
	if geolocation != nil {
		params["geolocation"] = geolocation
	}
	_, err := bc.owner.Send(ctx, "setGeolocation", params)
	return err
}

// SetExtraHTTPHeaders adds headers to every request of the context.
func (bc *BrowserContext) SetExtraHTTPHeaders(ctx context.Context, headers map[string]string) error {
	_, err := bc.owner.Send(ctx, "setExtraHTTPHeaders", map[string]any{"headers": headersArray(headers)})
	return err
}

// AddInitScript evaluates script in every page of the context before any
// of the page's scripts. A function is called without arguments.
func (bc *BrowserContext) AddInitScript(ctx context.Context, script string) error {
	if isFunctionBody(script) {
		script = "(" + script + ")()"
	}
	_, err := bc.owner.Send(ctx, "addInitScript", map[string]string{"source": script})
	return err
}

// StorageState returns the cookies and localStorage of the context.
func (bc *BrowserContext) StorageState(ctx context.Context) (*StorageState, error) {
	res, err := bc.owner.Send(ctx, "storageState", nil)
	if err != nil {
		return nil, fmt.Errorf("getting storage state: %w", err)
	}
	var st StorageState
	if err := json.Unmarshal(res, &st); err != nil {
		return nil, fmt.Errorf("decoding storage state: %w", err)
	}
	return &st, nil
}

func isFunctionBody(script string) bool {
	s := strings.TrimSpace(script)
	return strings.HasPrefix(s, "function") || strings.HasPrefix(s, "async ") || strings.Contains(s, "=>")
}
