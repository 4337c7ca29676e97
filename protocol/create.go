package protocol

import (
	"fmt"

	"github.com/mailru/easyjson"
	"github.com/tidwall/gjson"
)

// Create describes a remote object announced by a __create__ event.
type Create struct {
	ParentGUID  string
	Type        string
	GUID        string
	Initializer easyjson.RawMessage
}

// ParseCreate reads the params of a __create__ event sent on parentGUID.
// An explicit parentGuid in the params takes precedence over the event's
// guid.
func ParseCreate(parentGUID string, params []byte) (*Create, error) {
	if !gjson.ValidBytes(params) {
		return nil, fmt.Errorf("%s: params are not valid JSON", MethodCreate)
	}
	res := gjson.GetManyBytes(params, "type", "guid", "parentGuid", "initializer")
	typ, guid, parent, init := res[0], res[1], res[2], res[3]

	if typ.Type != gjson.String || typ.Str == "" {
		return nil, fmt.Errorf("%s: missing object type", MethodCreate)
	}
	if guid.Type != gjson.String || guid.Str == "" {
		return nil, fmt.Errorf("%s: missing guid for %s", MethodCreate, typ.Str)
	}
	if parent.Type == gjson.String {
		parentGUID = parent.Str
	}

	c := &Create{
		ParentGUID:  parentGUID,
		Type:        typ.Str,
		GUID:        guid.Str,
		Initializer: easyjson.RawMessage("{}"),
	}
	if init.Exists() && init.Type != gjson.Null {
		c.Initializer = easyjson.RawMessage(init.Raw)
	}

	return c, nil
}

// GUIDRef returns the guid of the object referenced at path, i.e. the
// "guid" member of {"<path>": {"guid": "..."}}. It returns false when no
// such reference exists.
func GUIDRef(data []byte, path string) (string, bool) {
	r := gjson.GetBytes(data, path+".guid")
	if r.Type != gjson.String || r.Str == "" {
		return "", false
	}
	return r.Str, true
}

// GUIDRefs returns the guids of an array of references at path.
func GUIDRefs(data []byte, path string) []string {
	var guids []string
	gjson.GetBytes(data, path).ForEach(func(_, v gjson.Result) bool {
		if g := v.Get("guid"); g.Type == gjson.String && g.Str != "" {
			guids = append(guids, g.Str)
		}
		return true
	})
	return guids
}

// String returns the string at path, or "" if there is none.
func String(data []byte, path string) string {
	return gjson.GetBytes(data, path).String()
}
