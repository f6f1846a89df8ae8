package uws

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParamType is the declared type of a job parameter.
type ParamType string

const (
	ParamString    ParamType = "string"
	ParamInt       ParamType = "int"
	ParamFloat     ParamType = "float"
	ParamBool      ParamType = "bool"
	ParamTimestamp ParamType = "timestamp"
	ParamJSON      ParamType = "json"
)

// ValidParamType reports whether t is a supported parameter type.
func ValidParamType(t ParamType) bool {
	switch t {
	case ParamString, ParamInt, ParamFloat, ParamBool, ParamTimestamp, ParamJSON:
		return true
	}
	return false
}

// paramWireVersion tags encoded parameter values. Values written by hand
// without the tag decode as plain strings.
const paramWireVersion = "v1"

// Codec applies per-name serialization rules to job parameters.
//
// Parameter names are case-insensitive; the codec lowercases them on every
// call, and stores should persist them lowercased. Names without a declared
// type pass through as strings, so services can accept parameters they did
// not anticipate.
//
// The wire form is "v1:<type>:<text>" with the payload text canonicalized
// per type (base-10 integers, RFC 3339 UTC timestamps, compact JSON). The
// version prefix keeps old rows readable if the encoding ever changes; no
// general-purpose deserializer is involved.
type Codec struct {
	types map[string]ParamType
}

// NewCodec builds a codec from declared parameter types, keyed by name.
// Keys are lowercased. Undeclared types default to string at use time.
func NewCodec(types map[string]ParamType) (*Codec, error) {
	m := make(map[string]ParamType, len(types))
	for name, t := range types {
		if !ValidParamType(t) {
			return nil, fmt.Errorf("parameter %q: unknown type %q", name, t)
		}
		m[strings.ToLower(name)] = t
	}
	return &Codec{types: m}, nil
}

// Type returns the declared type for name, or ParamString when undeclared.
func (c *Codec) Type(name string) ParamType {
	if t, ok := c.types[strings.ToLower(name)]; ok {
		return t
	}
	return ParamString
}

// Declared reports whether name has an explicitly declared type.
func (c *Codec) Declared(name string) bool {
	_, ok := c.types[strings.ToLower(name)]
	return ok
}

// Encode validates text against the declared type for name and returns the
// canonical wire form.
func (c *Codec) Encode(name, text string) (string, error) {
	t := c.Type(name)
	canonical, err := canonicalize(t, text)
	if err != nil {
		return "", &JobError{Op: "Encode", Err: fmt.Errorf("%w: parameter %q: %v", ErrParameterInvalid, strings.ToLower(name), err)}
	}
	return paramWireVersion + ":" + string(t) + ":" + canonical, nil
}

// EncodeAll encodes every entry of params, returning a new map keyed by
// lowercased names.
func (c *Codec) EncodeAll(params map[string]string) (map[string]string, error) {
	if len(params) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(params))
	for name, text := range params {
		wire, err := c.Encode(name, text)
		if err != nil {
			return nil, err
		}
		out[strings.ToLower(name)] = wire
	}
	return out, nil
}

// Decode parses a wire value into its typed Go form: string, int64,
// float64, bool, time.Time (UTC), or json.RawMessage.
//
// Undeclared names decode to the payload text as a plain string, whatever
// the tag says. Declared names whose tag disagrees with the declared type
// fail with ErrParameterInvalid. Untagged values are parsed against the
// declared type, so rows written by hand stay readable.
func (c *Codec) Decode(name, wire string) (any, error) {
	lname := strings.ToLower(name)
	tag, text := splitWire(wire)

	if !c.Declared(lname) {
		return text, nil
	}

	t := c.types[lname]
	if tag != "" && tag != string(t) {
		return nil, &JobError{Op: "Decode", Err: fmt.Errorf("%w: parameter %q: encoded as %s, declared %s", ErrParameterInvalid, lname, tag, t)}
	}

	v, err := parseTyped(t, text)
	if err != nil {
		return nil, &JobError{Op: "Decode", Err: fmt.Errorf("%w: parameter %q: %v", ErrParameterInvalid, lname, err)}
	}
	return v, nil
}

// DecodeText returns the payload text of a wire value without typing it.
// Used by listing and wire-facing paths that only display values.
func (c *Codec) DecodeText(wire string) string {
	_, text := splitWire(wire)
	return text
}

// splitWire separates an encoded value into its type tag and payload text.
// Values without a recognized version prefix are treated as bare text.
func splitWire(wire string) (tag, text string) {
	parts := strings.SplitN(wire, ":", 3)
	if len(parts) == 3 && parts[0] == paramWireVersion && ValidParamType(ParamType(parts[1])) {
		return parts[1], parts[2]
	}
	return "", wire
}

func canonicalize(t ParamType, text string) (string, error) {
	switch t {
	case ParamString:
		return text, nil
	case ParamInt:
		v, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
		if err != nil {
			return "", fmt.Errorf("not an integer: %q", text)
		}
		return strconv.FormatInt(v, 10), nil
	case ParamFloat:
		v, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return "", fmt.Errorf("not a float: %q", text)
		}
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case ParamBool:
		v, err := strconv.ParseBool(strings.TrimSpace(text))
		if err != nil {
			return "", fmt.Errorf("not a bool: %q", text)
		}
		return strconv.FormatBool(v), nil
	case ParamTimestamp:
		v, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(text))
		if err != nil {
			return "", fmt.Errorf("not an RFC 3339 timestamp: %q", text)
		}
		return v.UTC().Format(time.RFC3339Nano), nil
	case ParamJSON:
		var buf bytes.Buffer
		if err := json.Compact(&buf, []byte(text)); err != nil {
			return "", fmt.Errorf("not valid JSON: %v", err)
		}
		return buf.String(), nil
	}
	return "", fmt.Errorf("unknown type %q", t)
}

func parseTyped(t ParamType, text string) (any, error) {
	switch t {
	case ParamString:
		return text, nil
	case ParamInt:
		return strconv.ParseInt(strings.TrimSpace(text), 10, 64)
	case ParamFloat:
		return strconv.ParseFloat(strings.TrimSpace(text), 64)
	case ParamBool:
		return strconv.ParseBool(strings.TrimSpace(text))
	case ParamTimestamp:
		v, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(text))
		if err != nil {
			return nil, err
		}
		return v.UTC(), nil
	case ParamJSON:
		if !json.Valid([]byte(text)) {
			return nil, fmt.Errorf("invalid JSON payload")
		}
		return json.RawMessage(text), nil
	}
	return nil, fmt.Errorf("unknown type %q", t)
}
