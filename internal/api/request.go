package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"sort"
	"strconv"
	"strings"
)

// MaxMessageSize is the largest message a single read will accept.
const MaxMessageSize = 0xFFFF

const (
	envelopeRequest  = "request"
	envelopeResponse = "response"
)

// Request is one API call. It is not modified after construction.
type Request struct {
	Kind  string
	Block bool
	data  map[string]any
}

// requestEnvelope is the wire shape of a Request.
type requestEnvelope struct {
	Type    string         `json:"type"`
	Request string         `json:"request"`
	Block   bool           `json:"block,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// NewRequest constructs a request programmatically. fields is copied.
func NewRequest(kind string, fields map[string]any) Request {
	return Request{
		Kind: strings.TrimSpace(kind),
		data: maps.Clone(fields),
	}
}

// WithBlock returns a copy of r with the block flag set.
func (r Request) WithBlock(block bool) Request {
	r.Block = block
	return r
}

// ParseRequest decodes the generic request envelope.
func ParseRequest(raw []byte) (Request, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var env requestEnvelope
	if err := dec.Decode(&env); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	// One read carries one envelope; anything after it is malformed.
	if err := dec.Decode(new(json.RawMessage)); !errors.Is(err, io.EOF) {
		return Request{}, fmt.Errorf("%w: trailing data after envelope", ErrInvalidRequest)
	}
	if env.Type != "" && env.Type != envelopeRequest {
		return Request{}, fmt.Errorf("%w: unexpected type %q", ErrInvalidRequest, env.Type)
	}
	kind := strings.TrimSpace(env.Request)
	if kind == "" {
		return Request{}, fmt.Errorf("%w: missing request kind", ErrInvalidRequest)
	}
	return Request{Kind: kind, Block: env.Block, data: env.Data}, nil
}

// Encode serialises r into its wire form.
func (r Request) Encode() ([]byte, error) {
	return json.Marshal(requestEnvelope{
		Type:    envelopeRequest,
		Request: r.Kind,
		Block:   r.Block,
		Data:    r.data,
	})
}

func (r Request) String() string {
	raw, err := r.Encode()
	if err != nil {
		return fmt.Sprintf("request(%s)", r.Kind)
	}
	return string(raw)
}

// Fields returns a copy of the named fields.
func (r Request) Fields() map[string]any {
	return maps.Clone(r.data)
}

// FieldNames returns the sorted field names.
func (r Request) FieldNames() []string {
	names := make([]string, 0, len(r.data))
	for name := range r.data {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether field is present and non-null.
func (r Request) Has(field string) bool {
	v, ok := r.data[field]
	return ok && v != nil
}

// Value returns the raw field value.
func (r Request) Value(field string) (any, bool) {
	v, ok := r.data[field]
	return v, ok && v != nil
}

// Str returns field rendered as a string.
func (r Request) Str(field string) (string, bool) {
	v, ok := r.Value(field)
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case json.Number:
		return s.String(), true
	default:
		return fmt.Sprint(v), true
	}
}

// Int returns field as an int64. Strings are parsed with base prefix detection,
// so "0x1000" is accepted.
func (r Request) Int(field string) (int64, bool, error) {
	v, ok := r.Value(field)
	if !ok {
		return 0, false, nil
	}
	switch n := v.(type) {
	case json.Number:
		i, err := strconv.ParseInt(n.String(), 0, 64)
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, true, fmt.Errorf("field %q: %w", field, err)
			}
			return int64(f), true, nil
		}
		return i, true, nil
	case float64:
		return int64(n), true, nil
	case int:
		return int64(n), true, nil
	case int64:
		return n, true, nil
	case uint64:
		return int64(n), true, nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 0, 64)
		if err != nil {
			return 0, true, fmt.Errorf("field %q: %w", field, err)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("field %q: unsupported type %T", field, v)
	}
}

// Uint returns field as a uint64, for addresses.
func (r Request) Uint(field string) (uint64, bool, error) {
	v, ok := r.Value(field)
	if !ok {
		return 0, false, nil
	}
	var raw string
	switch n := v.(type) {
	case json.Number:
		raw = n.String()
	case string:
		raw = strings.TrimSpace(n)
	case uint64:
		return n, true, nil
	case int:
		raw = strconv.Itoa(n)
	case int64:
		raw = strconv.FormatInt(n, 10)
	case float64:
		return uint64(n), true, nil
	default:
		return 0, true, fmt.Errorf("field %q: unsupported type %T", field, v)
	}
	u, err := strconv.ParseUint(raw, 0, 64)
	if err != nil {
		return 0, true, fmt.Errorf("field %q: %w", field, err)
	}
	return u, true, nil
}

func (r Request) Bool(field string) (bool, bool) {
	v, ok := r.Value(field)
	if !ok {
		return false, false
	}
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		return parsed, err == nil
	default:
		return false, false
	}
}

// Strings returns field as a string list. A single string is split on commas.
func (r Request) Strings(field string) ([]string, bool) {
	v, ok := r.Value(field)
	if !ok {
		return nil, false
	}
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...), true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, fmt.Sprint(item))
		}
		return out, true
	case string:
		out := make([]string, 0)
		for _, part := range strings.Split(list, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out, true
	default:
		return nil, false
	}
}

// RequireFields returns a *MissingFieldError for the first absent field.
func RequireFields(r Request, fields ...string) error {
	for _, field := range fields {
		if !r.Has(field) {
			return &MissingFieldError{Field: field}
		}
	}
	return nil
}
