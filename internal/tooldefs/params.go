package tooldefs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Param is a single tool parameter as submitted by the caller.
type Param struct {
	Key   string
	Value any
}

// Params preserves the order parameters were submitted in. Positional
// arguments are emitted in this order, so it must survive JSON decoding;
// a plain map would shuffle keys.
type Params []Param

// ParamsFromJSON decodes a JSON object into an ordered parameter list.
// Numbers keep their literal representation so they stringify exactly as
// typed. A missing or null body decodes to an empty list.
func ParamsFromJSON(raw []byte) (Params, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	if tok == nil {
		return nil, nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("parameters must be a JSON object")
	}

	var params Params
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decode parameters: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, errors.New("parameters must be a JSON object")
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("decode parameter %q: %w", key, err)
		}
		params = append(params, Param{Key: key, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	return params, nil
}

// Get returns the value for key and whether it was present.
func (p Params) Get(key string) (any, bool) {
	for _, entry := range p {
		if entry.Key == key {
			return entry.Value, true
		}
	}
	return nil, false
}

// String returns the stringified value for key, or "" when absent.
func (p Params) String(key string) string {
	v, ok := p.Get(key)
	if !ok || v == nil {
		return ""
	}
	return stringify(v)
}

// Map flattens the list into a plain map, dropping order. Used where only
// key lookup matters, such as target extraction.
func (p Params) Map() map[string]any {
	m := make(map[string]any, len(p))
	for _, entry := range p {
		m[entry.Key] = entry.Value
	}
	return m
}

// Transform applies fn to every value in place and returns p. Used to
// detokenize credentials immediately before a subprocess is built.
func (p Params) Transform(fn func(any) any) Params {
	for i := range p {
		p[i].Value = fn(p[i].Value)
	}
	return p
}

// MarshalJSON renders the parameters as a JSON object in submission order.
func (p Params) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, entry := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(entry.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(entry.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object preserving key order.
func (p *Params) UnmarshalJSON(raw []byte) error {
	parsed, err := ParamsFromJSON(raw)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
