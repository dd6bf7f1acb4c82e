package signer

import (
	"bytes"
	"encoding/json"
	"strings"
)

// HeaderPair is one request header.
type HeaderPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SerializeHeaders renders pairs as alternating name and value lines
// separated by CRLF, with no trailing separator.
func SerializeHeaders(pairs []HeaderPair) string {
	var sb strings.Builder
	for i, p := range pairs {
		if i > 0 {
			sb.WriteString("\r\n")
		}
		sb.WriteString(p.Name)
		sb.WriteString("\r\n")
		sb.WriteString(p.Value)
	}
	return sb.String()
}

// HeaderMap is an insertion-ordered header map. Setting an existing name
// overwrites its value but keeps its position.
type HeaderMap struct {
	keys   []string
	values map[string]string
}

// NewHeaderMap returns an empty map.
func NewHeaderMap() *HeaderMap {
	return &HeaderMap{values: make(map[string]string)}
}

// Set stores value under name.
func (h *HeaderMap) Set(name, value string) {
	if _, ok := h.values[name]; !ok {
		h.keys = append(h.keys, name)
	}
	h.values[name] = value
}

// Get returns the value stored under name.
func (h *HeaderMap) Get(name string) (string, bool) {
	v, ok := h.values[name]
	return v, ok
}

// Delete removes name.
func (h *HeaderMap) Delete(name string) {
	if _, ok := h.values[name]; !ok {
		return
	}
	delete(h.values, name)
	for i, k := range h.keys {
		if k == name {
			h.keys = append(h.keys[:i], h.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the names in insertion order.
func (h *HeaderMap) Keys() []string {
	return append([]string(nil), h.keys...)
}

// Len returns the number of headers.
func (h *HeaderMap) Len() int { return len(h.keys) }

// Map returns an unordered copy.
func (h *HeaderMap) Map() map[string]string {
	out := make(map[string]string, len(h.values))
	for k, v := range h.values {
		out[k] = v
	}
	return out
}

// Pairs returns the headers in insertion order.
func (h *HeaderMap) Pairs() []HeaderPair {
	out := make([]HeaderPair, 0, len(h.keys))
	for _, k := range h.keys {
		out = append(out, HeaderPair{Name: k, Value: h.values[k]})
	}
	return out
}

// MarshalJSON writes the headers as a JSON object in insertion order.
func (h *HeaderMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range h.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(h.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ParseSignature splits the module's result into alternating name and value
// lines. Surrounding whitespace is trimmed, a dangling name without a value
// is dropped, and duplicates overwrite.
func ParseSignature(raw string) *HeaderMap {
	h := NewHeaderMap()
	lines := strings.Split(raw, "\n")
	for i := 0; i+1 < len(lines); i += 2 {
		name := strings.TrimSpace(lines[i])
		if name == "" {
			continue
		}
		h.Set(name, strings.TrimSpace(lines[i+1]))
	}
	return h
}
