package gateway

import (
	"net/url"
	"strings"
)

// params builds a URL-encoded query preserving insertion order. The venue
// signature covers the exact byte sequence sent on the wire, so the usual
// url.Values (which sorts keys on Encode) cannot be used here.
type params struct {
	keys   []string
	values map[string]string
}

func newParams() *params {
	return &params{values: make(map[string]string)}
}

// Set appends the pair, or overwrites in place keeping the original slot.
func (p *params) Set(key, value string) *params {
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
	return p
}

// Encode renders the query in insertion order with standard escaping.
func (p *params) Encode() string {
	var b strings.Builder
	for i, k := range p.keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.values[k]))
	}
	return b.String()
}

func (p *params) Len() int { return len(p.keys) }
