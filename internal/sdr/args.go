package sdr

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Args is the flat key/value configuration supplied when a device is opened.
// Keys a backend does not recognize are ignored.
type Args map[string]string

// ParseArgs splits "key=value,key2='quoted, value' flag" into Args. Commas and
// spaces outside quotes separate entries, a bare key maps to the empty string
// and surrounding single or double quotes are removed.
func ParseArgs(s string) Args {
	out := Args{}
	for _, tok := range splitArgs(s) {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		key, value, _ := strings.Cut(tok, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = unquote(strings.TrimSpace(value))
	}
	return out
}

func splitArgs(s string) []string {
	var (
		parts []string
		cur   strings.Builder
		quote rune
	)
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			cur.WriteRune(r)
		case r == '\'' || r == '"':
			quote = r
			cur.WriteRune(r)
		case r == ',' || r == ' ':
			if cur.Len() > 0 {
				parts = append(parts, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '\'' && v[len(v)-1] == '\'') || (v[0] == '"' && v[len(v)-1] == '"') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// Has reports whether key was supplied, even with an empty value.
func (a Args) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// String returns the value for key or "".
func (a Args) String(key string) string { return a[key] }

// Int parses key as a base-10 integer, returning def when absent.
func (a Args) Int(key string, def int) (int, error) {
	v, ok := a[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("arg %s=%q: %w", key, v, err)
	}
	return n, nil
}

// Float parses key as a float, returning def when absent.
func (a Args) Float(key string, def float64) (float64, error) {
	v, ok := a[key]
	if !ok || v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("arg %s=%q: %w", key, v, err)
	}
	return f, nil
}

// Encode renders the args in the canonical comma separated form with keys sorted.
func (a Args) Encode() string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := a[k]
		if strings.ContainsAny(v, ", ") {
			v = "'" + v + "'"
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}
