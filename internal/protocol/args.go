package protocol

import (
	"context"
	"encoding/json"
	"time"
)

// Args holds validated tool arguments. Accessors return the zero value when a key is absent or
// holds another type; the schema validator has already enforced types and filled defaults.
type Args map[string]any

func (a Args) String(key string) string {
	s, _ := a[key].(string)
	return s
}

func (a Args) Bool(key string) bool {
	b, _ := a[key].(bool)
	return b
}

func (a Args) Float(key string) float64 {
	switch v := a[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

func (a Args) Int(key string) int {
	switch v := a[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			f, _ := v.Float64()
			return int(f)
		}
		return int(n)
	}
	return int(a.Float(key))
}

// Millis reads an integer number of milliseconds.
func (a Args) Millis(key string) time.Duration {
	return time.Duration(a.Int(key)) * time.Millisecond
}

// Timeout bounds ctx by the milliseconds in key. Zero or a negative value leaves ctx unbounded.
func (a Args) Timeout(ctx context.Context, key string) (context.Context, context.CancelFunc) {
	if d := a.Millis(key); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

func (a Args) Map(key string) map[string]any {
	m, _ := a[key].(map[string]any)
	return m
}

func (a Args) Slice(key string) []any {
	s, _ := a[key].([]any)
	return s
}

// Strings reads a string-valued map, skipping entries that are not strings.
func (a Args) Strings(key string) map[string]string {
	out := make(map[string]string)
	for k, v := range a.Map(key) {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
