package contracts

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Document is a schemaless stored entity.
type Document map[string]any

// Get resolves a dotted path such as "metadata.wiqid".
func (d Document) Get(path string) (any, bool) {
	var cur any = map[string]any(d)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set assigns a value at a dotted path, creating intermediate objects.
func (d Document) Set(path string, v any) {
	parts := strings.Split(path, ".")
	cur := map[string]any(d)
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(cur[part])
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

// String returns the string at path or "".
func (d Document) String(path string) string {
	v, _ := d.Get(path)
	s, _ := v.(string)
	return s
}

// Int returns the numeric value at path truncated to int.
func (d Document) Int(path string) (int, bool) {
	v, ok := d.Get(path)
	if !ok {
		return 0, false
	}
	f, ok := ToFloat(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// Float returns the numeric value at path.
func (d Document) Float(path string) float64 {
	v, _ := d.Get(path)
	f, _ := ToFloat(v)
	return f
}

// Bool returns the boolean at path.
func (d Document) Bool(path string) bool {
	v, _ := d.Get(path)
	b, _ := v.(bool)
	return b
}

// Object returns the nested object at path.
func (d Document) Object(path string) Document {
	v, _ := d.Get(path)
	m, ok := asMap(v)
	if !ok {
		return nil
	}
	return Document(m)
}

// Clone deep copies the document through its JSON form.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return Document{}
	}
	var out Document
	_ = json.Unmarshal(b, &out)
	return out
}

// Time returns the time stored at path. RFC3339 strings and time.Time values
// are understood.
func (d Document) Time(path string) (time.Time, bool) {
	v, ok := d.Get(path)
	if !ok {
		return time.Time{}, false
	}
	return ToTime(v)
}

// ToDocument converts an arbitrary value to a Document through JSON.
func ToDocument(v any) (Document, error) {
	if doc, ok := v.(Document); ok {
		return doc, nil
	}
	if m, ok := v.(map[string]any); ok {
		return Document(m), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// ToFloat converts JSON numbers and Go numerics to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// ToTime converts stored time representations to time.Time.
func ToTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	case float64:
		sec, frac := math.Modf(t / 1000)
		return time.Unix(int64(sec), int64(frac*1e9)), true
	}
	return time.Time{}, false
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Document:
		return m, true
	}
	return nil, false
}
