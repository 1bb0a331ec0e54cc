package store

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
)

// Matches reports whether doc satisfies query. Supported operators: $and,
// $or, $eq, $ne, $gt, $gte, $lt, $lte, $in, $nin, $exists, $regex.
func Matches(doc contracts.Document, query map[string]any) bool {
	for key, cond := range query {
		switch key {
		case "$or":
			if !anyMatch(doc, cond) {
				return false
			}
			continue
		case "$and":
			for _, sub := range asList(cond) {
				if m, ok := toMap(sub); ok && !Matches(doc, m) {
					return false
				}
			}
			continue
		}
		values := lookup(doc, key)
		if ops, ok := toMap(cond); ok && hasOperator(ops) {
			if !matchOperators(values, ops) {
				return false
			}
			continue
		}
		if !containsEqual(values, cond) {
			return false
		}
	}
	return true
}

func anyMatch(doc contracts.Document, cond any) bool {
	for _, sub := range asList(cond) {
		if m, ok := toMap(sub); ok && Matches(doc, m) {
			return true
		}
	}
	return false
}

func matchOperators(values []any, ops map[string]any) bool {
	for op, arg := range ops {
		switch op {
		case "$eq":
			if !containsEqual(values, arg) {
				return false
			}
		case "$ne":
			if containsEqual(values, arg) {
				return false
			}
		case "$in":
			found := false
			for _, a := range asList(arg) {
				if containsEqual(values, a) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case "$nin":
			for _, a := range asList(arg) {
				if containsEqual(values, a) {
					return false
				}
			}
		case "$exists":
			want, _ := arg.(bool)
			if (len(values) > 0) != want {
				return false
			}
		case "$gt", "$gte", "$lt", "$lte":
			if !anyCompare(values, arg, op) {
				return false
			}
		case "$regex":
			pattern, _ := arg.(string)
			if opts, _ := ops["$options"].(string); strings.Contains(opts, "i") {
				pattern = "(?i)" + pattern
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return false
			}
			matched := false
			for _, v := range values {
				if s, ok := v.(string); ok && re.MatchString(s) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		case "$options":
		default:
			return false
		}
	}
	return true
}

func anyCompare(values []any, arg any, op string) bool {
	for _, v := range values {
		c, ok := compare(v, arg)
		if !ok {
			continue
		}
		switch op {
		case "$gt":
			if c > 0 {
				return true
			}
		case "$gte":
			if c >= 0 {
				return true
			}
		case "$lt":
			if c < 0 {
				return true
			}
		case "$lte":
			if c <= 0 {
				return true
			}
		}
	}
	return false
}

func hasOperator(m map[string]any) bool {
	for k := range m {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

func containsEqual(values []any, want any) bool {
	if want == nil {
		if len(values) == 0 {
			return true
		}
	}
	for _, v := range values {
		if equal(v, want) {
			return true
		}
	}
	return false
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(normalize(a), normalize(b))
}

// compare orders numbers, times and strings. ok is false for incomparable values.
func compare(a, b any) (int, bool) {
	if fa, ok := contracts.ToFloat(a); ok {
		if fb, ok := contracts.ToFloat(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	_, aIsTime := a.(time.Time)
	_, bIsTime := b.(time.Time)
	if aIsTime || bIsTime {
		ta, okA := contracts.ToTime(a)
		tb, okB := contracts.ToTime(b)
		if !okA || !okB {
			return 0, false
		}
		return ta.Compare(tb), true
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		if ta, err := time.Parse(time.RFC3339Nano, sa); err == nil {
			if tb, err := time.Parse(time.RFC3339Nano, sb); err == nil {
				return ta.Compare(tb), true
			}
		}
		return strings.Compare(sa, sb), true
	}
	ba, okA := a.(bool)
	bb, okB := b.(bool)
	if okA && okB {
		if ba == bb {
			return 0, true
		}
		if !ba {
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func normalize(v any) any {
	doc, err := contracts.ToDocument(map[string]any{"v": v})
	if err != nil {
		return v
	}
	return doc["v"]
}

// lookup resolves a dotted path, descending into arrays.
func lookup(doc contracts.Document, path string) []any {
	current := []any{map[string]any(doc)}
	for _, part := range strings.Split(path, ".") {
		var next []any
		for _, c := range current {
			m, ok := toMap(c)
			if !ok {
				continue
			}
			v, ok := m[part]
			if !ok {
				continue
			}
			// arrays contribute their elements and themselves
			if list, isList := v.([]any); isList {
				next = append(next, list...)
				next = append(next, v)
				continue
			}
			next = append(next, v)
		}
		current = next
	}
	return current
}

func toMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case contracts.Document:
		return m, true
	}
	return nil, false
}

func asList(v any) []any {
	switch l := v.(type) {
	case []any:
		return l
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out
	case []map[string]any:
		out := make([]any, len(l))
		for i, m := range l {
			out[i] = m
		}
		return out
	case []contracts.Document:
		out := make([]any, len(l))
		for i, m := range l {
			out[i] = map[string]any(m)
		}
		return out
	}
	return nil
}

// SortDocuments orders docs in place.
func SortDocuments(docs []contracts.Document, fields []SortField) {
	if len(fields) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, f := range fields {
			a := first(lookup(docs[i], f.Field))
			b := first(lookup(docs[j], f.Field))
			c, ok := compare(a, b)
			if !ok {
				c = compareMissing(a, b)
			}
			if c == 0 {
				continue
			}
			if f.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func compareMissing(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func first(values []any) any {
	if len(values) == 0 {
		return nil
	}
	return values[0]
}

// Project applies an inclusion or exclusion projection.
func Project(doc contracts.Document, projection map[string]any) contracts.Document {
	if len(projection) == 0 {
		return doc
	}
	include := false
	for k, v := range projection {
		if k == "_id" {
			continue
		}
		if f, ok := contracts.ToFloat(v); ok && f > 0 {
			include = true
		} else if b, ok := v.(bool); ok && b {
			include = true
		}
		break
	}
	if include {
		out := contracts.Document{"_id": doc["_id"]}
		for k, v := range projection {
			if f, ok := contracts.ToFloat(v); (ok && f > 0) || v == true {
				if val, found := doc.Get(k); found {
					out.Set(k, val)
				}
			}
		}
		if f, ok := contracts.ToFloat(projection["_id"]); ok && f == 0 {
			delete(out, "_id")
		}
		return out
	}
	out := doc.Clone()
	for k := range projection {
		delete(out, k)
	}
	return out
}

// ApplyUpdate applies an update document. Documents without operators are
// treated as $set.
func ApplyUpdate(doc contracts.Document, update map[string]any) error {
	if !hasOperator(update) {
		for k, v := range update {
			if k == "_id" {
				continue
			}
			doc.Set(k, v)
		}
		return nil
	}
	for op, arg := range update {
		fields, ok := toMap(arg)
		if !ok {
			return fmt.Errorf("store: invalid argument for %s", op)
		}
		switch op {
		case "$set":
			for k, v := range fields {
				doc.Set(k, v)
			}
		case "$unset":
			for k := range fields {
				unset(doc, k)
			}
		case "$inc":
			for k, v := range fields {
				delta, _ := contracts.ToFloat(v)
				doc.Set(k, doc.Float(k)+delta)
			}
		case "$push":
			for k, v := range fields {
				cur, _ := doc.Get(k)
				list, _ := cur.([]any)
				doc.Set(k, append(list, v))
			}
		default:
			return fmt.Errorf("store: unsupported update operator %s", op)
		}
	}
	return nil
}

func unset(doc contracts.Document, path string) {
	parts := strings.Split(path, ".")
	cur := map[string]any(doc)
	for _, part := range parts[:len(parts)-1] {
		next, ok := toMap(cur[part])
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}
