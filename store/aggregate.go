package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/glimte/mmate-gateway/contracts"
)

// RunPipeline evaluates an aggregation pipeline over docs. Supported stages:
// $match, $project, $group, $sort, $skip, $limit, $count, $unwind.
func RunPipeline(docs []contracts.Document, pipeline []map[string]any) ([]contracts.Document, error) {
	current := docs
	for i, stage := range pipeline {
		if len(stage) != 1 {
			return nil, fmt.Errorf("store: pipeline stage %d must have exactly one operator", i)
		}
		for op, arg := range stage {
			var err error
			current, err = runStage(current, op, arg)
			if err != nil {
				return nil, fmt.Errorf("store: pipeline stage %d (%s): %w", i, op, err)
			}
		}
	}
	return current, nil
}

func runStage(docs []contracts.Document, op string, arg any) ([]contracts.Document, error) {
	switch op {
	case "$match":
		query, ok := toMap(arg)
		if !ok {
			return nil, fmt.Errorf("expected object")
		}
		var out []contracts.Document
		for _, d := range docs {
			if Matches(d, query) {
				out = append(out, d)
			}
		}
		return out, nil
	case "$project":
		stage, ok := toMap(arg)
		if !ok {
			return nil, fmt.Errorf("expected object")
		}
		return project(docs, stage), nil
	case "$group":
		stage, ok := toMap(arg)
		if !ok {
			return nil, fmt.Errorf("expected object")
		}
		return group(docs, stage)
	case "$sort":
		out := append([]contracts.Document(nil), docs...)
		SortDocuments(out, ParseOrderBy(arg))
		return out, nil
	case "$skip":
		n, _ := contracts.ToFloat(arg)
		if int(n) >= len(docs) {
			return nil, nil
		}
		return docs[int(n):], nil
	case "$limit":
		n, _ := contracts.ToFloat(arg)
		if int(n) < len(docs) {
			return docs[:int(n)], nil
		}
		return docs, nil
	case "$count":
		name, _ := arg.(string)
		if name == "" {
			return nil, fmt.Errorf("expected field name")
		}
		return []contracts.Document{{name: float64(len(docs))}}, nil
	case "$unwind":
		path, _ := arg.(string)
		path = strings.TrimPrefix(path, "$")
		var out []contracts.Document
		for _, d := range docs {
			v, _ := d.Get(path)
			list, ok := v.([]any)
			if !ok {
				continue
			}
			for _, item := range list {
				c := d.Clone()
				c.Set(path, item)
				out = append(out, c)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported stage")
}

func project(docs []contracts.Document, stage map[string]any) []contracts.Document {
	computed := false
	for _, v := range stage {
		if _, isNum := contracts.ToFloat(v); !isNum {
			if _, isBool := v.(bool); !isBool {
				computed = true
			}
		}
	}
	out := make([]contracts.Document, 0, len(docs))
	for _, d := range docs {
		if !computed {
			out = append(out, Project(d, stage))
			continue
		}
		p := contracts.Document{"_id": d["_id"]}
		for k, v := range stage {
			if f, ok := contracts.ToFloat(v); ok {
				if f > 0 {
					if val, found := d.Get(k); found {
						p.Set(k, val)
					}
				} else if k == "_id" {
					delete(p, "_id")
				}
				continue
			}
			p.Set(k, evaluate(d, v))
		}
		out = append(out, p)
	}
	return out
}

// evaluate resolves "$field" references, "$$ROOT", $bsonSize and literals.
func evaluate(doc contracts.Document, expr any) any {
	switch e := expr.(type) {
	case string:
		if e == "$$ROOT" {
			return map[string]any(doc)
		}
		if strings.HasPrefix(e, "$") {
			v, _ := doc.Get(e[1:])
			return v
		}
		return e
	case map[string]any:
		if inner, ok := e["$bsonSize"]; ok {
			b, err := json.Marshal(evaluate(doc, inner))
			if err != nil {
				return float64(0)
			}
			return float64(len(b))
		}
		if inner, ok := e["$toLower"]; ok {
			s, _ := evaluate(doc, inner).(string)
			return strings.ToLower(s)
		}
		out := make(map[string]any, len(e))
		for k, v := range e {
			out[k] = evaluate(doc, v)
		}
		return out
	}
	return expr
}

type groupState struct {
	key    any
	fields map[string]any
	counts map[string]int
}

func group(docs []contracts.Document, stage map[string]any) ([]contracts.Document, error) {
	idExpr, ok := stage["_id"]
	if !ok {
		return nil, fmt.Errorf("$group requires _id")
	}
	var order []string
	groups := map[string]*groupState{}
	for _, d := range docs {
		key := evaluate(d, idExpr)
		kb, _ := json.Marshal(key)
		g, found := groups[string(kb)]
		if !found {
			g = &groupState{key: key, fields: map[string]any{}, counts: map[string]int{}}
			groups[string(kb)] = g
			order = append(order, string(kb))
		}
		for field, accStage := range stage {
			if field == "_id" {
				continue
			}
			acc, ok := toMap(accStage)
			if !ok || len(acc) != 1 {
				return nil, fmt.Errorf("invalid accumulator for %s", field)
			}
			for op, arg := range acc {
				if err := accumulate(g, field, op, evaluate(d, arg)); err != nil {
					return nil, err
				}
			}
		}
	}
	sort.Strings(order)
	out := make([]contracts.Document, 0, len(order))
	for _, k := range order {
		g := groups[k]
		doc := contracts.Document{"_id": g.key}
		for field, v := range g.fields {
			doc[field] = v
		}
		for field, n := range g.counts {
			if sum, ok := g.fields[field].(float64); ok && n > 0 {
				doc[field] = sum / float64(n)
			}
		}
		out = append(out, doc)
	}
	return out, nil
}

func accumulate(g *groupState, field, op string, value any) error {
	switch op {
	case "$sum":
		f, _ := contracts.ToFloat(value)
		cur, _ := g.fields[field].(float64)
		g.fields[field] = cur + f
	case "$avg":
		f, _ := contracts.ToFloat(value)
		cur, _ := g.fields[field].(float64)
		g.fields[field] = cur + f
		g.counts[field]++
	case "$first":
		if _, ok := g.fields[field]; !ok {
			g.fields[field] = value
		}
	case "$last":
		g.fields[field] = value
	case "$max":
		if cur, ok := g.fields[field]; !ok {
			g.fields[field] = value
		} else if c, ok := compare(value, cur); ok && c > 0 {
			g.fields[field] = value
		}
	case "$min":
		if cur, ok := g.fields[field]; !ok {
			g.fields[field] = value
		} else if c, ok := compare(value, cur); ok && c < 0 {
			g.fields[field] = value
		}
	case "$push":
		list, _ := g.fields[field].([]any)
		g.fields[field] = append(list, value)
	default:
		return fmt.Errorf("unsupported accumulator %s", op)
	}
	return nil
}
