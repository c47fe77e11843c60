package decision

import (
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "decision.schema.json"

func str() map[string]any { return map[string]any{"type": "string"} }

func schemaDocument(strict bool) map[string]any {
	patch := map[string]any{
		"type":     "object",
		"required": []any{"op", "artifact"},
		"properties": map[string]any{
			"op":       map[string]any{"type": "string", "enum": []any{"append", "replace", "insert"}},
			"artifact": str(),
			"content":  str(),
			"old":      str(),
			"anchor":   str(),
		},
		"additionalProperties": false,
	}
	option := map[string]any{
		"type":     "object",
		"required": []any{"id", "label"},
		"properties": map[string]any{
			"id":          str(),
			"label":       str(),
			"description": str(),
		},
		"additionalProperties": false,
	}
	human := map[string]any{
		"type":     "object",
		"required": []any{"question", "options"},
		"properties": map[string]any{
			"title":          str(),
			"question":       str(),
			"options":        map[string]any{"type": "array", "items": option},
			"recommendation": str(),
		},
		"additionalProperties": false,
	}
	doc := map[string]any{
		"$schema":  "https://json-schema.org/draft/2020-12/schema",
		"type":     "object",
		"required": []any{"target"},
		"properties": map[string]any{
			"target":      str(),
			"task":        str(),
			"change":      str(),
			"scope":       map[string]any{"type": "array", "items": str()},
			"patches":     map[string]any{"type": "array", "items": patch},
			"plan_update": str(),
			"notes":       str(),
			"reason":      str(),
			"human":       human,
		},
	}
	if strict {
		doc["additionalProperties"] = false
	}
	return doc
}

func compileSchema(strict bool) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schemaDocument(strict))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile(schemaURL)
}

var quotedNameRE = regexp.MustCompile(`'([^']+)'`)

// schemaError re-reports a schema failure against the field it concerns.
func schemaError(err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return invalid("", err.Error())
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	field := pointerToField(leaf.InstanceLocation)
	kw := leaf.KeywordLocation
	if strings.HasSuffix(kw, "/required") || strings.HasSuffix(kw, "/additionalProperties") {
		if m := quotedNameRE.FindStringSubmatch(leaf.Message); len(m) > 1 {
			field = joinField(field, m[1])
		}
	}
	return invalid(field, leaf.Message)
}

// pointerToField turns "/patches/0/op" into "patches[0].op".
func pointerToField(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return ""
	}
	var out string
	for _, seg := range strings.Split(ptr, "/") {
		seg = strings.ReplaceAll(strings.ReplaceAll(seg, "~1", "/"), "~0", "~")
		if _, err := strconv.Atoi(seg); err == nil {
			out += "[" + seg + "]"
			continue
		}
		out = joinField(out, seg)
	}
	return out
}

func joinField(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}
