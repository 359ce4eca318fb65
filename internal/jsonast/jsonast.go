// Package jsonast walks a request body's JSON structure to apply the
// two fixed body transformations the interceptor performs: system
// prompt text substitution and mcp_ prefixing of tool names. The
// walk is permissive — structures that don't match the expected
// shape are left untouched rather than rejected.
package jsonast

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Node is the permissive JSON AST this package walks: the same shape
// encoding/json produces when unmarshaling into `any` (map[string]any,
// []any, string, float64, bool, nil), named here so callers don't have
// to re-derive the variant set from encoding/json's documentation.
type Node = any

var openCodeCaseInsensitive = regexp.MustCompile(`(?i)opencode`)

// RewriteBody applies both body transformations to a raw JSON request
// body. On any parse failure the body is returned unchanged, exactly
// as §4.5 step 2 specifies ("on parse failure leave untouched").
func RewriteBody(body []byte) []byte {
	if len(body) == 0 {
		return body
	}

	var root map[string]Node
	if err := json.Unmarshal(body, &root); err != nil {
		return body
	}

	rewriteSystem(root)
	rewriteToolDefinitions(root)
	rewriteMessages(root)

	out, err := json.Marshal(root)
	if err != nil {
		return body
	}
	return out
}

// rewriteSystem replaces OpenCode/opencode occurrences in every
// {type:"text", text} element of the top-level "system" array.
func rewriteSystem(root map[string]Node) {
	items, ok := root["system"].([]Node)
	if !ok {
		return
	}
	for _, item := range items {
		block, ok := item.(map[string]Node)
		if !ok {
			continue
		}
		if t, _ := block["type"].(string); t != "text" {
			continue
		}
		text, ok := block["text"].(string)
		if !ok {
			continue
		}
		block["text"] = replaceOpenCodeMentions(text)
	}
}

// replaceOpenCodeMentions applies the two-pass substitution: exact
// "OpenCode" → "Claude Code" first, then a case-insensitive
// "opencode" → "Claude" pass that skips matches immediately preceded
// by '/' so filesystem paths survive.
func replaceOpenCodeMentions(text string) string {
	text = strings.ReplaceAll(text, "OpenCode", "Claude Code")

	matches := openCodeCaseInsensitive.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		if start > 0 && text[start-1] == '/' {
			continue
		}
		b.WriteString(text[last:start])
		b.WriteString("Claude")
		last = end
	}
	b.WriteString(text[last:])
	return b.String()
}

const mcpPrefix = "mcp_"

func withMCPPrefix(name string) string {
	if strings.HasPrefix(name, mcpPrefix) {
		return name
	}
	return mcpPrefix + name
}

// rewriteToolDefinitions prefixes every top-level tool definition's
// name with mcp_.
func rewriteToolDefinitions(root map[string]Node) {
	tools, ok := root["tools"].([]Node)
	if !ok {
		return
	}
	for _, t := range tools {
		def, ok := t.(map[string]Node)
		if !ok {
			continue
		}
		if name, ok := def["name"].(string); ok {
			def["name"] = withMCPPrefix(name)
		}
	}
}

// rewriteMessages prefixes every tool_use content block's name with
// mcp_, walking each message's content array.
func rewriteMessages(root map[string]Node) {
	messages, ok := root["messages"].([]Node)
	if !ok {
		return
	}
	for _, m := range messages {
		msg, ok := m.(map[string]Node)
		if !ok {
			continue
		}
		content, ok := msg["content"].([]Node)
		if !ok {
			continue
		}
		for _, c := range content {
			block, ok := c.(map[string]Node)
			if !ok {
				continue
			}
			if t, _ := block["type"].(string); t != "tool_use" {
				continue
			}
			if name, ok := block["name"].(string); ok {
				block["name"] = withMCPPrefix(name)
			}
		}
	}
}

// StripMCPPrefixInPassthrough rewrites `"name":"mcp_<x>"` occurrences
// in raw passthrough bytes to `"name": "<x>"`, as applied to SSE
// bodies streaming back from upstream (§4.5 step 3e(iii)). It
// operates on bytes, not a parsed document, since passthrough bytes
// must otherwise remain untouched.
var mcpNamePattern = regexp.MustCompile(`"name":"mcp_([^"\\]*)"`)

func StripMCPPrefixInPassthrough(chunk []byte) []byte {
	return mcpNamePattern.ReplaceAll(chunk, []byte(`"name": "$1"`))
}
