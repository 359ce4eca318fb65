package jsonast

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRewriteBody_MalformedJSONPassesThrough(t *testing.T) {
	in := []byte("not json")
	assert.Equal(t, in, RewriteBody(in))
}

func TestRewriteBody_EmptyBody(t *testing.T) {
	assert.Equal(t, []byte{}, RewriteBody([]byte{}))
}

func TestReplaceOpenCodeMentions_ExactPhrase(t *testing.T) {
	assert.Equal(t, "Claude Code is great", replaceOpenCodeMentions("OpenCode is great"))
}

func TestReplaceOpenCodeMentions_CaseInsensitive(t *testing.T) {
	assert.Equal(t, "Claude rocks", replaceOpenCodeMentions("opencode rocks"))
	assert.Equal(t, "Claude rocks", replaceOpenCodeMentions("OPENCODE rocks"))
}

func TestReplaceOpenCodeMentions_PreservesPathsAfterSlash(t *testing.T) {
	in := "config at ~/opencode/config.json"
	assert.Equal(t, "config at ~/opencode/config.json", replaceOpenCodeMentions(in))
}

func TestReplaceOpenCodeMentions_MixedOccurrences(t *testing.T) {
	in := "OpenCode lives at /opencode/bin but opencode is the brand"
	out := replaceOpenCodeMentions(in)
	assert.Equal(t, "Claude Code lives at /opencode/bin but Claude is the brand", out)
}

func TestRewriteBody_SystemTextSubstitution(t *testing.T) {
	body := []byte(`{"system":[{"type":"text","text":"Welcome to OpenCode"},{"type":"image","text":"opencode"}]}`)
	out := RewriteBody(body)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	system := decoded["system"].([]any)
	assert.Equal(t, "Welcome to Claude Code", system[0].(map[string]any)["text"])
	// Non-text blocks are left untouched.
	assert.Equal(t, "opencode", system[1].(map[string]any)["text"])
}

func TestRewriteBody_ToolDefinitionPrefix(t *testing.T) {
	body := []byte(`{"tools":[{"name":"search"},{"name":"mcp_already"}]}`)
	out := RewriteBody(body)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	tools := decoded["tools"].([]any)
	assert.Equal(t, "mcp_search", tools[0].(map[string]any)["name"])
	assert.Equal(t, "mcp_already", tools[1].(map[string]any)["name"])
}

func TestRewriteBody_ToolUseBlockPrefix(t *testing.T) {
	body := []byte(`{"messages":[{"role":"assistant","content":[
		{"type":"tool_use","name":"search","input":{}},
		{"type":"text","text":"hello"}
	]}]}`)
	out := RewriteBody(body)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	messages := decoded["messages"].([]any)
	content := messages[0].(map[string]any)["content"].([]any)
	assert.Equal(t, "mcp_search", content[0].(map[string]any)["name"])
	assert.Equal(t, "hello", content[1].(map[string]any)["text"])
}

func TestStripMCPPrefixInPassthrough(t *testing.T) {
	in := []byte(`{"type":"tool_use","name":"mcp_search","input":{}}`)
	out := StripMCPPrefixInPassthrough(in)
	assert.Equal(t, `{"type":"tool_use","name": "search","input":{}}`, string(out))
}

func TestStripMCPPrefixInPassthrough_NoMatchUnchanged(t *testing.T) {
	in := []byte(`{"type":"text","text":"hello"}`)
	assert.Equal(t, in, StripMCPPrefixInPassthrough(in))
}
