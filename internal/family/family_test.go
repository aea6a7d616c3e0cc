package family

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltin_HasExpectedFamilies(t *testing.T) {
	tbl := Builtin()
	for _, name := range []string{"default", "chatml", "qwen3", "jamba", "smollm", "granite", "granite-hybrid", "gemma-3", "llama-3"} {
		f, err := tbl.Get(name)
		require.NoError(t, err, name)
		assert.NotEmpty(t, f.Template, name)
	}
	_, err := tbl.Get("gpt-9")
	assert.ErrorIs(t, err, ErrUnknownFamily)
}

func TestDetect(t *testing.T) {
	tbl := Builtin()
	tests := []struct {
		model string
		want  string
	}{
		{"Qwen3-4B-Instruct-Q4_K_M.gguf", "qwen3"},
		{"granite-4.0-h-tiny-Q4_K_M.gguf", "granite-hybrid"},
		{"granite-3.3-2b-instruct", "granite"},
		{"gemma-3-1b-it", "gemma-3"},
		{"Llama-3.2-3B-Instruct", "llama-3"},
		{"SmolLM2-360M-Instruct", "smollm"},
		{"AI21-Jamba-Reasoning-3B", "jamba"},
		{"phi-2", "default"},
		{"", "default"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, tbl.Detect(tt.model).Name)
		})
	}
}

func TestExtract_ThinkDelimiters(t *testing.T) {
	f := &Family{Reasoning: []Delimiter{{Open: "<think>", Close: "</think>"}}}

	got := f.Extract("<think>step1</think>final")
	assert.Equal(t, "step1", got.Reasoning)
	assert.Equal(t, "final", got.Answer)
}

func TestExtract_Cases(t *testing.T) {
	qwen, err := Builtin().Get("qwen3")
	require.NoError(t, err)
	chatml, err := Builtin().Get("chatml")
	require.NoError(t, err)

	tests := []struct {
		name          string
		family        *Family
		text          string
		wantReasoning string
		wantAnswer    string
	}{
		{"no delimiters", chatml, "just an answer", "", "just an answer"},
		{"unclosed open", chatml, "intro <think>still thinking", "still thinking", "intro"},
		{"closing only", qwen, "weighing options</think>\n\nThe answer is 4.", "weighing options", "The answer is 4."},
		{"closing only ignored without flag", chatml, "weighing</think>answer", "", "weighing</think>answer"},
		{"second pair", qwen, "<thinking>a</thinking>b", "a", "b"},
		{"multiple blocks", chatml, "<think>a</think>x <think>b</think>y", "a\n\nb", "x y"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.family.Extract(tt.text)
			assert.Equal(t, tt.wantReasoning, got.Reasoning)
			assert.Equal(t, tt.wantAnswer, got.Answer)
		})
	}
}

func TestRender(t *testing.T) {
	f, err := Builtin().Get("chatml")
	require.NoError(t, err)

	out, err := f.Render(PromptData{System: "Be brief.", Context: "[1]\nfact", Prompt: "Why?"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "<|im_start|>system\nBe brief."))
	assert.Contains(t, out, "Context:\n[1]\nfact<|im_end|>")
	assert.True(t, strings.HasSuffix(out, "<|im_start|>user\nWhy?<|im_end|>\n<|im_start|>assistant"))
	assert.NotContains(t, out, "Conversation so far")

	def, err := Builtin().Get(DefaultName)
	require.NoError(t, err)
	out, err = def.Render(PromptData{System: "S", Prompt: "Q"})
	require.NoError(t, err)
	assert.Equal(t, "S\n\nUser: Q\nAssistant:", out)
}

func TestLoad_OverridesBuiltin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "families.yaml")
	data := `
families:
  - name: qwen3
    match: ["qwen3"]
    template: "{{.System}}|{{.Prompt}}"
    stop: ["<END>"]
  - name: custom
    match: ["my-model"]
    template: "{{.Prompt}}"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	tbl, err := Load(path)
	require.NoError(t, err)

	q := tbl.Detect("qwen3-8b")
	assert.Equal(t, []string{"<END>"}, q.Stop)
	assert.Equal(t, "custom", tbl.Detect("MY-MODEL-7b").Name)
	_, err = tbl.Get("gemma-3")
	assert.NoError(t, err, "built-in entries survive")

	builtinQwen, err := Builtin().Get("qwen3")
	require.NoError(t, err)
	assert.NotEqual(t, []string{"<END>"}, builtinQwen.Stop)
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse([]byte("families:\n  - name: x\n    template: \"{{.Prompt}}\"\n"), nil)
	assert.ErrorIs(t, err, ErrNoDefault)

	_, err = Parse([]byte("families:\n  - name: default\n    template: \"{{.Prompt\"\n"), nil)
	assert.Error(t, err)

	_, err = Parse([]byte("families: [ {template: x} ]"), nil)
	assert.Error(t, err)
}
