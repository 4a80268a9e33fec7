package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmproxy/internal/models"
	"llmproxy/internal/tool"
)

func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	t.Chdir(t.TempDir())

	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestToolsList(t *testing.T) {
	out, _, err := run(t, "", "tools", "list")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	assert.True(t, strings.HasPrefix(lines[0], "NAME"))
	assert.Contains(t, lines[1], "add_numbers")
	assert.Contains(t, lines[1], "a:integer, b:integer")
	assert.Contains(t, lines[4], "values:[]number")
}

func TestToolsListJSON(t *testing.T) {
	out, _, err := run(t, "", "tools", "list", "--json")
	require.NoError(t, err)

	var tools []models.Tool
	require.NoError(t, json.Unmarshal([]byte(out), &tools))
	require.Len(t, tools, 4)
	assert.Equal(t, "add_numbers", tools[0].Name)
	assert.Equal(t, []string{"a", "b"}, tools[0].Parameters.Required)
}

func TestToolsExec(t *testing.T) {
	out, _, err := run(t, "", "tools", "exec", "add_numbers", `{"a":2,"b":3}`)
	require.NoError(t, err)
	assert.Equal(t, "5\n", out)

	out, _, err = run(t, "", "tools", "exec", "concat_strings", `{"a":"foo","b":"bar"}`)
	require.NoError(t, err)
	assert.Equal(t, "\"foobar\"\n", out)
}

func TestToolsExecErrors(t *testing.T) {
	_, _, err := run(t, "", "tools", "exec", "launch_rocket")
	var notFound *tool.NotFoundError
	require.ErrorAs(t, err, &notFound)

	_, _, err = run(t, "", "tools", "exec", "add_numbers", `{"a":1}`)
	var argErr *tool.ArgumentError
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, "b", argErr.Param)

	_, _, err = run(t, "", "tools", "exec")
	assert.Error(t, err)
}

func TestChatResolvesToolCalls(t *testing.T) {
	var calls atomic.Int32
	var second atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		switch calls.Add(1) {
		case 1:
			_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"{\"name\":\"add_numbers\",\"arguments\":{\"a\":17,\"b\":25}}"},"done":true,"prompt_eval_count":20,"eval_count":10}`))
		default:
			body, _ := io.ReadAll(r.Body)
			second.Store(string(body))
			_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"17 + 25 = 42"},"done":true,"done_reason":"stop","prompt_eval_count":40,"eval_count":8}`))
		}
	}))
	defer srv.Close()

	t.Setenv("LLMPROXY_PROVIDER", "ollama")
	t.Setenv("LLMPROXY_BASE_URL", srv.URL)
	t.Setenv("LLMPROXY_MODEL", "llama3.1")

	out, stderr, err := run(t, "", "chat", "--tools", "add_numbers", "--usage", "What is 17 + 25?")
	require.NoError(t, err)

	assert.Equal(t, "17 + 25 = 42\n", out)
	assert.Contains(t, stderr, "turns: 2")
	assert.Contains(t, stderr, "total tokens: 78")
	assert.EqualValues(t, 2, calls.Load())
	assert.Contains(t, second.Load(), `"tool_name":"add_numbers"`)
}

func TestChatReadsPromptFromStdin(t *testing.T) {
	var prompt atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
			Tools []json.RawMessage `json:"tools"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Empty(t, body.Tools)
		if len(body.Messages) > 0 {
			prompt.Store(body.Messages[len(body.Messages)-1].Content)
		}
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"hi"},"done":true}`))
	}))
	defer srv.Close()

	t.Setenv("LLMPROXY_PROVIDER", "ollama")
	t.Setenv("LLMPROXY_BASE_URL", srv.URL)

	out, _, err := run(t, "  say hi\n", "chat", "--no-tools")
	require.NoError(t, err)
	assert.Equal(t, "hi\n", out)
	assert.Equal(t, "say hi", prompt.Load())
}

func TestChatRejectsUnknownTools(t *testing.T) {
	t.Setenv("LLMPROXY_PROVIDER", "ollama")

	_, _, err := run(t, "", "chat", "--tools", "add_numbers,launch_rocket", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tools launch_rocket")
}

func TestChatRequiresPrompt(t *testing.T) {
	t.Setenv("LLMPROXY_PROVIDER", "ollama")

	_, _, err := run(t, "   ", "chat")
	assert.EqualError(t, err, "prompt must not be empty")
}

func TestServeRejectsBadPort(t *testing.T) {
	_, _, err := run(t, "", "serve", "--port", "70000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "valid TCP port")
}
