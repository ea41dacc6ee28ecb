// ABOUTME: Tests for the rule-based, LLM, and fallback planners.
// ABOUTME: Hosted model clients are exercised against httptest servers.

package plan

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tool-relay/internal/registry"
)

var schoolTools = []registry.Summary{
	{Name: "students.unpaid", Params: []string{}},
	{Name: "students.by_grade", Params: []string{"grade"}, Description: "Students in a grade"},
}

func TestRuleBased(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		query string
		want  string
	}{
		{
			"How many students in grade 1 have not paid?",
			`{"plan":[{"tool":"students.by_grade","args":{"grade":1}},{"tool":"students.unpaid","args":{}},{"merge":"intersect"},{"merge":"count"}]}`,
		},
		{
			"list students who partially paid",
			`{"plan":[{"tool":"students.partial_paid","args":{}}]}`,
		},
		{
			"Number of fully paid students in class 4",
			`{"plan":[{"tool":"students.by_grade","args":{"grade":4}},{"tool":"students.fullpaid","args":{}},{"merge":"intersect"},{"merge":"count"}]}`,
		},
		{
			"Which teachers teach grade 7?",
			`{"plan":[{"tool":"teachers.for_grade","args":{"grade":7}}]}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			p, err := RuleBased{}.Plan(ctx, tt.query, nil)
			require.NoError(t, err)
			data, err := json.Marshal(p)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}

	t.Run("teacher question without a grade", func(t *testing.T) {
		_, err := RuleBased{}.Plan(ctx, "list all teachers", nil)
		assert.ErrorIs(t, err, ErrInvalidPlan)
	})
}

type fakeCompleter struct {
	reply  string
	err    error
	system string
	user   string
}

func (f *fakeCompleter) Complete(_ context.Context, system, user string) (string, error) {
	f.system, f.user = system, user
	return f.reply, f.err
}

func TestLLM(t *testing.T) {
	ctx := context.Background()

	t.Run("parses the model reply", func(t *testing.T) {
		c := &fakeCompleter{reply: "```json\n{\"plan\":[{\"tool\":\"students.unpaid\",\"args\":{}},{\"count\":true}]}\n```"}
		p, err := NewLLM(c, nil).Plan(ctx, "  how many unpaid?  ", schoolTools)
		require.NoError(t, err)
		require.Len(t, p.Steps, 2)
		assert.Equal(t, OpCount, p.Steps[1].Merge)

		assert.Equal(t, "how many unpaid?", c.user)
		assert.Contains(t, c.system, `- students.by_grade params=["grade"]: Students in a grade`)
		assert.Contains(t, c.system, `- students.unpaid params=[]`)
	})

	t.Run("model error", func(t *testing.T) {
		c := &fakeCompleter{err: errors.New("rate limited")}
		_, err := NewLLM(c, nil).Plan(ctx, "q", schoolTools)
		assert.ErrorContains(t, err, "rate limited")
	})

	t.Run("reply without a plan", func(t *testing.T) {
		c := &fakeCompleter{reply: "Sorry, I can't do that."}
		_, err := NewLLM(c, nil).Plan(ctx, "q", schoolTools)
		assert.ErrorIs(t, err, ErrInvalidPlan)
	})
}

func TestFallback(t *testing.T) {
	ctx := context.Background()

	t.Run("falls through to the rule planner", func(t *testing.T) {
		f := Fallback{Planners: []Planner{
			NewLLM(&fakeCompleter{reply: "no idea"}, nil),
			RuleBased{},
		}}
		p, err := f.Plan(ctx, "students unpaid", schoolTools)
		require.NoError(t, err)
		assert.Equal(t, []string{ToolStudentsUnpaid}, p.ToolNames())
	})

	t.Run("returns the last error", func(t *testing.T) {
		f := Fallback{Planners: []Planner{
			NewLLM(&fakeCompleter{err: errors.New("offline")}, nil),
			RuleBased{},
		}}
		_, err := f.Plan(ctx, "teachers please", schoolTools)
		assert.ErrorIs(t, err, ErrInvalidPlan)
	})

	t.Run("no planners", func(t *testing.T) {
		_, err := Fallback{}.Plan(ctx, "q", nil)
		assert.ErrorIs(t, err, ErrInvalidPlan)
	})
}

func TestNewPlanner(t *testing.T) {
	p, err := NewPlanner("rule", ModelOptions{}, nil)
	require.NoError(t, err)
	assert.IsType(t, RuleBased{}, p)

	p, err = NewPlanner("openai", ModelOptions{APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.IsType(t, Fallback{}, p)

	_, err = NewPlanner("cohere", ModelOptions{}, nil)
	assert.Error(t, err)
}

const planReply = `{"plan":[{"tool":"students.unpaid","args":{}}]}`

func TestOpenAICompleter(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 0,
			"model":   "gpt-4o-mini",
			"choices": []any{map[string]any{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": planReply},
			}},
		})
	}))
	defer srv.Close()

	c := NewOpenAI(ModelOptions{APIKey: "test", BaseURL: srv.URL})
	out, err := c.Complete(context.Background(), "system prompt", "question")
	require.NoError(t, err)
	assert.Equal(t, planReply, out)

	assert.Equal(t, DefaultOpenAIModel, body["model"])
	messages, ok := body["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, messages, 2)
}

func TestAnthropicCompleter(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_1",
			"type":        "message",
			"role":        "assistant",
			"model":       DefaultAnthropicModel,
			"content":     []any{map[string]any{"type": "text", "text": planReply}},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	defer srv.Close()

	c := NewAnthropic(ModelOptions{APIKey: "test", BaseURL: srv.URL})
	out, err := c.Complete(context.Background(), "system prompt", "question")
	require.NoError(t, err)
	assert.Equal(t, planReply, out)
	assert.Equal(t, DefaultAnthropicModel, body["model"])
}

func TestCompleterEmptyReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"x","object":"chat.completion","created":0,"model":"m","choices":[]}`)
	}))
	defer srv.Close()

	_, err := NewOpenAI(ModelOptions{APIKey: "test", BaseURL: srv.URL}).Complete(context.Background(), "s", "u")
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}
