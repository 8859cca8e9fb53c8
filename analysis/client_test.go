package analysis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masa23/newsfunnel/config"
)

type sentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type sentRequest struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	Messages  []struct {
		Role    string      `json:"role"`
		Content []sentBlock `json:"content"`
	} `json:"messages"`
}

func reply(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(config.Analysis{
		BaseURL:   srv.URL,
		APIKey:    "test-key",
		Model:     "claude-test",
		MaxTokens: 256,
		Timeout:   5 * time.Second,
	}, option.WithHTTPClient(srv.Client()))
}

func TestAnalyzeSendsInstructionAndText(t *testing.T) {
	var got sentRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("Anthropic-Version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		reply(w, http.StatusOK, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",`+
			`"content":[{"type":"text","text":"first"},{"type":"text","text":"{\"isNewsletter\":false}"}],`+
			`"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":5}}`)
	})

	out, err := c.Analyze(context.Background(), "instruction", "the body")
	require.NoError(t, err)
	assert.Equal(t, `{"isNewsletter":false}`, out)

	assert.Equal(t, "claude-test", got.Model)
	assert.Equal(t, 256, got.MaxTokens)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, []sentBlock{{Type: "text", Text: "instruction"}, {Type: "text", Text: "the body"}}, got.Messages[0].Content)
}

func TestAnalyzeAPIError(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		reply(w, http.StatusBadRequest, `{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens too large"}}`)
	})

	_, err := c.Analyze(context.Background(), "i", "t")
	require.ErrorContains(t, err, "API error (400)")
	assert.ErrorContains(t, err, "max_tokens too large")
	var apiErr *anthropic.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAnalyzeNoRetriesWhenDisabled(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		reply(w, http.StatusTooManyRequests, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	})

	_, err := c.Analyze(context.Background(), "i", "t")
	require.ErrorContains(t, err, "API error (429)")
	assert.Equal(t, int32(1), calls.Load())
}

func TestAnalyzeEmptyReply(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, `{"id":"msg_1","type":"message","role":"assistant","content":[]}`)
	})
	_, err := c.Analyze(context.Background(), "i", "t")
	require.ErrorIs(t, err, ErrEmptyReply)
}

func TestSummarize(t *testing.T) {
	var instruction string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req sentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		instruction = req.Messages[0].Content[0].Text
		body, err := json.Marshal(map[string]any{
			"id":   "msg_2",
			"type": "message",
			"role": "assistant",
			"content": []sentBlock{{
				Type: "text",
				Text: "Sure:\n```md\n# Go Weekly\n\n## Release\nGo 1.24 is out.\n```\n",
			}},
		})
		require.NoError(t, err)
		reply(w, http.StatusOK, string(body))
	})

	md, err := c.Summarize(context.Background(), "newsletter")
	require.NoError(t, err)
	assert.Equal(t, "# Go Weekly\n\n## Release\nGo 1.24 is out.", md)
	assert.Equal(t, SummaryInstruction, instruction)
}
