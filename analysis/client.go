// Package analysis talks to the Anthropic Messages API. It implements
// extractor.Analyzer and produces the optional markdown summaries.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/masa23/newsfunnel/config"
	"github.com/masa23/newsfunnel/metrics"
)

// ErrEmptyReply is returned when the response carries no text block.
var ErrEmptyReply = errors.New("analysis reply has no text")

type Client struct {
	api       anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// New builds a client from the Analysis section of the configuration.
// opts are applied last, e.g. option.WithHTTPClient or option.WithMaxRetries.
func New(conf config.Analysis, opts ...option.RequestOption) *Client {
	base := []option.RequestOption{
		option.WithAPIKey(conf.APIKey),
		option.WithRequestTimeout(conf.Timeout),
	}
	if conf.BaseURL != "" {
		base = append(base, option.WithBaseURL(conf.BaseURL))
	}
	if conf.MaxRetries >= 0 {
		base = append(base, option.WithMaxRetries(conf.MaxRetries))
	}
	return &Client{
		api:       anthropic.NewClient(append(base, opts...)...),
		model:     anthropic.Model(conf.Model),
		maxTokens: int64(conf.MaxTokens),
	}
}

// Analyze sends the instruction followed by the text as one user turn and
// returns the text of the last text block of the reply.
func (c *Client) Analyze(ctx context.Context, instruction, text string) (string, error) {
	start := time.Now()
	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewTextBlock(instruction),
				anthropic.NewTextBlock(text),
			),
		},
	})
	metrics.AnalysisLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("API error (%d): %w", apiErr.StatusCode, err)
		}
		return "", fmt.Errorf("calling analysis API: %w", err)
	}

	for i := len(msg.Content) - 1; i >= 0; i-- {
		if msg.Content[i].Type == "text" {
			return msg.Content[i].Text, nil
		}
	}
	return "", ErrEmptyReply
}

// Summarize asks for a markdown summary of a newsletter and returns the
// content of the fenced md block of the reply.
func (c *Client) Summarize(ctx context.Context, text string) (string, error) {
	reply, err := c.Analyze(ctx, SummaryInstruction, text)
	if err != nil {
		return "", err
	}
	return ExtractMarkdown(reply)
}
