// Package extractor asks the analysis service for a message's metadata,
// retrying a bounded number of times, and stores the validated result.
package extractor

import (
	"context"
	"fmt"
	"log"

	"github.com/masa23/newsfunnel/metrics"
	"github.com/masa23/newsfunnel/model"
)

const DefaultMaxAttempts = 3

// MetadataInstruction is sent ahead of the message body.
const MetadataInstruction = `You must analyze a text and send information in JSON format:

{
    isNewsletter: bool,
    newsletterName: string?,
    theme: string[] // 1-5,
    tags: string[] // 1-inf,
    mainSubjectsTitle: string[] // 1-inf,
    oneResumeSentence: string,
    longResume: string,
    differentSubject: bool,
    isExplicitSponsored: bool,
    sponsorIfTrue: string?,
    unsubscribeLink: string?,
    otherLinksMentionned: string[]?,
    priority: Int // 1-3 // 1: Urgent - time-sensitive, needs immediate attention // 2: Important - needs prompt attention // 3: Normal - standard informational content
}

Write in the original language.`

// Analyzer is the text analysis service.
type Analyzer interface {
	Analyze(ctx context.Context, instruction, text string) (string, error)
}

type MetadataStore interface {
	CreateMetadata(ctx context.Context, md *model.Metadata) error
}

type Outcome int

const (
	Failure Outcome = iota
	Success
	NotNewsletter
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case NotNewsletter:
		return "not_newsletter"
	default:
		return "failure"
	}
}

// Result is the outcome of one Extract call. Metadata is set only on
// Success; Err only on Failure.
type Result struct {
	Outcome  Outcome
	Metadata *model.Metadata
	Attempts int
	Err      error
}

type Coordinator struct {
	analyzer    Analyzer
	store       MetadataStore
	maxAttempts int
	logger      *log.Logger
}

type Option func(*Coordinator)

func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func New(analyzer Analyzer, store MetadataStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		analyzer:    analyzer,
		store:       store,
		maxAttempts: DefaultMaxAttempts,
		logger:      log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Extract runs up to maxAttempts analysis calls back to back. Analyzer,
// parse and validation errors consume an attempt; a storage error ends the
// call with Failure at once. Nothing is kept between calls.
func (c *Coordinator) Extract(ctx context.Context, messageID uint64, text string) Result {
	res := c.extract(ctx, messageID, text)
	metrics.Extractions.WithLabelValues(res.Outcome.String()).Inc()
	return res
}

func (c *Coordinator) extract(ctx context.Context, messageID uint64, text string) Result {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Outcome: Failure, Attempts: attempt - 1, Err: err}
		}
		metrics.ExtractionAttempts.Inc()

		md, newsletter, err := c.attempt(ctx, text)
		if err != nil {
			lastErr = err
			c.logger.Printf("extract: message=%d attempt=%d/%d: %v", messageID, attempt, c.maxAttempts, err)
			continue
		}
		if !newsletter {
			return Result{Outcome: NotNewsletter, Attempts: attempt}
		}

		md.MessageID = messageID
		if err := c.store.CreateMetadata(ctx, md); err != nil {
			return Result{Outcome: Failure, Attempts: attempt, Err: fmt.Errorf("saving metadata: %w", err)}
		}
		return Result{Outcome: Success, Metadata: md, Attempts: attempt}
	}
	return Result{
		Outcome:  Failure,
		Attempts: c.maxAttempts,
		Err:      fmt.Errorf("giving up after %d attempts: %w", c.maxAttempts, lastErr),
	}
}

func (c *Coordinator) attempt(ctx context.Context, text string) (*model.Metadata, bool, error) {
	reply, err := c.analyzer.Analyze(ctx, MetadataInstruction, text)
	if err != nil {
		return nil, false, fmt.Errorf("analyze: %w", err)
	}
	doc, err := ExtractJSON(reply)
	if err != nil {
		return nil, false, err
	}
	return Decode(doc)
}
