// Package mailope runs fetched messages through storage and metadata
// extraction.
package mailope

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/masa23/newsfunnel/extractor"
	"github.com/masa23/newsfunnel/metrics"
	"github.com/masa23/newsfunnel/model"
	"github.com/masa23/newsfunnel/store"
)

type Outcome string

const (
	Ingested      Outcome = "ingested"
	Duplicate     Outcome = "duplicate"
	Rejected      Outcome = "rejected"
	NotNewsletter Outcome = "not_newsletter"
	Failed        Outcome = "failed"
)

type MessageStore interface {
	CreateMessage(ctx context.Context, msg *model.Message) error
	DeleteMessage(ctx context.Context, id uint64) error
	SetSummary(ctx context.Context, id uint64, summary string) error
}

type Extractor interface {
	Extract(ctx context.Context, messageID uint64, text string) extractor.Result
}

type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

type Archiver interface {
	Put(ctx context.Context, accountID uint64, raw []byte) (string, error)
	Delete(ctx context.Context, key string) error
}

// Source is the connection a message was fetched from.
type Source interface {
	MarkSeen(ctx context.Context, uids ...uint32) error
}

type Pipeline struct {
	store      MessageStore
	extractor  Extractor
	archive    Archiver
	summarizer Summarizer
	logger     *log.Logger
	now        func() time.Time
}

type Option func(*Pipeline)

// WithArchive keeps a compressed copy of every raw message.
func WithArchive(a Archiver) Option {
	return func(p *Pipeline) { p.archive = a }
}

// WithSummarizer stores a markdown summary for every newsletter.
func WithSummarizer(s Summarizer) Option {
	return func(p *Pipeline) { p.summarizer = s }
}

func WithLogger(l *log.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func NewPipeline(s MessageStore, x Extractor, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     s,
		extractor: x,
		logger:    log.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest persists msg, extracts its metadata and, for a newsletter, marks
// it seen on src. Every failure is confined to this message: it is logged
// and reported through the returned Outcome. raw and src may be nil.
func (p *Pipeline) Ingest(ctx context.Context, msg *model.Message, raw []byte, src Source) Outcome {
	outcome := p.ingest(ctx, msg, raw, src)
	metrics.Ingested.WithLabelValues(string(outcome)).Inc()
	return outcome
}

// Reprocess runs extraction again for a stored message that has no metadata.
func (p *Pipeline) Reprocess(ctx context.Context, msg *model.Message) Outcome {
	outcome := p.process(ctx, msg, nil)
	metrics.Ingested.WithLabelValues(string(outcome)).Inc()
	return outcome
}

func (p *Pipeline) ingest(ctx context.Context, msg *model.Message, raw []byte, src Source) Outcome {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = p.now().UTC()
	}

	if p.archive != nil && len(raw) > 0 {
		key, err := p.archive.Put(ctx, msg.AccountID, raw)
		if err != nil {
			p.logger.Printf("ingest: account=%d uid=%d archive failed: %v", msg.AccountID, msg.UID, err)
		} else {
			msg.ObjectStorageKey = key
		}
	}

	if err := p.store.CreateMessage(ctx, msg); err != nil {
		p.dropArchived(ctx, msg)
		if errors.Is(err, store.ErrDuplicate) {
			p.logger.Printf("ingest: account=%d uid=%d key=%s already stored, skipping", msg.AccountID, msg.UID, msg.MessageKey)
			return Duplicate
		}
		p.logger.Printf("ingest: account=%d uid=%d saving message: %v", msg.AccountID, msg.UID, err)
		return Rejected
	}
	p.logger.Printf("ingest: account=%d uid=%d saved message id=%d", msg.AccountID, msg.UID, msg.ID)

	return p.process(ctx, msg, src)
}

func (p *Pipeline) process(ctx context.Context, msg *model.Message, src Source) Outcome {
	res := p.extractor.Extract(ctx, msg.ID, msg.Body)
	switch res.Outcome {
	case extractor.NotNewsletter:
		if err := p.store.DeleteMessage(ctx, msg.ID); err != nil {
			p.logger.Printf("ingest: message=%d deleting non-newsletter: %v", msg.ID, err)
		}
		p.dropArchived(ctx, msg)
		p.logger.Printf("ingest: message=%d is not a newsletter, removed", msg.ID)
		return NotNewsletter
	case extractor.Failure:
		p.logger.Printf("ingest: message=%d extraction failed after %d attempts: %v", msg.ID, res.Attempts, res.Err)
		return Failed
	}

	msg.Metadata = res.Metadata
	p.summarize(ctx, msg)

	if src != nil {
		if err := src.MarkSeen(ctx, msg.UID); err != nil {
			p.logger.Printf("ingest: message=%d uid=%d mark seen: %v", msg.ID, msg.UID, err)
		}
	}
	return Ingested
}

func (p *Pipeline) summarize(ctx context.Context, msg *model.Message) {
	if p.summarizer == nil {
		return
	}
	summary, err := p.summarizer.Summarize(ctx, msg.Body)
	if err != nil {
		p.logger.Printf("ingest: message=%d summary: %v", msg.ID, err)
		return
	}
	if err := p.store.SetSummary(ctx, msg.ID, summary); err != nil {
		p.logger.Printf("ingest: message=%d saving summary: %v", msg.ID, err)
		return
	}
	msg.Summary = &summary
}

func (p *Pipeline) dropArchived(ctx context.Context, msg *model.Message) {
	if p.archive == nil || msg.ObjectStorageKey == "" {
		return
	}
	if err := p.archive.Delete(ctx, msg.ObjectStorageKey); err != nil {
		p.logger.Printf("ingest: deleting archived %s: %v", msg.ObjectStorageKey, err)
	}
}
