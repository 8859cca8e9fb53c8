package extractor

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masa23/newsfunnel/model"
)

const validReply = `Here is the analysis:
{
  "isNewsletter": true,
  "newsletterName": "Go Weekly",
  "theme": ["tech"],
  "tags": ["go", "release"],
  "mainSubjectsTitle": ["Go 1.24 released"],
  "oneResumeSentence": "Go 1.24 is out.",
  "longResume": "The Go team released 1.24 with many improvements.",
  "differentSubject": false,
  "isExplicitSponsored": true,
  "sponsorIfTrue": "ACME",
  "unsubscribeLink": null,
  "priority": 2
}`

type scriptedAnalyzer struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   int
	texts   []string
	instr   []string
}

func (a *scriptedAnalyzer) Analyze(_ context.Context, instruction, text string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.calls
	a.calls++
	a.texts = append(a.texts, text)
	a.instr = append(a.instr, instruction)
	if i < len(a.errs) && a.errs[i] != nil {
		return "", a.errs[i]
	}
	if i < len(a.replies) {
		return a.replies[i], nil
	}
	return a.replies[len(a.replies)-1], nil
}

type memoryStore struct {
	saved []*model.Metadata
	err   error
}

func (s *memoryStore) CreateMetadata(_ context.Context, md *model.Metadata) error {
	if s.err != nil {
		return s.err
	}
	md.ID = uint64(len(s.saved) + 1)
	s.saved = append(s.saved, md)
	return nil
}

func quiet() Option {
	return WithLogger(log.New(io.Discard, "", 0))
}

func TestExtractRetriesUntilValid(t *testing.T) {
	analyzer := &scriptedAnalyzer{replies: []string{"I cannot help with that.", "still no json", validReply}}
	store := &memoryStore{}
	c := New(analyzer, store, quiet())

	res := c.Extract(context.Background(), 7, "newsletter body")

	require.Equal(t, Success, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, analyzer.calls)
	assert.NoError(t, res.Err)
	require.Len(t, store.saved, 1)
	md := res.Metadata
	assert.Same(t, store.saved[0], md)
	assert.Equal(t, uint64(7), md.MessageID)
	assert.Equal(t, "Go Weekly", *md.NewsletterName)
	assert.Equal(t, []string{"go", "release"}, md.Tags)
	assert.Equal(t, "ACME", *md.SponsorIfTrue)
	assert.Nil(t, md.UnsubscribeLink)
	assert.Nil(t, md.OtherLinks)
	assert.Equal(t, model.PriorityImportant, md.Priority)
	for i := range analyzer.texts {
		assert.Equal(t, "newsletter body", analyzer.texts[i])
		assert.Equal(t, MetadataInstruction, analyzer.instr[i])
	}
}

func TestExtractGivesUpAfterMaxAttempts(t *testing.T) {
	analyzer := &scriptedAnalyzer{replies: []string{"nope"}}
	store := &memoryStore{}
	c := New(analyzer, store, quiet())

	res := c.Extract(context.Background(), 1, "body")

	assert.Equal(t, Failure, res.Outcome)
	assert.Equal(t, DefaultMaxAttempts, res.Attempts)
	assert.Equal(t, DefaultMaxAttempts, analyzer.calls)
	assert.ErrorIs(t, res.Err, ErrNoJSON)
	assert.Nil(t, res.Metadata)
	assert.Empty(t, store.saved)
}

func TestExtractRejectsOutOfRangePriority(t *testing.T) {
	for _, p := range []string{`"priority": 0`, `"priority": 4`, `"priority": 2.5`} {
		reply := strings.Replace(validReply, `"priority": 2`, p, 1)
		analyzer := &scriptedAnalyzer{replies: []string{reply}}
		store := &memoryStore{}

		res := New(analyzer, store, quiet()).Extract(context.Background(), 1, "body")

		assert.Equal(t, Failure, res.Outcome, p)
		assert.ErrorIs(t, res.Err, ErrInvalidMetadata, p)
		assert.Equal(t, 3, analyzer.calls, p)
		assert.Empty(t, store.saved, p)
	}
}

func TestExtractNotNewsletter(t *testing.T) {
	analyzer := &scriptedAnalyzer{replies: []string{`{"isNewsletter": false}`}}
	store := &memoryStore{}

	res := New(analyzer, store, quiet()).Extract(context.Background(), 1, "hi mom")

	assert.Equal(t, NotNewsletter, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Nil(t, res.Metadata)
	assert.NoError(t, res.Err)
	assert.Empty(t, store.saved)
}

func TestExtractAnalyzerErrorConsumesAttempt(t *testing.T) {
	analyzer := &scriptedAnalyzer{
		errs:    []error{errors.New("503 overloaded")},
		replies: []string{"", validReply},
	}
	res := New(analyzer, &memoryStore{}, quiet()).Extract(context.Background(), 1, "body")

	assert.Equal(t, Success, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
}

func TestExtractStorageErrorIsNotRetried(t *testing.T) {
	analyzer := &scriptedAnalyzer{replies: []string{validReply}}
	store := &memoryStore{err: errors.New("disk full")}

	res := New(analyzer, store, quiet()).Extract(context.Background(), 1, "body")

	assert.Equal(t, Failure, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, analyzer.calls)
	assert.ErrorContains(t, res.Err, "disk full")
}

func TestExtractHonoursMaxAttemptsOption(t *testing.T) {
	analyzer := &scriptedAnalyzer{replies: []string{"nope"}}
	res := New(analyzer, &memoryStore{}, quiet(), WithMaxAttempts(5)).Extract(context.Background(), 1, "body")

	assert.Equal(t, Failure, res.Outcome)
	assert.Equal(t, 5, analyzer.calls)
}

func TestExtractStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	analyzer := &scriptedAnalyzer{replies: []string{validReply}}

	res := New(analyzer, &memoryStore{}, quiet()).Extract(ctx, 1, "body")

	assert.Equal(t, Failure, res.Outcome)
	assert.Zero(t, analyzer.calls)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestDecode(t *testing.T) {
	_, newsletter, err := Decode(`{"isNewsletter": false, "theme": 12}`)
	require.NoError(t, err)
	assert.False(t, newsletter)

	md, newsletter, err := Decode(`{
		"isNewsletter": true, "newsletterName": null, "theme": [], "tags": ["a"],
		"mainSubjectsTitle": ["b"], "oneResumeSentence": "c", "longResume": "d",
		"differentSubject": true, "isExplicitSponsored": false,
		"otherLinksMentionned": ["https://example.com"], "priority": 1,
		"id": 99, "message_id": 42
	}`)
	require.NoError(t, err)
	assert.True(t, newsletter)
	assert.Equal(t, []string{"https://example.com"}, md.OtherLinks)
	assert.Zero(t, md.ID)
	assert.Zero(t, md.MessageID)

	bad := []string{
		`{"isNewsletter": true}`,
		`{"isNewsletter": "yes"}`,
		`{"theme": ["x"]}`,
		`[1, 2]`,
		strings.Replace(validReply[strings.Index(validReply, "{"):], `"tags": ["go", "release"]`, `"tags": "go"`, 1),
	}
	for _, doc := range bad {
		_, _, err := Decode(doc)
		assert.ErrorIs(t, err, ErrInvalidMetadata, doc)
	}
}
