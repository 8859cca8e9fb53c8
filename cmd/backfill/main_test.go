package main

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masa23/newsfunnel/extractor"
	"github.com/masa23/newsfunnel/mailope"
	"github.com/masa23/newsfunnel/model"
	"github.com/masa23/newsfunnel/store"
	"github.com/masa23/newsfunnel/store/storetest"
)

// bodyExtractor decides by message body.
type bodyExtractor struct {
	st    *store.Store
	calls int
}

func (x *bodyExtractor) Extract(ctx context.Context, messageID uint64, text string) extractor.Result {
	x.calls++
	switch text {
	case "newsletter":
		md := &model.Metadata{MessageID: messageID, IsNewsletter: true, Priority: model.PriorityNormal}
		if err := x.st.CreateMetadata(ctx, md); err != nil {
			return extractor.Result{Outcome: extractor.Failure, Err: err}
		}
		return extractor.Result{Outcome: extractor.Success, Metadata: md, Attempts: 1}
	case "personal":
		return extractor.Result{Outcome: extractor.NotNewsletter, Attempts: 1}
	}
	return extractor.Result{Outcome: extractor.Failure, Attempts: 3}
}

func TestBackfill(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	a := &model.Account{OwnerID: "o", Login: "me@example.com", Password: "pw", Host: "imap.example.com"}
	require.NoError(t, st.CreateAccount(ctx, a))

	var ids []uint64
	for i, body := range []string{"newsletter", "personal", "garbage", "done"} {
		m := &model.Message{AccountID: a.ID, MessageKey: body, Body: body, Subject: body, ReceivedAt: time.Now().Add(time.Duration(i) * time.Second)}
		require.NoError(t, st.CreateMessage(ctx, m))
		ids = append(ids, m.ID)
	}
	require.NoError(t, st.CreateMetadata(ctx, &model.Metadata{MessageID: ids[3], IsNewsletter: true, Priority: 1}))

	x := &bodyExtractor{st: st}
	p := mailope.NewPipeline(st, x, mailope.WithLogger(log.New(io.Discard, "", 0)))
	prev := log.Writer()
	log.SetOutput(io.Discard)
	t.Cleanup(func() { log.SetOutput(prev) })

	counts, err := backfill(ctx, st, p, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, x.calls)
	assert.Equal(t, 1, counts[mailope.Ingested])
	assert.Equal(t, 1, counts[mailope.NotNewsletter])
	assert.Equal(t, 1, counts[mailope.Failed])

	_, err = st.GetMessage(ctx, ids[1])
	assert.ErrorIs(t, err, store.ErrNotFound)

	left, err := st.ListMessagesWithoutMetadata(ctx, 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, ids[2], left[0].ID)

	// limit bounds one run
	x.calls = 0
	_, err = backfill(ctx, st, p, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, x.calls)
}
