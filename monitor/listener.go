package monitor

import (
	"context"
	"log"

	"github.com/masa23/newsfunnel/mailconn"
	"github.com/masa23/newsfunnel/mailparser"
	"github.com/masa23/newsfunnel/metrics"
)

// listener turns mailbox size announcements of one connection into fetches.
type listener struct {
	handle *Handle
	conn   mailconn.Conn
	sink   Sink
	logger *log.Logger
	// count is the last mailbox size seen
	count uint32
}

func (l *listener) run(ctx context.Context) error {
	for {
		n, err := l.conn.Wait(ctx)
		if err != nil {
			return err
		}
		l.notify(ctx, n.NumMessages)
	}
}

func (l *listener) notify(ctx context.Context, n uint32) {
	if n <= l.count {
		// expunge
		l.count = n
		return
	}
	msgs, err := l.conn.Fetch(ctx, mailconn.Range{From: l.count + 1, To: n})
	if err != nil {
		// count is kept so the next announcement fetches this range again
		metrics.FetchErrors.Inc()
		l.logger.Printf("monitor: %s fetch %d:%d: %v", l.handle.account, l.count+1, n, err)
		return
	}
	l.count = n
	l.deliver(ctx, msgs)
}

// catchUp fetches what arrived while the account had no connection.
func (l *listener) catchUp(ctx context.Context, from uint32) {
	msgs, err := l.conn.Fetch(ctx, mailconn.Range{From: from, ByUID: true})
	if err != nil {
		metrics.FetchErrors.Inc()
		l.logger.Printf("monitor: %s catch up from uid %d: %v", l.handle.account, from, err)
		return
	}
	if len(msgs) > 0 {
		l.logger.Printf("monitor: %s catching up %d messages from uid %d", l.handle.account, len(msgs), from)
	}
	l.deliver(ctx, msgs)
}

// deliver hands messages to the sink one at a time, in server order. An
// ingestion is not cut short when the session is closed under it.
func (l *listener) deliver(ctx context.Context, msgs []mailconn.RawMessage) {
	account := l.handle.account
	for _, raw := range msgs {
		if ctx.Err() != nil {
			return
		}
		metrics.FetchedMessages.Inc()

		msg := mailparser.Parse(raw)
		msg.AccountID = account.ID
		if !mailparser.Valid(&msg) {
			metrics.Ingested.WithLabelValues("invalid").Inc()
			l.logger.Printf("monitor: %s uid=%d invalid message, dropped", account, raw.UID)
			l.handle.seen(raw.UID)
			continue
		}

		outcome := l.sink.Ingest(context.WithoutCancel(ctx), &msg, raw.Raw, l.conn)
		l.logger.Printf("monitor: %s uid=%d %s", account, raw.UID, outcome)
		l.handle.seen(raw.UID)
	}
}
