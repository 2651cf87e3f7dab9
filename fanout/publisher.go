// Package fanout pushes row and batch mutations to the conversation channel and to each member's personal
// channel.
//
// Publisher methods run inside the write transaction that made the change: sequence numbers and unread counts
// are computed there, and the broker is only called once the transaction has committed. Publish failures are
// logged and dropped; history paging recovers anything missed.
package fanout

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/meow-io/go-sealed/config"
	"github.com/meow-io/go-sealed/internal/db"
	"github.com/meow-io/go-sealed/messaging"
	"github.com/meow-io/go-sealed/migration"
	"github.com/meow-io/go-sealed/pubsub"
	"github.com/meow-io/go-sealed/registry"
	"go.uber.org/zap"
)

type Publisher struct {
	log      *zap.SugaredLogger
	db       *db.Database
	broker   pubsub.Broker
	registry *registry.Registry
	messages *messaging.Manager
	timeout  time.Duration
}

func NewPublisher(c *config.Config, d *db.Database, b pubsub.Broker, r *registry.Registry, m *messaging.Manager) (*Publisher, error) {
	if err := d.Migrate("_fanout", []*migration.Migration{
		{
			Name: "Create channel sequences",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _channel_seqs (
						channel TEXT PRIMARY KEY,
						seq INTEGER NOT NULL
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("fanout: error migrating: %w", err)
	}
	return &Publisher{
		log:      c.Logger("fanout"),
		db:       d,
		broker:   b,
		registry: r,
		messages: m,
		timeout:  time.Duration(c.RequestTimeoutMs) * time.Millisecond,
	}, nil
}

// BatchCreated announces every row of a new batch on the conversation channel and sends each member a summary
// with that member's rows and unread count.
func (p *Publisher) BatchCreated(b *messaging.Batch) error {
	out := p.outbox()
	channel := ConversationChannel(b.ConversationID)
	for _, r := range b.Rows {
		if err := out.add(channel, EventMessageSent, &RowCreated{Row: payloadFor(r)}); err != nil {
			return err
		}
	}
	members, err := p.registry.Members(b.ConversationID)
	if err != nil {
		return err
	}
	for _, userID := range members {
		if err := p.addSummary(out, b.ConversationID, b.ID, userID); err != nil {
			return err
		}
	}
	out.flushAfterCommit()
	return nil
}

// StatusChanged announces each changed row on the conversation channel. When rows became read, the reader also
// gets a summary with the recomputed unread count.
func (p *Publisher) StatusChanged(readerID, conversationID int64, rows []*messaging.Row) error {
	if len(rows) == 0 {
		return nil
	}
	out := p.outbox()
	channel := ConversationChannel(conversationID)
	read := false
	for _, r := range rows {
		if r.Status == messaging.StatusRead {
			read = true
		}
		e := &RowStatusChanged{
			RowID:          r.ID,
			ConversationID: r.ConversationID,
			RecipientKeyID: r.RecipientKeyID,
			BatchID:        r.BatchID,
			Status:         uint8(r.Status),
			UpdatedAtMs:    r.UpdatedAtMs,
		}
		if err := out.add(channel, EventMessageStatusUpdated, e); err != nil {
			return err
		}
	}
	if read {
		if err := p.addLatestSummary(out, conversationID, readerID); err != nil {
			return err
		}
	}
	out.flushAfterCommit()
	return nil
}

// BatchEdited announces each rewritten row. If the batch is the conversation's newest, the other members'
// conversation lists show its content, so they get a fresh summary too.
func (p *Publisher) BatchEdited(b *messaging.Batch) error {
	out := p.outbox()
	channel := ConversationChannel(b.ConversationID)
	for _, r := range b.Rows {
		if err := out.add(channel, EventMessageUpdated, &RowUpdated{Row: payloadFor(r)}); err != nil {
			return err
		}
	}
	latest, err := p.messages.IsLatestBatch(b.ConversationID, b.ID)
	if err != nil {
		return err
	}
	if latest {
		members, err := p.registry.Members(b.ConversationID)
		if err != nil {
			return err
		}
		for _, userID := range members {
			if userID == b.SenderID {
				continue
			}
			if err := p.addSummary(out, b.ConversationID, b.ID, userID); err != nil {
				return err
			}
		}
	}
	out.flushAfterCommit()
	return nil
}

// Summary builds the summary a member would receive for the conversation's newest batch.
func (p *Publisher) Summary(conversationID, userID int64) (*ConversationSummary, error) {
	rows, err := p.messages.LatestRowsFor(conversationID, userID)
	if err != nil {
		return nil, err
	}
	return p.summary(conversationID, userID, rows)
}

func (p *Publisher) addLatestSummary(out *outbox, conversationID, userID int64) error {
	s, err := p.Summary(conversationID, userID)
	if err != nil {
		return err
	}
	return out.add(UserChannel(userID), EventConversationUpdated, s)
}

func (p *Publisher) addSummary(out *outbox, conversationID, batchID, userID int64) error {
	rows, err := p.messages.BatchRowsFor(batchID, userID)
	if err != nil {
		return err
	}
	s, err := p.summary(conversationID, userID, rows)
	if err != nil {
		return err
	}
	return out.add(UserChannel(userID), EventConversationUpdated, s)
}

func (p *Publisher) summary(conversationID, userID int64, rows []*messaging.Row) (*ConversationSummary, error) {
	unread, err := p.messages.UnreadCount(conversationID, userID)
	if err != nil {
		return nil, err
	}
	payloads := make([]RowPayload, len(rows))
	for i, r := range rows {
		payloads[i] = payloadFor(r)
	}
	return &ConversationSummary{
		ConversationID: conversationID,
		UserID:         userID,
		Rows:           payloads,
		UnreadCount:    int64(unread),
	}, nil
}

// outbox collects messages during a transaction, numbering each within its channel.
type outbox struct {
	p    *Publisher
	msgs []*pubsub.Message
}

func (p *Publisher) outbox() *outbox {
	return &outbox{p: p}
}

func (o *outbox) add(channel, name string, event interface{}) error {
	body, err := encode(event)
	if err != nil {
		return err
	}
	seq, err := o.p.nextSeq(channel)
	if err != nil {
		return err
	}
	o.msgs = append(o.msgs, &pubsub.Message{Channel: channel, Name: name, Seq: seq, Body: body})
	return nil
}

func (o *outbox) flushAfterCommit() {
	if len(o.msgs) == 0 {
		return
	}
	msgs := o.msgs
	o.p.db.AfterCommit(func() {
		o.p.publish(msgs)
	})
}

func (p *Publisher) nextSeq(channel string) (uint64, error) {
	if _, err := p.db.Tx.Exec("INSERT INTO _channel_seqs (channel, seq) VALUES ($1, 1) ON CONFLICT(channel) DO UPDATE SET seq = seq + 1", channel); err != nil {
		return 0, fmt.Errorf("fanout: error incrementing seq for %s: %w", channel, err)
	}
	var seq uint64
	if err := p.db.Tx.Get(&seq, "SELECT seq FROM _channel_seqs WHERE channel = $1", channel); err != nil {
		return 0, fmt.Errorf("fanout: error reading seq for %s: %w", channel, err)
	}
	return seq, nil
}

func (p *Publisher) publish(msgs []*pubsub.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	for _, m := range msgs {
		if err := p.broker.Publish(ctx, m); err != nil {
			p.log.Warnf("dropping %s seq=%d on %s: %v", m.Name, m.Seq, m.Channel, err)
			continue
		}
		p.log.Debugf("published %s seq=%d on %s", m.Name, m.Seq, m.Channel)
	}
}
