package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/recordflow/internal/runtime/jsoncodec"
	"github.com/drblury/recordflow/transport"
)

// DeadLetter moves the message row into the dead-letter table in one
// statement. The caller acks msg afterwards.
func (t *Transport) DeadLetter(ctx context.Context, topic string, msg *message.Message, reason, description string) error {
	if t.isClosed() {
		return ErrClosed
	}
	v, ok := t.held.Load(msg)
	if !ok {
		return fmt.Errorf("postgres: dead-letter %s: %w", msg.UUID, transport.ErrLockLost)
	}
	res, err := t.db.ExecContext(ctx, t.q.deadLetter, msg.UUID, topic, reason, description, v.(*locked).token)
	if err != nil {
		return fmt.Errorf("postgres: dead-letter %s: %w", msg.UUID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("postgres: dead-letter %s: %w", msg.UUID, transport.ErrLockLost)
	}
	t.settled.Store(msg, struct{}{})
	return nil
}

// CountDeadLetters returns the number of dead-letters for topic.
func (t *Transport) CountDeadLetters(ctx context.Context, topic string) (int64, error) {
	var count int64
	err := t.db.QueryRowContext(ctx, t.q.deadLetterCount, topic).Scan(&count)
	return count, err
}

// ListDeadLetters returns dead-letters for topic, newest first.
func (t *Transport) ListDeadLetters(ctx context.Context, topic string, limit, offset int) ([]transport.DeadLetter, error) {
	rows, err := t.db.QueryContext(ctx, t.q.deadLetterList, topic, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []transport.DeadLetter
	for rows.Next() {
		var dl transport.DeadLetter
		var metadataJSON []byte
		if err := rows.Scan(&dl.ID, &dl.UUID, &dl.OriginalTopic, &dl.Payload, &metadataJSON,
			&dl.Reason, &dl.Description, &dl.DeliveryCount, &dl.FailedAt); err != nil {
			return nil, err
		}
		if len(metadataJSON) > 0 {
			if err := jsoncodec.Unmarshal(metadataJSON, &dl.Metadata); err != nil {
				return nil, fmt.Errorf("postgres: dead-letter %d metadata: %w", dl.ID, err)
			}
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// Redrive moves a dead-letter back onto its original topic with a fresh
// delivery count.
func (t *Transport) Redrive(ctx context.Context, id int64) error {
	res, err := t.db.ExecContext(ctx, t.q.deadLetterRedrive, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return transport.ErrDeadLetterNotFound
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return transport.ErrDeadLetterNotFound
	}
	return nil
}

// Purge deletes all dead-letters for topic.
func (t *Transport) Purge(ctx context.Context, topic string) (int64, error) {
	res, err := t.db.ExecContext(ctx, t.q.deadLetterPurge, topic)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
