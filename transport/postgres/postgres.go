// Package postgres provides a PostgreSQL peek-lock queue transport. Receivers
// lock one row at a time with FOR UPDATE SKIP LOCKED; completing deletes the
// row, abandoning releases the lock, and an expired lock makes the row
// visible again. Dead-letters are moved into a table of their own.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/drblury/recordflow/internal/runtime/jsoncodec"
	"github.com/drblury/recordflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "postgres"

const (
	// DefaultPollInterval is the default interval for polling new messages.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultLockTimeout is the default duration a message is locked during processing.
	DefaultLockTimeout = 30 * time.Second
	// DefaultSchemaName holds the queue tables.
	DefaultSchemaName = "recordflow"

	metadataDeliveryCount = "delivery_count"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("postgres transport is closed")

// Open allows overriding the database handle for testing.
var Open = func(dsn string) (*sql.DB, error) {
	return sql.Open("postgres", dsn)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.PostgresCapabilities)
	transport.Alias("postgresql", TransportName)
}

// Build creates a new PostgreSQL transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(ctx, Config{
		ConnectionString: cfg.GetConnectionString(),
		LockTimeout:      cfg.GetLockDuration(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

// Config holds PostgreSQL-specific configuration.
type Config struct {
	ConnectionString string
	// PollInterval is how long an idle receiver waits before polling again.
	PollInterval time.Duration
	// LockTimeout is how long a delivery stays locked.
	LockTimeout time.Duration
	// SchemaName defaults to DefaultSchemaName.
	SchemaName   string
	MaxOpenConns int
	MaxIdleConns int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.SchemaName == "" {
		c.SchemaName = DefaultSchemaName
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

// Transport implements Publisher, Subscriber, transport.Completer,
// transport.DeadLetterer and transport.DeadLetterStore.
type Transport struct {
	db     *sql.DB
	config Config
	q      queries
	logger watermill.LoggerAdapter

	// held maps a delivered *message.Message to its *locked row.
	held sync.Map
	// settled holds deliveries already removed by Complete or DeadLetter, so
	// the following ack does not touch the row again.
	settled sync.Map

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
	wg         sync.WaitGroup
}

// New opens the database and creates the schema if needed.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("postgres: connection string is required")
	}
	cfg = cfg.withDefaults()
	if err := validateSchemaName(cfg.SchemaName); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	db, err := Open(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	t := &Transport{
		db:         db,
		config:     cfg,
		q:          newQueries(cfg.SchemaName),
		logger:     logger,
		closedChan: make(chan struct{}),
	}

	if err := t.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: initialize schema: %w", err)
	}

	return t, nil
}

func (t *Transport) initSchema(ctx context.Context) error {
	if _, err := t.db.ExecContext(ctx, t.q.createSchema); err != nil {
		return err
	}
	_, err := t.db.ExecContext(ctx, t.q.createTables)
	return err
}

func (t *Transport) isClosed() bool {
	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	return t.closed
}

// Publish inserts messages in one transaction. Re-publishing a UUID that is
// still queued is a no-op.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}

	ctx := context.Background()
	if len(messages) > 0 {
		ctx = messages[0].Context()
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			t.logger.Error("Failed to rollback transaction", err, watermill.LogFields{"topic": topic})
		}
	}()

	for _, msg := range messages {
		metadata, err := jsoncodec.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("postgres: marshal metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, t.q.insert, msg.UUID, topic, []byte(msg.Payload), metadata); err != nil {
			return fmt.Errorf("postgres: insert message %s: %w", msg.UUID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// Subscribe starts a receiver that competes with all other receivers on topic.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}

	msgChan := make(chan *message.Message)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(msgChan)
		t.pollMessages(ctx, topic, msgChan)
	}()

	return msgChan, nil
}

func (t *Transport) pollMessages(ctx context.Context, topic string, msgChan chan<- *message.Message) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closedChan:
			return
		case <-timer.C:
		}

		if t.processNext(ctx, topic, msgChan) {
			// Keep draining while messages are available.
			timer.Reset(0)
		} else {
			timer.Reset(t.config.PollInterval)
		}
	}
}

// locked is one locked row.
type locked struct {
	id    int64
	token string
	msg   *message.Message
}

func (t *Transport) lockNext(ctx context.Context, topic string) (*locked, error) {
	now := time.Now().UTC()
	token := watermill.NewUUID()

	var (
		id            int64
		uuid          string
		payload       []byte
		metadataJSON  []byte
		deliveryCount int
	)
	err := t.db.QueryRowContext(ctx, t.q.lockNext, now.Add(t.config.LockTimeout), token, topic, now).
		Scan(&id, &uuid, &payload, &metadataJSON, &deliveryCount)
	if err != nil {
		return nil, err
	}

	metadata := make(message.Metadata)
	if len(metadataJSON) > 0 {
		if err := jsoncodec.Unmarshal(metadataJSON, &metadata); err != nil {
			t.logger.Error("Failed to unmarshal metadata", err, watermill.LogFields{"topic": topic, "message_uuid": uuid})
		}
	}
	metadata.Set(metadataDeliveryCount, strconv.Itoa(deliveryCount))

	msg := message.NewMessage(uuid, payload)
	msg.Metadata = metadata
	return &locked{id: id, token: token, msg: msg}, nil
}

// processNext locks and delivers one message. It reports whether a message
// was found.
func (t *Transport) processNext(ctx context.Context, topic string, msgChan chan<- *message.Message) bool {
	row, err := t.lockNext(ctx, topic)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) && ctx.Err() == nil && !t.isClosed() {
			t.logger.Error("Failed to lock message", err, watermill.LogFields{"topic": topic})
		}
		return false
	}
	row.msg.SetContext(ctx)
	t.held.Store(row.msg, row)
	defer t.held.Delete(row.msg)
	defer t.settled.Delete(row.msg)

	select {
	case msgChan <- row.msg:
	case <-ctx.Done():
		t.release(row, topic)
		return true
	case <-t.closedChan:
		t.release(row, topic)
		return true
	}

	// A cancelled subscription leaves the delivery with its receiver until it
	// is acked or nacked.
	done := ctx.Done()
	for {
		select {
		case <-row.msg.Acked():
			t.ackRow(row, topic)
			return true
		case <-row.msg.Nacked():
			t.release(row, topic)
			return true
		case <-done:
			done = nil
		case <-t.closedChan:
			t.release(row, topic)
			return true
		}
	}
}

// Complete deletes the row of a delivered message if its lock is still held.
func (t *Transport) Complete(ctx context.Context, topic string, msg *message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}
	v, ok := t.held.Load(msg)
	if !ok {
		return fmt.Errorf("postgres: complete %s: %w", msg.UUID, transport.ErrLockLost)
	}
	row := v.(*locked)
	if err := t.deleteRow(ctx, row); err != nil {
		return fmt.Errorf("postgres: complete %s: %w", msg.UUID, err)
	}
	t.settled.Store(msg, struct{}{})
	return nil
}

func (t *Transport) deleteRow(ctx context.Context, row *locked) error {
	res, err := t.db.ExecContext(ctx, t.q.complete, row.id, row.token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return transport.ErrLockLost
	}
	return nil
}

// ackRow handles an ack that did not go through Complete.
func (t *Transport) ackRow(row *locked, topic string) {
	if _, done := t.settled.Load(row.msg); done {
		return
	}
	if err := t.deleteRow(context.Background(), row); err != nil {
		t.logger.Error("Failed to complete message", err, watermill.LogFields{"topic": topic, "message_uuid": row.msg.UUID})
	}
}

// release makes the row visible again immediately. A lost lock needs no release.
func (t *Transport) release(row *locked, topic string) {
	if _, err := t.db.ExecContext(context.Background(), t.q.release, row.id, row.token); err != nil {
		t.logger.Error("Failed to release message lock", err, watermill.LogFields{"topic": topic, "message_uuid": row.msg.UUID})
	}
}

// PendingCount returns the number of queued messages for a topic, locked or not.
func (t *Transport) PendingCount(ctx context.Context, topic string) (int64, error) {
	var count int64
	err := t.db.QueryRowContext(ctx, t.q.pendingCount, topic).Scan(&count)
	return count, err
}

// Close stops all receivers, releasing their locks, and closes the database.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closedChan)
	t.closedMu.Unlock()

	t.wg.Wait()
	return t.db.Close()
}

// Capabilities returns the capabilities of this transport instance.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}
