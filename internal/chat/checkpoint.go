package chat

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hotwellkz/wabridge/internal/bus"
	"github.com/hotwellkz/wabridge/internal/model"
	"github.com/hotwellkz/wabridge/internal/store"
)

// Checkpointer flushes dirty in-memory state to sqlite on an interval, on
// demand via Trigger, and once more on shutdown. A failed flush is retried
// with doubling delays; when attempts run out the batch is requeued, a
// PersistenceError goes out on the bus, and memory stays authoritative.
type Checkpointer struct {
	store    *Store
	tracker  *Tracker
	db       *store.DB
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration

	attempts  int
	retryBase time.Duration

	trigger chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewCheckpointer creates a checkpointer. attempts is the number of tries
// per flush, at least 1.
func NewCheckpointer(st *Store, tr *Tracker, db *store.DB, b *bus.Bus, logger *zap.Logger, interval time.Duration, attempts int) *Checkpointer {
	if attempts < 1 {
		attempts = 1
	}
	return &Checkpointer{
		store:     st,
		tracker:   tr,
		db:        db,
		bus:       b,
		logger:    logger,
		interval:  interval,
		attempts:  attempts,
		retryBase: 250 * time.Millisecond,
		trigger:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Restore rebuilds the in-memory store and tracker from sqlite. Only
// called once, before the flush loop starts.
func (c *Checkpointer) Restore() error {
	convs, err := c.db.LoadConversations()
	if err != nil {
		return &PersistenceError{Op: "restore conversations", Err: err}
	}
	c.store.Load(convs)

	marks, err := c.db.ListReadStatus()
	if err != nil {
		return &PersistenceError{Op: "restore read status", Err: err}
	}
	c.tracker.Load(marks)

	c.logger.Info("chat state restored",
		zap.Int("conversations", len(convs)),
		zap.Int("read_marks", len(marks)))
	return nil
}

// Start runs the flush loop until the context is canceled or Stop is
// called, then performs a final flush.
func (c *Checkpointer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Flush(ctx)
			case <-c.trigger:
				c.Flush(ctx)
			case <-ctx.Done():
				c.Flush(context.Background())
				return
			}
		}
	}()
}

// Stop cancels the loop and waits for the final flush.
func (c *Checkpointer) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

// Trigger requests an out-of-band flush. Non-blocking; a pending trigger
// coalesces with later ones.
func (c *Checkpointer) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Flush drains dirty state and writes it out, retrying on failure.
func (c *Checkpointer) Flush(ctx context.Context) {
	changed, deleted := c.store.Drain()
	marks := c.tracker.Drain()
	if len(changed) == 0 && len(deleted) == 0 && len(marks) == 0 {
		return
	}

	var err error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if err = c.persist(changed, deleted, marks); err == nil {
			c.logger.Debug("checkpoint flushed",
				zap.Int("conversations", len(changed)),
				zap.Int("deleted", len(deleted)),
				zap.Int("read_marks", len(marks)))
			return
		}
		c.logger.Warn("checkpoint attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == c.attempts {
			break
		}
		delay := c.retryBase << (attempt - 1)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			// Shutdown mid-retry: requeue and leave.
			attempt = c.attempts
		}
	}

	c.store.Requeue(changed, deleted)
	c.tracker.Requeue(marks)
	perr := &PersistenceError{Op: "checkpoint", Err: err}
	c.logger.Error("checkpoint exhausted retries", zap.Error(perr))
	c.bus.Emit(bus.KindStorePersistFailed, perr.Error())
}

func (c *Checkpointer) persist(changed []model.Conversation, deleted []string, marks []model.ReadStatus) error {
	// Deletions first: a conversation deleted and recreated within one
	// flush window is in both sets, and the recreated rows must survive.
	for _, id := range deleted {
		if err := c.db.DeleteConversation(id); err != nil {
			return err
		}
	}
	if err := c.db.SaveConversations(changed); err != nil {
		return err
	}
	for _, rs := range marks {
		if err := c.db.UpsertReadStatus(rs); err != nil {
			return err
		}
	}
	return nil
}
