// Package batcher coalesces rapid-fire messages from one user into a
// single unit of work within a debounce window.
package batcher

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hrygo/converse/plugin/chat_apps"
)

// FlushFunc processes a merged batch. Errors are logged at the flush
// boundary and never affect other users' batches.
type FlushFunc func(userID string, merged *chat_apps.IncomingMessage) error

// Config configures a Batcher.
type Config struct {
	// Window is the debounce quiet period after the last message.
	// Zero means 2 seconds.
	Window time.Duration
	// MaxBatchSize flushes a batch immediately once reached, preempting
	// the window. Zero means 5.
	MaxBatchSize int
	// OnFlush, if set, observes every flush with its trigger ("size",
	// "timer" or "shutdown") and message count.
	OnFlush func(trigger string, size int)
}

// Batcher holds at most one live batch per user. A batch flushes when its
// debounce timer expires, or immediately when it reaches the size
// threshold; each new message resets the timer.
type Batcher struct {
	mu      sync.Mutex
	batches map[string]*batch
	window  time.Duration
	maxSize int
	flush   FlushFunc
	onFlush func(trigger string, size int)
}

type batch struct {
	id       string
	messages []*chat_apps.IncomingMessage
	timer    *time.Timer
	// generation invalidates timer callbacks scheduled before a reset or
	// clear: a stale timer that already fired when Stop was called finds
	// a newer generation and does nothing.
	generation uint64
}

// New creates a batcher that delivers merged batches to flush.
func New(cfg Config, flush FlushFunc) *Batcher {
	if cfg.Window <= 0 {
		cfg.Window = 2 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 5
	}
	return &Batcher{
		batches: make(map[string]*batch),
		window:  cfg.Window,
		maxSize: cfg.MaxBatchSize,
		flush:   flush,
		onFlush: cfg.OnFlush,
	}
}

// Add enqueues a message for the user. The first message opens a batch and
// starts the debounce timer; subsequent messages reset it. Reaching the
// size threshold flushes synchronously before Add returns.
func (b *Batcher) Add(userID string, msg *chat_apps.IncomingMessage) {
	b.mu.Lock()

	bt, ok := b.batches[userID]
	if !ok {
		bt = &batch{id: uuid.NewString()}
		b.batches[userID] = bt
		slog.Debug("batcher: batch opened", "user_id", userID, "batch_id", bt.id)
	}

	bt.messages = append(bt.messages, msg)

	if len(bt.messages) >= b.maxSize {
		// Size threshold preempts the window: flush now, synchronously.
		b.removeLocked(userID, bt)
		b.mu.Unlock()
		b.deliver(userID, bt, "size")
		return
	}

	bt.generation++
	gen := bt.generation
	if bt.timer != nil {
		bt.timer.Stop()
	}
	bt.timer = time.AfterFunc(b.window, func() {
		b.onTimer(userID, gen)
	})
	b.mu.Unlock()
}

// onTimer flushes the user's batch if it is still the one the timer was
// armed for.
func (b *Batcher) onTimer(userID string, generation uint64) {
	b.mu.Lock()
	bt, ok := b.batches[userID]
	if !ok || bt.generation != generation {
		b.mu.Unlock()
		return
	}
	b.removeLocked(userID, bt)
	b.mu.Unlock()

	b.deliver(userID, bt, "timer")
}

// FlushAll force-flushes every outstanding batch, used at shutdown.
// It iterates a snapshot of user IDs so concurrent mutation can neither
// skip nor duplicate a flush.
func (b *Batcher) FlushAll() {
	b.mu.Lock()
	userIDs := make([]string, 0, len(b.batches))
	for userID := range b.batches {
		userIDs = append(userIDs, userID)
	}
	b.mu.Unlock()

	for _, userID := range userIDs {
		b.mu.Lock()
		bt, ok := b.batches[userID]
		if !ok {
			b.mu.Unlock()
			continue
		}
		b.removeLocked(userID, bt)
		b.mu.Unlock()

		b.deliver(userID, bt, "shutdown")
	}
}

// Clear cancels and discards a user's pending batch without flushing.
// Returns true if a batch existed.
func (b *Batcher) Clear(userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	bt, ok := b.batches[userID]
	if ok {
		b.removeLocked(userID, bt)
	}
	return ok
}

// Pending returns the number of users with an open batch.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches)
}

// removeLocked takes a batch out of the map and disarms its timer.
// The entry is always removed before the flush callback runs, so a failed
// flush never leaves a stale batch behind.
func (b *Batcher) removeLocked(userID string, bt *batch) {
	bt.generation++
	if bt.timer != nil {
		bt.timer.Stop()
	}
	delete(b.batches, userID)
}

// deliver merges and hands the batch to the flush callback, containing
// panics and logging errors so one user's failure cannot affect others.
func (b *Batcher) deliver(userID string, bt *batch, trigger string) {
	merged := Merge(bt.messages)
	if merged == nil {
		return
	}

	if b.onFlush != nil {
		b.onFlush(trigger, len(bt.messages))
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("batcher: flush callback panicked",
				"user_id", userID, "batch_id", bt.id, "panic", r)
		}
	}()

	if err := b.flush(userID, merged); err != nil {
		slog.Error("batcher: flush failed",
			"user_id", userID, "batch_id", bt.id,
			"messages", len(bt.messages), "error", err)
	}
}

// Merge combines batched messages into one composite message. A single
// message passes through unchanged; multiple messages become a numbered
// concatenation of their text, with the first message as the structural
// template for every other field.
func Merge(messages []*chat_apps.IncomingMessage) *chat_apps.IncomingMessage {
	if len(messages) == 0 {
		return nil
	}
	if len(messages) == 1 {
		return messages[0]
	}

	var sb strings.Builder
	for i, m := range messages {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%d. %s", i+1, m.Content)
	}

	merged := *messages[0]
	merged.Content = sb.String()
	return &merged
}
