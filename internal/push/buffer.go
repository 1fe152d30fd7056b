package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dyadlabs/dyad-server/internal/kvstore"
)

// bufferEntry is one element of the durable per-(user, topic) list.
type bufferEntry struct {
	Payload      json.RawMessage `json:"payload"`
	EnqueuedAtMs int64           `json:"enqueued_at_ms"`
}

// Buffer stores undeliverable events per (user, topic) in the KV store so
// they survive disconnects and process restarts.
type Buffer struct {
	kv            kvstore.Store
	maxLen        int
	ttl           time.Duration
	messageExpiry time.Duration
	now           func() time.Time
}

// NewBuffer creates a durable push buffer.
func NewBuffer(kv kvstore.Store, maxLen int, ttl, messageExpiry time.Duration) *Buffer {
	return &Buffer{kv: kv, maxLen: maxLen, ttl: ttl, messageExpiry: messageExpiry, now: time.Now}
}

func bufferKey(userID, topic string) string {
	return "ws:buffer:" + userID + ":" + topic
}

// Append stores an undelivered event, trims to the newest maxLen entries,
// and refreshes the list TTL.
func (b *Buffer) Append(ctx context.Context, userID, topic string, payload []byte) error {
	entry := bufferEntry{Payload: payload, EnqueuedAtMs: b.now().UnixMilli()}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	key := bufferKey(userID, topic)
	if err := b.kv.ListAppend(ctx, key, string(data)); err != nil {
		return fmt.Errorf("buffer append: %w", err)
	}
	if err := b.kv.ListTrim(ctx, key, int64(-b.maxLen), -1); err != nil {
		return fmt.Errorf("buffer trim: %w", err)
	}
	if err := b.kv.Expire(ctx, key, b.ttl); err != nil {
		return fmt.Errorf("buffer expire: %w", err)
	}
	return nil
}

// Pending returns the buffered payloads that are still fresh, in enqueue
// order. Entries older than the message expiry are skipped.
func (b *Buffer) Pending(ctx context.Context, userID, topic string) ([][]byte, error) {
	raw, err := b.kv.ListRange(ctx, bufferKey(userID, topic), 0, -1)
	if err != nil {
		return nil, err
	}

	cutoff := b.now().Add(-b.messageExpiry).UnixMilli()
	var out [][]byte
	for _, item := range raw {
		var entry bufferEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		if entry.EnqueuedAtMs < cutoff {
			continue
		}
		out = append(out, entry.Payload)
	}
	return out, nil
}

// Clear deletes the buffer. Called only after every pending entry was
// delivered; a partial replay leaves the buffer for the next reconnect.
func (b *Buffer) Clear(ctx context.Context, userID, topic string) error {
	return b.kv.Delete(ctx, bufferKey(userID, topic))
}
