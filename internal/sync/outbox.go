package sync

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Outbox list names. The outbound list receives freshly captured records; the
// retry list receives records whose delivery failed.
const (
	ListOutbound = "outbound"
	ListRetry    = "retry"
)

const outboxPollInterval = 100 * time.Millisecond

var (
	errMissingOutboxPath = errors.New("outbox path is required")
	errUnknownList       = errors.New("unknown outbox list")
)

// Outbox is the durable write-ahead store for outbound change records: two
// FIFO lists with push-right/pop-left semantics backed by a single bbolt
// file. Pop removes and returns atomically inside one write transaction, so
// concurrent drain workers never observe the same item.
type Outbox struct {
	db     *bolt.DB
	logger *zap.Logger
	notify chan struct{}
}

// OpenOutbox opens (creating if needed) the outbox file and its lists.
func OpenOutbox(path string, logger *zap.Logger) (*Outbox, error) {
	if path == "" {
		return nil, errMissingOutboxPath
	}
	if logger == nil {
		logger = noOpLogger
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, list := range []string{ListOutbound, ListRetry} {
			if _, err := tx.CreateBucketIfNotExists([]byte(list)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("init outbox lists: %w", err)
	}

	return &Outbox{
		db:     db,
		logger: logger,
		notify: make(chan struct{}, 1),
	}, nil
}

// Close releases the underlying store.
func (o *Outbox) Close() error {
	return o.db.Close()
}

// Push appends a payload to the right of the named list.
func (o *Outbox) Push(list string, payload []byte) error {
	if list != ListOutbound && list != ListRetry {
		return fmt.Errorf("%w: %s", errUnknownList, list)
	}
	err := o.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(list))
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return bucket.Put(key[:], payload)
	})
	if err != nil {
		return fmt.Errorf("outbox push %s: %w", list, err)
	}
	select {
	case o.notify <- struct{}{}:
	default:
	}
	return nil
}

// TryPop removes and returns the oldest payload across the lists, outbound
// first. A nil payload with nil error means both lists are empty.
func (o *Outbox) TryPop() (list string, payload []byte, err error) {
	err = o.db.Update(func(tx *bolt.Tx) error {
		for _, candidate := range []string{ListOutbound, ListRetry} {
			bucket := tx.Bucket([]byte(candidate))
			cursor := bucket.Cursor()
			key, value := cursor.First()
			if key == nil {
				continue
			}
			payload = append([]byte(nil), value...)
			list = candidate
			return bucket.Delete(key)
		}
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("outbox pop: %w", err)
	}
	return list, payload, nil
}

// PopAny blocks up to timeout for a payload from either list. It returns a
// nil payload on timeout and ctx.Err when cancelled.
func (o *Outbox) PopAny(ctx context.Context, timeout time.Duration) (string, []byte, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(outboxPollInterval)
	defer ticker.Stop()

	for {
		list, payload, err := o.TryPop()
		if err != nil || payload != nil {
			return list, payload, err
		}
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-deadline.C:
			return "", nil, nil
		case <-o.notify:
		case <-ticker.C:
		}
	}
}

// Depth reports how many records are pending across both lists.
func (o *Outbox) Depth() (int, error) {
	total := 0
	err := o.db.View(func(tx *bolt.Tx) error {
		for _, list := range []string{ListOutbound, ListRetry} {
			total += tx.Bucket([]byte(list)).Stats().KeyN
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("outbox depth: %w", err)
	}
	return total, nil
}
