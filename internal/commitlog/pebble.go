package commitlog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	json "github.com/goccy/go-json"

	"github.com/WuJingLearn/rocketmq/internal/delay"
)

// Key layout:
//
//	m/<offset u64 BE>  message body
//	r/<seq u64 BE>     re-published message (JSON)
//
// Offsets are logical byte positions: each message advances the next offset
// by its length, like a real commit log.
var (
	prefixMessage = []byte("m/")
	prefixReady   = []byte("r/")
)

func messageKey(offset int64) []byte {
	return appendU64(prefixMessage, uint64(offset))
}

func readyKey(seq uint64) []byte {
	return appendU64(prefixReady, seq)
}

func appendU64(prefix []byte, v uint64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], v)
	return k
}

// upperBound is the first key after every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	end[len(end)-1]++
	return end
}

// PebbleOptions configures a Pebble commit log.
type PebbleOptions struct {
	Dir string

	// Fsync makes every write wait for the WAL sync. Otherwise Pebble
	// group-commits within a few milliseconds.
	Fsync bool

	Logger *slog.Logger
}

// Pebble is a commit log stored in a Pebble database.
type Pebble struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions

	// mu serializes offset assignment.
	mu       sync.Mutex
	next     int64
	readySeq atomic.Uint64
	closed   atomic.Bool

	logger *slog.Logger
}

// OpenPebble opens (or creates) the database and recovers the next offsets.
func OpenPebble(opts PebbleOptions) (*Pebble, error) {
	if opts.Dir == "" {
		return nil, errors.New("pebble commit log: Dir is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	po := &pebble.Options{}
	writeOpts := pebble.Sync
	if !opts.Fsync {
		po.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
		writeOpts = pebble.NoSync
	}
	db, err := pebble.Open(opts.Dir, po)
	if err != nil {
		return nil, fmt.Errorf("open pebble commit log: %w", err)
	}

	p := &Pebble{
		db:        db,
		writeOpts: writeOpts,
		logger:    logger.With("component", "commit_log"),
	}
	if err := p.recover(); err != nil {
		db.Close()
		return nil, err
	}
	p.logger.Info("commit log opened", "dir", opts.Dir, "next_offset", p.next, "ready_seq", p.readySeq.Load())
	return p, nil
}

// recover finds the last message and the last ready sequence.
func (p *Pebble) recover() error {
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefixMessage, UpperBound: upperBound(prefixMessage)})
	if err != nil {
		return fmt.Errorf("scan commit log: %w", err)
	}
	if iter.Last() {
		off := int64(binary.BigEndian.Uint64(iter.Key()[len(prefixMessage):]))
		p.next = off + int64(len(iter.Value()))
	}
	if err := iter.Close(); err != nil {
		return err
	}

	iter, err = p.db.NewIter(&pebble.IterOptions{LowerBound: prefixReady, UpperBound: upperBound(prefixReady)})
	if err != nil {
		return fmt.Errorf("scan ready messages: %w", err)
	}
	if iter.Last() {
		p.readySeq.Store(binary.BigEndian.Uint64(iter.Key()[len(prefixReady):]))
	}
	return iter.Close()
}

// Append stores body at the next offset.
func (p *Pebble) Append(_ context.Context, body []byte) (int64, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	if len(body) == 0 {
		return 0, ErrEmptyMessage
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	off := p.next
	if err := p.db.Set(messageKey(off), body, p.writeOpts); err != nil {
		return 0, fmt.Errorf("append to commit log: %w", err)
	}
	p.next += int64(len(body))
	return off, nil
}

// Read returns a copy of the body stored at offset.
func (p *Pebble) Read(_ context.Context, offset int64) ([]byte, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	val, closer, err := p.db.Get(messageKey(offset))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, offset)
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

// Publish records msg in the ready keyspace.
func (p *Pebble) Publish(_ context.Context, msg delay.DueMessage) error {
	if p.closed.Load() {
		return ErrClosed
	}
	seq := p.readySeq.Add(1)
	data, err := json.Marshal(ReadyMessage{
		Seq:          seq,
		Subject:      msg.Subject,
		MessageID:    msg.MessageID,
		ScheduleTime: msg.ScheduleTime,
		PublishedAt:  time.Now().UnixMilli(),
		Payload:      msg.Payload,
	})
	if err != nil {
		return err
	}
	b := p.db.NewBatch()
	defer b.Close()
	if err := b.Set(readyKey(seq), data, nil); err != nil {
		return err
	}
	return b.Commit(p.writeOpts)
}

// Ready lists re-published messages from seq from.
func (p *Pebble) Ready(from uint64, limit int) ([]ReadyMessage, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: readyKey(from), UpperBound: upperBound(prefixReady)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []ReadyMessage
	for ok := iter.First(); ok; ok = iter.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		var m ReadyMessage
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			p.logger.Warn("skipping undecodable ready message", "key", fmt.Sprintf("%x", iter.Key()), "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

// Close closes the database.
func (p *Pebble) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.db.Close()
}
