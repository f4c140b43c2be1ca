package runtime

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	errspkg "github.com/agentbus/agentbus/internal/runtime/errors"
	"github.com/agentbus/agentbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/agentbus/agentbus/internal/runtime/logging"
	"github.com/agentbus/agentbus/internal/runtime/message"
	storepkg "github.com/agentbus/agentbus/internal/runtime/store"
)

// snapshotVersion tags the on-disk queue format so future readers can detect
// and migrate older snapshots.
const snapshotVersion = 1

// queueEntry is one message in flight. Ordering is priority ascending, then
// seq ascending, so equal-priority messages drain in arrival order.
type queueEntry struct {
	priority   message.Priority
	seq        uint64
	enqueuedAt time.Time
	msg        message.Message
}

// entryHeap implements heap.Interface over queue entries.
type entryHeap []*queueEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*queueEntry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

// queueSnapshot is the serialized form of a whole queue. It is self-contained:
// loading it fully reconstructs the in-memory structure.
type queueSnapshot struct {
	Version int             `json:"version"`
	Name    string          `json:"name"`
	SavedAt time.Time       `json:"saved_at"`
	Entries []snapshotEntry `json:"entries"`
}

type snapshotEntry struct {
	Priority   message.Priority `json:"priority"`
	Seq        uint64           `json:"seq"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
	Message    jsoncodec.Raw    `json:"message"`
}

// PersistentQueue is a priority queue with optional snapshot persistence.
// Every mutation completes in memory first and then writes a full snapshot
// through the store; write failures degrade the queue to in-memory operation
// for that mutation and are logged, never returned.
//
// A queue instance exclusively owns its store. All operations are safe for
// concurrent use; one lock serializes the heap and the snapshot write.
type PersistentQueue struct {
	name    string
	maxSize int
	store   storepkg.Store
	logger  loggingpkg.ServiceLogger

	mu      sync.Mutex
	entries entryHeap
	nextSeq uint64
}

// NewPersistentQueue builds a queue named for logging and metric labels.
// A nil store keeps the queue purely in memory. When the store already holds
// a snapshot the queue eagerly rebuilds from it; entries that fail to decode
// are skipped and logged.
func NewPersistentQueue(name string, maxSize int, st storepkg.Store, logger loggingpkg.ServiceLogger) *PersistentQueue {
	q := &PersistentQueue{
		name:    name,
		maxSize: maxSize,
		store:   st,
		logger:  logger.With(loggingpkg.LogFields{"queue": name}),
	}
	q.restore()
	return q
}

// Name returns the queue label used in logs and metrics.
func (q *PersistentQueue) Name() string { return q.name }

// Put inserts the message in priority order. It fails with a queue overflow
// error when the queue is at capacity; the message is not enqueued.
func (q *PersistentQueue) Put(msg message.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.maxSize {
		return &errspkg.QueueOverflowError{Queue: q.name, Capacity: q.maxSize}
	}

	q.nextSeq++
	heap.Push(&q.entries, &queueEntry{
		priority:   msg.Base().Priority,
		seq:        q.nextSeq,
		enqueuedAt: time.Now().UTC(),
		msg:        msg,
	})

	q.persistLocked()
	return nil
}

// Get pops the most urgent, oldest message. The second result is false when
// the queue is empty; Get never blocks.
func (q *PersistentQueue) Get() (message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil, false
	}

	entry := heap.Pop(&q.entries).(*queueEntry)
	q.persistLocked()
	return entry.msg, true
}

// Peek returns the message Get would pop without removing it.
func (q *PersistentQueue) Peek() (message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil, false
	}
	return q.entries[0].msg, true
}

// Len reports the number of queued messages.
func (q *PersistentQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Clear drops every queued message and persists the empty state.
func (q *PersistentQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := len(q.entries)
	q.entries = nil
	q.persistLocked()
	return dropped
}

// Items returns up to limit messages in drain order, skipping offset entries
// first, without removing anything. limit <= 0 means no limit.
func (q *PersistentQueue) Items(limit, offset int) []message.Message {
	q.mu.Lock()
	ordered := make([]*queueEntry, len(q.entries))
	copy(ordered, q.entries)
	q.mu.Unlock()

	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].priority != ordered[j].priority {
			return ordered[i].priority < ordered[j].priority
		}
		return ordered[i].seq < ordered[j].seq
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(ordered) {
		return nil
	}
	ordered = ordered[offset:]
	if limit > 0 && limit < len(ordered) {
		ordered = ordered[:limit]
	}

	msgs := make([]message.Message, len(ordered))
	for i, entry := range ordered {
		msgs[i] = entry.msg
	}
	return msgs
}

// persistLocked snapshots the queue through the store. Failures are logged
// and swallowed so queue operations keep working without durability.
func (q *PersistentQueue) persistLocked() {
	if q.store == nil {
		return
	}

	snapshot := queueSnapshot{
		Version: snapshotVersion,
		Name:    q.name,
		SavedAt: time.Now().UTC(),
		Entries: make([]snapshotEntry, 0, len(q.entries)),
	}
	for _, entry := range q.entries {
		raw, err := message.Marshal(entry.msg)
		if err != nil {
			q.logger.Error("failed to serialize queued message", err, loggingpkg.LogFields{
				"message_id": entry.msg.Base().ID,
			})
			continue
		}
		snapshot.Entries = append(snapshot.Entries, snapshotEntry{
			Priority:   entry.priority,
			Seq:        entry.seq,
			EnqueuedAt: entry.enqueuedAt,
			Message:    raw,
		})
	}

	data, err := jsoncodec.Marshal(snapshot)
	if err != nil {
		q.logger.Error("failed to encode queue snapshot", err, nil)
		return
	}
	if err := q.store.Save(data); err != nil {
		q.logger.Error("failed to persist queue", err, nil)
	}
}

// restore rebuilds the heap from the stored snapshot. Corrupt entries are
// skipped; a corrupt snapshot leaves the queue empty. Neither is fatal.
func (q *PersistentQueue) restore() {
	if q.store == nil {
		return
	}

	data, ok, err := q.store.Load()
	if err != nil {
		q.logger.Error("failed to load queue snapshot", err, nil)
		return
	}
	if !ok {
		return
	}

	var snapshot queueSnapshot
	if err := jsoncodec.Unmarshal(data, &snapshot); err != nil {
		q.logger.Error("failed to decode queue snapshot", err, nil)
		return
	}

	restored := 0
	for _, entry := range snapshot.Entries {
		msg, err := message.Decode(entry.Message)
		if err != nil {
			q.logger.Error("failed to restore message, skipping", err, loggingpkg.LogFields{
				"seq": entry.Seq,
			})
			continue
		}
		q.entries = append(q.entries, &queueEntry{
			priority:   entry.Priority,
			seq:        entry.Seq,
			enqueuedAt: entry.EnqueuedAt,
			msg:        msg,
		})
		if entry.Seq > q.nextSeq {
			q.nextSeq = entry.Seq
		}
		restored++
	}
	heap.Init(&q.entries)

	if restored > 0 {
		q.logger.Info("restored queue from snapshot", loggingpkg.LogFields{
			"messages": restored,
			"saved_at": snapshot.SavedAt,
		})
	}
}
