// Package reconcile accumulates realtime changes into complete batches.
//
// The Reconciler is a plain state machine with no timers or I/O. The
// caller arms a deadline timer for the (Key, Gen) returned by Add and
// reports its expiry through Expire; a stale generation is ignored, so
// every arrival effectively resets the deadline.
package reconcile

import (
	"sort"

	"github.com/alexjbarnes/vault-mirror/internal/models"
)

// Outcome says what Add did with a message.
type Outcome int

const (
	// Pending means the change was accumulated and the batch is still
	// incomplete.
	Pending Outcome = iota
	// Complete means the change completed its batch.
	Complete
	// Duplicate means the seq was already held. The deadline still resets.
	Duplicate
	// SelfEcho means the change came from this device and was dropped.
	SelfEcho
	// NoMetadata means the change lacked usable batch fields and was
	// dropped.
	NoMetadata
	// TotalMismatch means the change disagreed with its batch about the
	// total and was dropped.
	TotalMismatch
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Complete:
		return "complete"
	case Duplicate:
		return "duplicate"
	case SelfEcho:
		return "self_echo"
	case NoMetadata:
		return "no_metadata"
	case TotalMismatch:
		return "total_mismatch"
	default:
		return "unknown"
	}
}

// Dropped reports whether the change was discarded.
func (o Outcome) Dropped() bool {
	return o == SelfEcho || o == NoMetadata || o == TotalMismatch
}

// Key identifies one in-flight batch. Batch ids are only unique per
// backend.
type Key struct {
	BackendID string
	BatchID   string
}

// Batch is a batch handed back to the caller, either complete or
// expired with gaps.
type Batch struct {
	Key
	Total   int
	Changes []models.ColumnChange
	Missing []int
}

// Complete reports whether every seq is present.
func (b *Batch) Complete() bool {
	return len(b.Missing) == 0
}

// Merge adds fetched changes for missing seqs and recomputes Missing.
// Changes for other batches or seqs already held are ignored.
func (b *Batch) Merge(fetched []models.ColumnChange) {
	bySeq := make(map[int]models.ColumnChange, b.Total)
	for _, c := range b.Changes {
		bySeq[c.BatchSeq] = c
	}

	for _, c := range fetched {
		if c.BatchID != b.BatchID || c.BatchSeq < 1 || c.BatchSeq > b.Total {
			continue
		}

		if _, ok := bySeq[c.BatchSeq]; !ok {
			bySeq[c.BatchSeq] = c
		}
	}

	b.Changes, b.Missing = collect(bySeq, b.Total)
}

// Result is the outcome of one Add.
type Result struct {
	Outcome Outcome
	Key     Key
	// Gen is the deadline generation to pass to Expire. Zero when the
	// change was dropped or completed its batch.
	Gen   uint64
	Batch *Batch
}

type accumulator struct {
	total int
	gen   uint64
	items map[int]models.ColumnChange
}

// Reconciler tracks in-flight batches for every backend. It is not safe
// for concurrent use; the orchestrator's event loop owns it.
type Reconciler struct {
	deviceID string
	gen      uint64
	pending  map[Key]*accumulator
}

// New creates a Reconciler that treats deviceID as the local device.
func New(deviceID string) *Reconciler {
	return &Reconciler{
		deviceID: deviceID,
		pending:  make(map[Key]*accumulator),
	}
}

// Add accumulates one realtime change.
func (r *Reconciler) Add(backendID string, c models.ColumnChange) Result {
	if c.DeviceID == r.deviceID {
		return Result{Outcome: SelfEcho}
	}

	if !c.HasBatchMetadata() {
		return Result{Outcome: NoMetadata}
	}

	key := Key{BackendID: backendID, BatchID: c.BatchID}

	acc, ok := r.pending[key]
	if !ok {
		acc = &accumulator{total: c.BatchTotal, items: make(map[int]models.ColumnChange, c.BatchTotal)}
		r.pending[key] = acc
	}

	if acc.total != c.BatchTotal {
		return Result{Outcome: TotalMismatch, Key: key}
	}

	r.gen++
	acc.gen = r.gen

	outcome := Pending
	if _, dup := acc.items[c.BatchSeq]; dup {
		outcome = Duplicate
	} else {
		acc.items[c.BatchSeq] = c
	}

	if len(acc.items) == acc.total {
		delete(r.pending, key)

		changes, _ := collect(acc.items, acc.total)

		return Result{
			Outcome: Complete,
			Key:     key,
			Batch:   &Batch{Key: key, Total: acc.total, Changes: changes},
		}
	}

	return Result{Outcome: outcome, Key: key, Gen: acc.gen}
}

// Expire ends the batch if gen is still its latest deadline and returns
// what arrived along with the missing seqs.
func (r *Reconciler) Expire(key Key, gen uint64) (*Batch, bool) {
	acc, ok := r.pending[key]
	if !ok || acc.gen != gen {
		return nil, false
	}

	delete(r.pending, key)

	changes, missing := collect(acc.items, acc.total)

	return &Batch{Key: key, Total: acc.total, Changes: changes, Missing: missing}, true
}

// DropBackend discards every in-flight batch for backendID.
func (r *Reconciler) DropBackend(backendID string) int {
	n := 0

	for key := range r.pending {
		if key.BackendID == backendID {
			delete(r.pending, key)
			n++
		}
	}

	return n
}

// Pending returns the number of in-flight batches.
func (r *Reconciler) Pending() int {
	return len(r.pending)
}

func collect(items map[int]models.ColumnChange, total int) ([]models.ColumnChange, []int) {
	changes := make([]models.ColumnChange, 0, len(items))
	for _, c := range items {
		changes = append(changes, c)
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].BatchSeq < changes[j].BatchSeq })

	var missing []int

	for seq := 1; seq <= total; seq++ {
		if _, ok := items[seq]; !ok {
			missing = append(missing, seq)
		}
	}

	return changes, missing
}
