package datatypes

import (
	"sort"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// BackendRecord aggregates the mirror results seen for a single backend.
type BackendRecord struct {
	Name       string
	Successes  uint64
	Failures   uint64
	LastResult SecondaryResult
	LastError  string
	LastErrAt  time.Time
}

// MirrorBoard keeps the latest mirror results per backend.
// It is safe for concurrent use by the detached mirror tasks.
type MirrorBoard struct {
	records cmap.ConcurrentMap[string, BackendRecord]
}

func NewMirrorBoard() *MirrorBoard {
	return &MirrorBoard{
		records: cmap.New[BackendRecord](),
	}
}

func (b *MirrorBoard) Record(result SecondaryResult) {
	b.records.Upsert(result.Backend, BackendRecord{}, func(exists bool, current BackendRecord, _ BackendRecord) BackendRecord {
		if !exists {
			current = BackendRecord{Name: result.Backend}
		}

		current.LastResult = result

		if result.Succeeded() {
			current.Successes++
		} else {
			current.Failures++
			current.LastError = result.ErrorKind
			current.LastErrAt = result.At
		}

		return current
	})
}

func (b *MirrorBoard) Get(backend string) (BackendRecord, bool) {
	return b.records.Get(backend)
}

// ForEach calls f for every backend in name order.
func (b *MirrorBoard) ForEach(f func(BackendRecord)) {
	names := b.records.Keys()
	sort.Strings(names)

	for _, name := range names {
		if rec, ok := b.records.Get(name); ok {
			f(rec)
		}
	}
}
