package index

// RecordIndex defines the index operations consumers depend on. Depending on
// this interface rather than the concrete *DB keeps the recall and capture
// paths testable with fakes.
type RecordIndex interface {
	Upsert(e Entry) error
	UpsertBatch(entries []Entry) error
	Delete(id string) error
	Get(id string) (*Entry, error)
	AllChecksums() (map[string]string, error)
	SearchVector(query []float32, namespace string, k int, minSimilarity float64) ([]VectorHit, error)
	SearchKeyword(query, namespace string, k int) ([]KeywordHit, error)
	Stats() ([]NamespaceStats, error)
	GetSyncState(namespace string) (*SyncState, error)
	PutSyncState(s SyncState) error
	Close() error
}

// Verify *DB satisfies RecordIndex at compile time.
var _ RecordIndex = (*DB)(nil)
