package index

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/starford/munin/internal/checksum"
	"github.com/starford/munin/internal/record"
)

// Entry is one indexed record: the denormalized projection of a stored
// record plus its enrichment. Entries are keyed by the record identity and
// upserts are idempotent, so replaying the store converges.
type Entry struct {
	ID        string
	Namespace string
	Anchor    string
	Seq       int
	Summary   string
	Body      string
	Tags      []string
	SourceRef string
	CreatedAt time.Time
	Checksum  string
	Embedding []float32 // nil when embedding was unavailable at index time
	IndexedAt time.Time
}

// FromRecord projects a stored record into an index entry. The checksum is
// taken over the encoded block so incremental resync can compare without
// decoding.
func FromRecord(id record.ID, r record.Record, encoded []byte, embedding []float32) Entry {
	return Entry{
		ID:        id.String(),
		Namespace: id.Namespace,
		Anchor:    id.Anchor,
		Seq:       id.Seq,
		Summary:   r.Summary,
		Body:      r.Body,
		Tags:      r.Tags,
		SourceRef: r.SourceRef,
		CreatedAt: r.CreatedAt,
		Checksum:  checksum.Sum(encoded),
		Embedding: embedding,
	}
}

// EmbedText is the canonical text embedded for a record. Capture and reindex
// must agree on this, or a rebuilt index would rank differently than a live
// one.
func EmbedText(summary, body string) string {
	if body == "" {
		return summary
	}
	return summary + "\n\n" + body
}

// packEmbedding serializes a vector as little-endian float32s for the BLOB
// column. Empty vectors become NULL rather than zero-length blobs.
func packEmbedding(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, len(vec)*4)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func unpackEmbedding(buf []byte) []float32 {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// cosineSimilarity returns the cosine of the angle between two vectors, or 0
// when dimensions differ or either vector is all zeros.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
