package record

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/starford/munin/internal/apperr"
)

// Separator is the content of the line dividing records inside one note
// blob: the ASCII record separator. Body validation keeps control characters
// out of records, so the separator can never occur inside one.
const Separator = "\x1e"

const delim = "---"

// frontmatter mirrors Record for the YAML preamble. Field order is load
// bearing: created_at leads, so comparing two encoded records byte-wise
// compares their timestamps first and lexicographic order of blocks tracks
// chronological order. The merge policy sorts on exactly that.
type frontmatter struct {
	CreatedAt string   `yaml:"created_at"`
	Namespace string   `yaml:"namespace"`
	Summary   string   `yaml:"summary"`
	Tags      []string `yaml:"tags,omitempty"`
	SourceRef string   `yaml:"source_ref,omitempty"`
}

// Encode serializes a record as YAML frontmatter followed by the body:
//
//	---
//	created_at: "2026-08-25T09:30:00Z"
//	namespace: decisions
//	summary: switched retry policy to jittered backoff
//	---
//
//	<body>
//
// The output always ends with a newline and two encodings of the same record
// are byte-identical.
func Encode(r Record) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	meta, err := yaml.Marshal(frontmatter{
		CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339),
		Namespace: r.Namespace,
		Summary:   r.Summary,
		Tags:      r.Tags,
		SourceRef: r.SourceRef,
	})
	if err != nil {
		return nil, fmt.Errorf("record: encode frontmatter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(delim + "\n")
	buf.Write(meta)
	buf.WriteString(delim + "\n")
	if r.Body != "" {
		buf.WriteByte('\n')
		buf.WriteString(r.Body)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// Decode parses one encoded record. The result is validated, so malformed or
// hand-edited blocks fail here rather than deeper in the system.
func Decode(data []byte) (Record, error) {
	rest, ok := bytes.CutPrefix(bytes.TrimLeft(data, "\n"), []byte(delim+"\n"))
	if !ok {
		return Record{}, fmt.Errorf("record: decode: %w: missing frontmatter", apperr.ErrValidation)
	}
	end := bytes.Index(rest, []byte("\n"+delim))
	if end < 0 {
		return Record{}, fmt.Errorf("record: decode: %w: unterminated frontmatter", apperr.ErrValidation)
	}

	var fm frontmatter
	if err := yaml.Unmarshal(rest[:end], &fm); err != nil {
		return Record{}, fmt.Errorf("record: decode frontmatter: %w: %v", apperr.ErrValidation, err)
	}
	createdAt, err := time.Parse(time.RFC3339, fm.CreatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("record: decode created_at %q: %w", fm.CreatedAt, apperr.ErrValidation)
	}

	body := string(rest[end+1+len(delim):])
	body = strings.Trim(body, "\n")

	r := Record{
		Namespace: fm.Namespace,
		CreatedAt: createdAt.UTC(),
		Summary:   fm.Summary,
		Body:      body,
		Tags:      fm.Tags,
		SourceRef: fm.SourceRef,
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

// DecodeAll decodes every record block in a note blob, in blob order. The
// index of each record is its sequence number.
func DecodeAll(blob []byte) ([]Record, error) {
	blocks := SplitBlob(blob)
	records := make([]Record, 0, len(blocks))
	for i, b := range blocks {
		r, err := Decode(b)
		if err != nil {
			return nil, fmt.Errorf("record: block %d: %w", i, err)
		}
		records = append(records, r)
	}
	return records, nil
}

// SplitBlob splits a note blob into record blocks on separator lines. Blocks
// are normalized to end with exactly one newline; blank blocks are dropped,
// so splitting is tolerant of stray separators left by hand edits.
func SplitBlob(blob []byte) [][]byte {
	if len(bytes.TrimSpace(blob)) == 0 {
		return nil
	}
	var blocks [][]byte
	var cur []byte
	for _, line := range bytes.SplitAfter(blob, []byte("\n")) {
		if string(bytes.TrimRight(line, "\n")) == Separator {
			blocks = appendBlock(blocks, cur)
			cur = nil
			continue
		}
		cur = append(cur, line...)
	}
	return appendBlock(blocks, cur)
}

func appendBlock(blocks [][]byte, cur []byte) [][]byte {
	cur = bytes.TrimRight(cur, "\n")
	if len(bytes.TrimSpace(cur)) == 0 {
		return blocks
	}
	return append(blocks, append(cur, '\n'))
}

// JoinBlocks assembles record blocks back into a note blob. JoinBlocks and
// SplitBlob round-trip: appending a record to a blob is
// JoinBlocks(append(SplitBlob(blob), encoded)).
func JoinBlocks(blocks [][]byte) []byte {
	var buf bytes.Buffer
	for i, b := range blocks {
		if i > 0 {
			buf.WriteString(Separator + "\n")
		}
		buf.Write(b)
		if len(b) > 0 && b[len(b)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes()
}
