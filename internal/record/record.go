// Package record defines the immutable memory record and its wire codec.
package record

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/munin/internal/apperr"
)

// Hard bounds on record content. Hosts may enforce tighter limits before
// construction; nothing may exceed these.
const (
	MaxSummaryRunes = 512
	MaxBodyBytes    = 64 * 1024
	MaxTags         = 32
	MaxTagRunes     = 64
)

// namespaces is the fixed set of memory namespaces. Unknown namespaces are
// rejected everywhere; adding one is a deliberate schema change.
var namespaces = []string{
	"decisions",
	"blockers",
	"progress",
	"insights",
	"preferences",
	"conventions",
	"mistakes",
	"solutions",
	"questions",
	"sessions",
}

var (
	tagRe       = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)
	sourceRefRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/@^~-]*$`)
)

// Namespaces returns the fixed namespace set in canonical order.
func Namespaces() []string {
	out := make([]string, len(namespaces))
	copy(out, namespaces)
	return out
}

// ValidNamespace reports whether ns is one of the fixed namespaces.
func ValidNamespace(ns string) bool {
	for _, n := range namespaces {
		if n == ns {
			return true
		}
	}
	return false
}

// Record is one immutable memory entry. Records are never updated in place;
// a correction is a new record.
type Record struct {
	Namespace string    `json:"namespace"`
	CreatedAt time.Time `json:"created_at"`
	Summary   string    `json:"summary"`
	Body      string    `json:"body,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	SourceRef string    `json:"source_ref,omitempty"`
}

// New builds a validated Record. The timestamp is normalized to UTC at second
// precision so the encoded form is stable across machines, leading and
// trailing newlines are stripped from the body, and tags are deduplicated
// preserving first occurrence.
func New(namespace, summary, body string, tags []string, sourceRef string, createdAt time.Time) (Record, error) {
	r := Record{
		Namespace: namespace,
		CreatedAt: createdAt.UTC().Truncate(time.Second),
		Summary:   strings.TrimSpace(summary),
		Body:      strings.Trim(body, "\n"),
		Tags:      dedupeTags(tags),
		SourceRef: strings.TrimSpace(sourceRef),
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

// Validate checks all content bounds. Decoded records pass through here too,
// so hand-edited note blobs cannot smuggle invalid content into the system.
func (r Record) Validate() error {
	err := validation.ValidateStruct(&r,
		validation.Field(&r.Namespace, validation.Required, validation.By(checkNamespace)),
		validation.Field(&r.CreatedAt, validation.Required),
		validation.Field(&r.Summary, validation.Required, validation.RuneLength(1, MaxSummaryRunes), validation.By(checkSummaryChars)),
		validation.Field(&r.Body, validation.Length(0, MaxBodyBytes), validation.By(checkBodyChars)),
		validation.Field(&r.Tags, validation.Length(0, MaxTags), validation.Each(validation.RuneLength(1, MaxTagRunes), validation.Match(tagRe))),
		validation.Field(&r.SourceRef, validation.Match(sourceRefRe)),
	)
	if err != nil {
		return fmt.Errorf("record: %w: %v", apperr.ErrValidation, err)
	}
	return nil
}

func checkNamespace(value interface{}) error {
	s, _ := value.(string)
	if !ValidNamespace(s) {
		return errors.New("unknown namespace")
	}
	return nil
}

// checkSummaryChars rejects all control characters; summaries are single-line.
func checkSummaryChars(value interface{}) error {
	s, _ := value.(string)
	for _, c := range s {
		if c < 0x20 || c == 0x7f {
			return errors.New("control characters not allowed")
		}
	}
	return nil
}

// checkBodyChars allows newline and tab only. Keeping the rest of the control
// range out of bodies is what makes the blob separator line unambiguous.
func checkBodyChars(value interface{}) error {
	s, _ := value.(string)
	for _, c := range s {
		if c == '\n' || c == '\t' {
			continue
		}
		if c < 0x20 || c == 0x7f {
			return errors.New("control characters other than newline and tab not allowed")
		}
	}
	return nil
}

func dedupeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	var out []string
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// ID locates a record in the store: the namespace, the anchor commit its note
// hangs off, and the zero-based position within that note blob. Positions can
// shift when a replica merge reorders a blob; the secondary index is resynced
// after merges for exactly that reason.
type ID struct {
	Namespace string `json:"namespace"`
	Anchor    string `json:"anchor"`
	Seq       int    `json:"seq"`
}

func (id ID) String() string {
	return id.Namespace + ":" + id.Anchor + ":" + strconv.Itoa(id.Seq)
}

// ParseID parses the namespace:anchor:seq form produced by String.
func ParseID(s string) (ID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return ID{}, fmt.Errorf("record: parse id %q: %w", s, apperr.ErrValidation)
	}
	seq, err := strconv.Atoi(parts[2])
	if err != nil || seq < 0 {
		return ID{}, fmt.Errorf("record: parse id %q: bad sequence: %w", s, apperr.ErrValidation)
	}
	return ID{Namespace: parts[0], Anchor: parts[1], Seq: seq}, nil
}
