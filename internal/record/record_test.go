package record

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/starford/munin/internal/apperr"
)

func TestNew_NormalizesTimestamp(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	at := time.Date(2026, 3, 14, 15, 9, 26, 535897932, loc)
	r, err := New("decisions", "pin sqlite journal mode", "", nil, "", at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2026, 3, 14, 14, 9, 26, 0, time.UTC)
	if !r.CreatedAt.Equal(want) {
		t.Errorf("created_at = %v, want %v", r.CreatedAt, want)
	}
	if r.CreatedAt.Location() != time.UTC {
		t.Errorf("created_at location = %v, want UTC", r.CreatedAt.Location())
	}
}

func TestNew_RejectsUnknownNamespace(t *testing.T) {
	_, err := New("scratch", "s", "", nil, "", time.Now())
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestNew_RejectsControlCharacters(t *testing.T) {
	if _, err := New("decisions", "line\none", "", nil, "", time.Now()); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("newline in summary: err = %v, want ErrValidation", err)
	}
	if _, err := New("decisions", "ok", "a\x00b", nil, "", time.Now()); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("NUL in body: err = %v, want ErrValidation", err)
	}
	if _, err := New("decisions", "ok", "a\x1eb", nil, "", time.Now()); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("record separator in body: err = %v, want ErrValidation", err)
	}
	if _, err := New("decisions", "ok", "tabs\tand\nnewlines allowed", nil, "", time.Now()); err != nil {
		t.Errorf("tab/newline in body: unexpected error: %v", err)
	}
}

func TestNew_RejectsOversizedContent(t *testing.T) {
	long := strings.Repeat("x", MaxSummaryRunes+1)
	if _, err := New("decisions", long, "", nil, "", time.Now()); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("oversized summary: err = %v, want ErrValidation", err)
	}
	big := strings.Repeat("y", MaxBodyBytes+1)
	if _, err := New("decisions", "ok", big, nil, "", time.Now()); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("oversized body: err = %v, want ErrValidation", err)
	}
}

func TestNew_DedupesTags(t *testing.T) {
	r, err := New("insights", "s", "", []string{"go", "sqlite", "go", " ", "sqlite"}, "", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.Tags) != 2 || r.Tags[0] != "go" || r.Tags[1] != "sqlite" {
		t.Errorf("tags = %v, want [go sqlite]", r.Tags)
	}
}

func TestNew_TrimsBodyNewlines(t *testing.T) {
	r, err := New("progress", "s", "\n\nmiddle\nlines\n\n\n", nil, "", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Body != "middle\nlines" {
		t.Errorf("body = %q", r.Body)
	}
}

func TestValidNamespace(t *testing.T) {
	for _, ns := range Namespaces() {
		if !ValidNamespace(ns) {
			t.Errorf("ValidNamespace(%q) = false", ns)
		}
	}
	if ValidNamespace("Decisions") {
		t.Error("namespace match should be case sensitive")
	}
	if ValidNamespace("") {
		t.Error("empty namespace accepted")
	}
}

func TestParseID_RoundTrip(t *testing.T) {
	id := ID{Namespace: "solutions", Anchor: "94f2c1d00aa3", Seq: 3}
	got, err := ParseID(id.String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != id {
		t.Errorf("got %+v, want %+v", got, id)
	}
}

func TestParseID_Rejects(t *testing.T) {
	for _, s := range []string{"", "a:b", "a:b:c:d", "a:b:x", "a:b:-1", ":b:0"} {
		if _, err := ParseID(s); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("ParseID(%q): err = %v, want ErrValidation", s, err)
		}
	}
}
