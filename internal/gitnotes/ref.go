package gitnotes

import (
	"fmt"
	"strings"

	"github.com/starford/munin/internal/apperr"
	"github.com/starford/munin/internal/record"
)

// Ref layout. Local writes land under NotesRefPrefix; fetches land under
// TrackingRefPrefix and are merged into the local refs, never the other way
// around. LegacyNotesRef is the flat single-namespace layout of early
// deployments; see replicate.MigrateLegacyLayout.
const (
	NotesRefPrefix     = "refs/notes/mem"
	TrackingRefPrefix  = "refs/notes/mem-sync"
	LegacyNotesRef     = "refs/notes/mem"
	MigrationBackupRef = "refs/notes/mem-migrating"

	maxComponentLength = 128
)

// allowedRefChars is the set of bytes permitted in externally supplied ref
// components: ASCII letters, digits, and . _ = - /.
var allowedRefChars [256]bool

func init() {
	for c := byte('a'); c <= 'z'; c++ {
		allowedRefChars[c] = true
	}
	for c := byte('A'); c <= 'Z'; c++ {
		allowedRefChars[c] = true
	}
	for c := byte('0'); c <= '9'; c++ {
		allowedRefChars[c] = true
	}
	allowedRefChars['.'] = true
	allowedRefChars['_'] = true
	allowedRefChars['='] = true
	allowedRefChars['-'] = true
	allowedRefChars['/'] = true
}

// ValidateComponent enforces ref safety for externally supplied names before
// they reach a git command line: restricted character set, no leading or
// trailing slash, no empty or dot-leading segments, no "..", no ".lock"
// suffix. Failures wrap apperr.ErrRefValidation and name the offending
// position; they are never silently corrected.
func ValidateComponent(value, label string) error {
	if value == "" {
		return fmt.Errorf("gitnotes: %s is empty: %w", label, apperr.ErrRefValidation)
	}
	if len(value) > maxComponentLength {
		return fmt.Errorf("gitnotes: %s is %d bytes, maximum is %d: %w", label, len(value), maxComponentLength, apperr.ErrRefValidation)
	}
	for i := 0; i < len(value); i++ {
		if !allowedRefChars[value[i]] {
			return fmt.Errorf("gitnotes: %s: invalid character %q at position %d: %w", label, value[i], i, apperr.ErrRefValidation)
		}
	}
	if value[0] == '/' {
		return fmt.Errorf("gitnotes: %s must not start with '/': %w", label, apperr.ErrRefValidation)
	}
	if value[len(value)-1] == '/' {
		return fmt.Errorf("gitnotes: %s must not end with '/': %w", label, apperr.ErrRefValidation)
	}
	if strings.Contains(value, "..") {
		return fmt.Errorf("gitnotes: %s contains '..': %w", label, apperr.ErrRefValidation)
	}
	for _, segment := range strings.Split(value, "/") {
		if segment == "" {
			return fmt.Errorf("gitnotes: %s contains empty segment: %w", label, apperr.ErrRefValidation)
		}
		if segment[0] == '.' {
			return fmt.Errorf("gitnotes: %s segment %q starts with '.': %w", label, segment, apperr.ErrRefValidation)
		}
		if strings.HasSuffix(segment, ".lock") {
			return fmt.Errorf("gitnotes: %s segment %q ends with '.lock': %w", label, segment, apperr.ErrRefValidation)
		}
	}
	return nil
}

// ValidateRemote checks a git remote name: a single safe segment.
func ValidateRemote(remote string) error {
	if err := ValidateComponent(remote, "remote"); err != nil {
		return err
	}
	if strings.Contains(remote, "/") {
		return fmt.Errorf("gitnotes: remote %q must not contain '/': %w", remote, apperr.ErrRefValidation)
	}
	return nil
}

// ValidateAnchor checks an anchor commit id: 4 to 64 lowercase hex digits.
// Anchors arrive from HTTP paths and MCP arguments as well as from our own
// rev-parse output, so the check is strict.
func ValidateAnchor(anchor string) error {
	if len(anchor) < 4 || len(anchor) > 64 {
		return fmt.Errorf("gitnotes: anchor %q: length must be 4-64 hex digits: %w", anchor, apperr.ErrRefValidation)
	}
	for i := 0; i < len(anchor); i++ {
		c := anchor[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("gitnotes: anchor %q: invalid character %q at position %d: %w", anchor, c, i, apperr.ErrRefValidation)
		}
	}
	return nil
}

// NamespaceRef returns the local notes ref for a namespace.
func NamespaceRef(namespace string) (string, error) {
	if err := validateNamespace(namespace); err != nil {
		return "", err
	}
	return NotesRefPrefix + "/" + namespace, nil
}

// TrackingRef returns the fetch-side notes ref for a namespace.
func TrackingRef(namespace string) (string, error) {
	if err := validateNamespace(namespace); err != nil {
		return "", err
	}
	return TrackingRefPrefix + "/" + namespace, nil
}

// validateNamespace combines ref safety with the fixed namespace set. Both
// checks run even though the set implies safety; a namespace added to the
// set later must still pass the character rules.
func validateNamespace(namespace string) error {
	if err := ValidateComponent(namespace, "namespace"); err != nil {
		return err
	}
	if !record.ValidNamespace(namespace) {
		return fmt.Errorf("gitnotes: unknown namespace %q: %w", namespace, apperr.ErrValidation)
	}
	return nil
}
