package morphology

import (
	"fmt"
	"strings"
)

// Label is a red blood cell morphology class.
type Label int

const (
	Circular Label = iota
	Elongated
	Other
)

// Labels lists every class in index order.
func Labels() []Label {
	return []Label{Circular, Elongated, Other}
}

// String returns the display name of the label.
func (l Label) String() string {
	switch l {
	case Circular:
		return "Circular"
	case Elongated:
		return "Elongated"
	case Other:
		return "Other"
	default:
		return fmt.Sprintf("Label(%d)", int(l))
	}
}

// Valid reports whether l is one of the known classes.
func (l Label) Valid() bool {
	return l >= Circular && l <= Other
}

// MarshalText encodes the label by name. It lets labels serve as JSON map keys.
func (l Label) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid label %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText accepts label names case-insensitively.
func (l *Label) UnmarshalText(text []byte) error {
	parsed, err := ParseLabel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLabel converts a class name to a Label. "sickle" and "normal" are
// accepted as aliases of Elongated and Circular.
func ParseLabel(s string) (Label, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "circular", "normal":
		return Circular, nil
	case "elongated", "sickle":
		return Elongated, nil
	case "other":
		return Other, nil
	default:
		return 0, fmt.Errorf("unknown morphology label %q", s)
	}
}
