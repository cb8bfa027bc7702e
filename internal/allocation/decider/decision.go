package decider

import (
	"fmt"
	"strings"
)

// Type is a placement verdict. Verdicts are totally ordered from most to least
// restrictive: NO < THROTTLE < YES.
type Type int

const (
	// NO is a hard veto.
	NO Type = iota
	// THROTTLE allows the placement in principle but not now.
	THROTTLE
	// YES allows the placement.
	YES
)

// String returns the verdict name.
func (t Type) String() string {
	switch t {
	case NO:
		return "NO"
	case THROTTLE:
		return "THROTTLE"
	case YES:
		return "YES"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// MarshalText renders the verdict by name so JSON and YAML output stays
// readable.
func (t Type) MarshalText() ([]byte, error) {
	switch t {
	case NO, THROTTLE, YES:
		return []byte(t.String()), nil
	}
	return nil, fmt.Errorf("unknown decision type %d", int(t))
}

// UnmarshalText parses a verdict name, ignoring case.
func (t *Type) UnmarshalText(text []byte) error {
	switch strings.ToUpper(string(text)) {
	case "NO":
		*t = NO
	case "THROTTLE":
		*t = THROTTLE
	case "YES":
		*t = YES
	default:
		return fmt.Errorf("unknown decision type %q", text)
	}
	return nil
}

// Decision is the verdict of one decider, or of a whole chain, for one
// question. Label names the decider that produced it. Children is only set
// on decisions built by NewMulti.
type Decision struct {
	Type        Type       `json:"decision" yaml:"decision"`
	Label       string     `json:"decider,omitempty" yaml:"decider,omitempty"`
	Explanation string     `json:"explanation,omitempty" yaml:"explanation,omitempty"`
	Children    []Decision `json:"deciders,omitempty" yaml:"deciders,omitempty"`
}

// Yes returns a YES decision with a formatted explanation.
func Yes(label, format string, args ...any) Decision {
	return Decision{Type: YES, Label: label, Explanation: fmt.Sprintf(format, args...)}
}

// No returns a NO decision with a formatted explanation.
func No(label, format string, args ...any) Decision {
	return Decision{Type: NO, Label: label, Explanation: fmt.Sprintf(format, args...)}
}

// Throttle returns a THROTTLE decision with a formatted explanation.
func Throttle(label, format string, args ...any) Decision {
	return Decision{Type: THROTTLE, Label: label, Explanation: fmt.Sprintf(format, args...)}
}

// Always is the neutral vote of a decider that has nothing to say.
var Always = Decision{Type: YES}

// String renders the decision as TYPE(label): explanation.
func (d Decision) String() string {
	if d.Label == "" {
		return d.Type.String()
	}
	if d.Explanation == "" {
		return fmt.Sprintf("%s(%s)", d.Type, d.Label)
	}
	return fmt.Sprintf("%s(%s): %s", d.Type, d.Label, d.Explanation)
}

// Aggregate combines decisions given in chain order into one.
//
// The first NO is returned as is and ends the scan. A THROTTLE downgrades the
// result but scanning goes on, since a later NO still wins. Without a NO the
// most restrictive decision is returned, the first one seen at that level.
// An empty input is YES.
//
// Parameters:
//   - decisions: Verdicts in decider registration order
//
// Returns:
//   - Decision: The combined verdict, carrying the label and explanation of
//     the decider that determined it
//
// Example:
//
//	Aggregate(Always, Throttle("throttling", "busy"), Always) // THROTTLE(throttling): busy
//	Aggregate(Always, Throttle("throttling", "busy"), No("filter", "excluded")) // NO(filter): excluded
//	Aggregate() // YES
func Aggregate(decisions ...Decision) Decision {
	if len(decisions) == 0 {
		return Always
	}
	result := decisions[0]
	for i, d := range decisions {
		if d.Type == NO {
			return d
		}
		if i > 0 && d.Type < result.Type {
			result = d
		}
	}
	return result
}

// NewMulti builds a decision carrying every child verdict. Its verdict,
// label and explanation are those Aggregate would return for the same
// children.
func NewMulti(children []Decision) Decision {
	agg := Aggregate(children...)
	return Decision{
		Type:        agg.Type,
		Label:       agg.Label,
		Explanation: agg.Explanation,
		Children:    children,
	}
}
