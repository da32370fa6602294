package policy

import "github.com/klyr/bastion/internal/rules"

type Action string

const (
	ActionAllow   Action = "allow"
	ActionBlock   Action = "block"
	ActionMonitor Action = "monitor"
)

const (
	ModeEnforce = "enforce"
	ModeMonitor = "monitor"
)

// Decision is the outcome of one evaluated phase.
type Decision struct {
	Action Action
	// Match is the match whose action applies; set when Action is block.
	Match rules.Match
}

func (d Decision) Blocked() bool {
	return d.Action == ActionBlock
}

// Decide picks the first blocking match. In monitor mode, and for matches
// whose action never blocks, the request is allowed but flagged.
func Decide(mode string, matches []rules.Match) Decision {
	if len(matches) == 0 {
		return Decision{Action: ActionAllow}
	}

	for _, m := range matches {
		if !m.Blocking() {
			continue
		}
		if mode == ModeMonitor {
			return Decision{Action: ActionMonitor, Match: m}
		}
		return Decision{Action: ActionBlock, Match: m}
	}
	return Decision{Action: ActionMonitor}
}

// ValidMode reports whether mode is a supported engine mode.
func ValidMode(mode string) bool {
	return mode == ModeEnforce || mode == ModeMonitor
}
