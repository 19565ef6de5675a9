package actions

import "slices"

// transitions lists the statuses each status may move to. Re-sending a SENT
// action and re-confirming a CONFIRMED one are allowed so that at-least-once
// delivery converges instead of erroring. FAILED only leaves through a retry.
var transitions = map[string][]string{
	StatusPending:   {StatusSent, StatusConfirmed, StatusFailed},
	StatusSent:      {StatusSent, StatusConfirmed, StatusFailed},
	StatusConfirmed: {StatusConfirmed},
	StatusFailed:    {StatusPending},
}

// CanAdvance reports whether from -> to is a legal transition.
func CanAdvance(from, to string) bool {
	return slices.Contains(transitions[from], to)
}

// sourcesOf returns the statuses that may move to the given target, in a
// stable order.
func sourcesOf(to string) []string {
	var out []string
	for _, from := range []string{StatusPending, StatusSent, StatusConfirmed, StatusFailed} {
		if CanAdvance(from, to) {
			out = append(out, from)
		}
	}
	return out
}
