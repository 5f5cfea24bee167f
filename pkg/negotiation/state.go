package negotiation

import (
	"fmt"
)

// State of one participant's offer/answer negotiation.
type State int

const (
	Idle State = iota
	OfferPending
	OfferPosted
	AnswerAwaited
	Negotiated
	Ended
)

var stateNames = [...]string{
	Idle:          "idle",
	OfferPending:  "offer-pending",
	OfferPosted:   "offer-posted",
	AnswerAwaited: "answer-awaited",
	Negotiated:    "negotiated",
	Ended:         "ended",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}

	return stateNames[s]
}

// Terminal reports whether no further transition other than to Ended exists.
func (s State) Terminal() bool {
	return s == Negotiated || s == Ended
}
