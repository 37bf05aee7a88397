package channels

import (
	"math/rand/v2"

	"github.com/nextlevelbuilder/groupclaw/internal/bus"
	"github.com/nextlevelbuilder/groupclaw/internal/config"
)

// Reply reasons.
const (
	ReasonMention = "mention"
	ReasonQuote   = "quote"
	ReasonRandom  = "random"
	ReasonNone    = "none"
)

// Decision is the outcome of Decide.
type Decision struct {
	ShouldReply bool
	Reason      string
}

// Decide reports whether the bot should reply to ev. Rules are checked in order
// and the first match wins: mention, quote, random draw. roll must return a
// uniform value in [0,1); nil uses math/rand/v2.
func Decide(ev bus.TriggerEvent, policy config.GroupPolicy, botID string, roll func() float64) Decision {
	if policy.MustReplyOnAt && ev.Mentions(botID) {
		return Decision{ShouldReply: true, Reason: ReasonMention}
	}
	// Any quote counts; the quoted message's author is not checked.
	if policy.MustReplyOnQuote && ev.HasQuote() {
		return Decision{ShouldReply: true, Reason: ReasonQuote}
	}
	if policy.RandomReplyProb > 0 {
		if roll == nil {
			roll = rand.Float64
		}
		if roll() < policy.RandomReplyProb {
			return Decision{ShouldReply: true, Reason: ReasonRandom}
		}
	}
	return Decision{Reason: ReasonNone}
}
