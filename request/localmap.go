// Package request implements the outbound side of a number lookup
// conversation (there is no outbound precache or entity query here):
// order-class peer fan-out, cache-first answer
// merging, TTL-budget waiting, and weight-sorted result assembly. The
// inbound half of the same conversation (answering someone else's
// DPDISCOVER) lives in dispatch, which calls EvaluateLocal directly.
package request

import (
	"context"
	"strings"

	"github.com/dundi-net/dundi/config"
	"github.com/dundi-net/dundi/dialplan"
	"github.com/dundi-net/dundi/ie"
)

// MaxAnswers is the upper bound on answers produced by a single local
// evaluation pass; excess answers are dropped.
const MaxAnswers = 64

// LocalResult is what local answer evaluation produces for one number
// lookup: zero or more answers, plus an optional "don't bother asking
// about this prefix" hint when nothing matched.
type LocalResult struct {
	Answers     []ie.AnswerValue
	HintPrefix  string
	HintDontAsk bool
}

// Expander expands a destination template's {NUMBER, EID, SECRET, IPADDR}
// placeholders into a concrete destination string.
type Expander func(template, number string) string

// EvaluateLocal implements local answer evaluation: for every mapping
// advertising dcontext, probe the dialplan for an exact/partial match; if
// none match at all, walk increasing prefixes of number to find the
// longest one no mapping could even CANMATCH, and return it as a
// DONT_ASK hint prefix.
func EvaluateLocal(ctx context.Context, dlp dialplan.Dialplan, mappings []config.Mapping, number string, expand Expander) (LocalResult, error) {
	var result LocalResult
	matchedAny := false

	for _, m := range mappings {
		exists, err := dlp.Exists(ctx, m.LContext, number)
		if err != nil {
			return result, err
		}
		canMatch, err := dlp.CanMatch(ctx, m.LContext, number)
		if err != nil {
			return result, err
		}
		matchMore, err := dlp.MatchMore(ctx, m.LContext, number)
		if err != nil {
			return result, err
		}
		ignorePat, err := dlp.IgnorePattern(ctx, m.LContext, number)
		if err != nil {
			return result, err
		}

		if !exists && !canMatch && !matchMore && !ignorePat {
			continue
		}
		matchedAny = true

		var flags uint16 = m.OptionFlags()
		if exists {
			flags |= ie.FlagExists
		}
		if ignorePat {
			flags |= ie.FlagIgnorePat
		}
		if !m.HasOption("nopartial") {
			if canMatch {
				flags |= ie.FlagCanMatch
			}
			if matchMore {
				flags |= ie.FlagMatchMore
			}
		}

		if len(result.Answers) >= MaxAnswers {
			continue // upper bound enforced; excess answers dropped
		}
		dest := m.DestTemplate
		if expand != nil {
			dest = expand(m.DestTemplate, number)
		}
		result.Answers = append(result.Answers, ie.AnswerValue{
			Protocol: techProtocol(m.Tech),
			Flags:    flags,
			Weight:   m.Weight,
			Dest:     dest,
		})
	}

	if matchedAny {
		return result, nil
	}

	// No mapping matched at all: walk increasing prefixes to find the
	// longest one no mapping can even CANMATCH, and offer it as a hint.
	longest := ""
	for n := 1; n <= len(number); n++ {
		prefix := number[:n]
		canMatchAny := false
		for _, m := range mappings {
			ok, err := dlp.CanMatch(ctx, m.LContext, prefix)
			if err != nil {
				return result, err
			}
			if ok {
				canMatchAny = true
				break
			}
		}
		if !canMatchAny {
			longest = prefix
		}
	}
	if longest != "" {
		result.HintPrefix = longest
		result.HintDontAsk = true
	}
	return result, nil
}

// techProtocol maps a mapping's configured technology name to the wire
// protocol byte used in an ANSWER IE. Unrecognized names fall back to 0,
// which callers are free to treat as "unspecified."
func techProtocol(tech string) uint8 {
	switch strings.ToUpper(tech) {
	case "IAX", "IAX2":
		return 1
	case "SIP":
		return 2
	case "H323":
		return 3
	default:
		return 0
	}
}
