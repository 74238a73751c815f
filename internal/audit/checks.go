package audit

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sievelab/refinery/internal/model"
	"github.com/sievelab/refinery/internal/similarity"
)

// A check attempts to falsify one signature. It returns ok=false with a
// reason and citation when it found a flaw.
type check struct {
	name string
	run  func(sig model.Signature) (reason, citation string, ok bool)
}

// tautologyThreshold is the condition/action similarity above which the
// action is considered a restatement of the condition.
const tautologyThreshold = 0.90

// Absolutes make a claim unfalsifiable: no market statement holds without
// exception, so their presence marks promotional rather than operational
// language.
var absoluteRe = regexp.MustCompile(`(?i)\b(always|never|guaranteed|guarantee[s]?|100%|risk[- ]free|cannot fail|every single time)\b`)

// Hedges make a claim untestable in the opposite direction: a rule that
// only "might" apply can never be falsified.
var hedgeRe = regexp.MustCompile(`(?i)\b(maybe|perhaps|possibly|probably|i think|i feel|kind of|sort of)\b`)

func provenanceCheck(sig model.Signature) (string, string, bool) {
	if err := sig.Validate(); err != nil {
		return fmt.Sprintf("missing provenance: %v", err), sig.SourceRef, false
	}
	return "", "", true
}

func absolutesCheck(sig model.Signature) (string, string, bool) {
	if m := absoluteRe.FindString(sig.LogicText()); m != "" {
		return fmt.Sprintf("unfalsifiable absolute %q", strings.ToLower(m)), m, false
	}
	return "", "", true
}

func hedgeCheck(sig model.Signature) (string, string, bool) {
	if m := hedgeRe.FindString(sig.LogicText()); m != "" {
		return fmt.Sprintf("untestable hedge %q", strings.ToLower(m)), m, false
	}
	return "", "", true
}

func tautologyCheck(sig model.Signature) (string, string, bool) {
	score := similarity.Score(sig.Condition, sig.Action)
	if score >= tautologyThreshold {
		return fmt.Sprintf("action restates condition (similarity %.2f)", score), sig.Action, false
	}
	return "", "", true
}

// contradictionPairs are mutually exclusive trade actions. An action that
// commits to both sides without an alternative is self-contradictory.
var contradictionPairs = [][2]string{
	{"buy", "sell"},
	{"long", "short"},
	{"bullish", "bearish"},
}

var orRe = regexp.MustCompile(`\b(or|otherwise|else)\b`)

// consistencyCheck rejects actions that order mutually exclusive moves in
// one breath, unless an alternative conjunction makes them a branch.
func consistencyCheck(sig model.Signature) (string, string, bool) {
	action := strings.ToLower(sig.Action)
	if orRe.MatchString(action) {
		return "", "", true
	}
	tokens := make(map[string]bool)
	for _, tok := range similarity.Tokenize(action) {
		tokens[tok] = true
	}
	for _, pair := range contradictionPairs {
		if tokens[pair[0]] && tokens[pair[1]] {
			return fmt.Sprintf("contradictory action: %q and %q without alternative", pair[0], pair[1]),
				sig.Action, false
		}
	}
	return "", "", true
}

// quoteCheck bounds the verbatim quote. An over-long quote means the
// extractor copied a passage instead of citing the specific source text.
func quoteCheck(sig model.Signature) (string, string, bool) {
	const maxQuoteWords = 40
	if n := len(strings.Fields(sig.VerbatimQuote)); n > maxQuoteWords {
		return fmt.Sprintf("quote too long (%d words)", n), sig.SourceRef, false
	}
	return "", "", true
}

// localChecks is the deterministic falsification battery, in citation
// priority order. Consistency with the existing canon needs judgment and
// runs as the oracle probe, not here.
func localChecks() []check {
	return []check{
		{"provenance", provenanceCheck},
		{"quote_bounds", quoteCheck},
		{"consistency", consistencyCheck},
		{"absolutes", absolutesCheck},
		{"hedges", hedgeCheck},
		{"tautology", tautologyCheck},
	}
}
