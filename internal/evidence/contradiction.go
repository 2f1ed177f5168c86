package evidence

import (
	"strings"

	"github.com/probatio/probatio/internal/model"
	"github.com/probatio/probatio/internal/util"
)

// Claims must share this many topic tokens before polarity is compared;
// unrelated claims cannot contradict each other.
const minSharedTopicTokens = 3

var increaseTerms = []string{
	"increase", "increases", "increased", "rise", "rises", "rose",
	"grow", "grows", "grew", "higher", "more",
}

var decreaseTerms = []string{
	"decrease", "decreases", "decreased", "reduce", "reduces", "reduced",
	"decline", "declines", "declined", "fall", "falls", "fell", "lower", "less",
}

var negationTerms = []string{
	"no evidence", "not ", "does not", "did not", "failed to", "no significant",
}

// DetectContradictions marks claim pairs that speak about the same topic
// with opposing polarity. Both sides of a pair are flagged; the flag is
// cleared only by supersession, never silently.
func DetectContradictions(claims []model.Claim) []model.Claim {
	out := make([]model.Claim, len(claims))
	copy(out, claims)

	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[i].HasContradiction && out[j].HasContradiction {
				continue
			}
			if !sameTopic(out[i].Text, out[j].Text) {
				continue
			}
			if opposingPolarity(out[i].Text, out[j].Text) {
				out[i].HasContradiction = true
				out[i].ContradictsClaim = out[j].ID
				out[j].HasContradiction = true
				out[j].ContradictsClaim = out[i].ID
			}
		}
	}
	return out
}

func sameTopic(a, b string) bool {
	ta := util.TokenSet(a)
	tb := util.TokenSet(b)
	shared := 0
	for t := range ta {
		if tb[t] {
			shared++
		}
	}
	return shared >= minSharedTopicTokens
}

// opposingPolarity reports whether two sentences pull in opposite
// directions: one raises while the other lowers, or one negates what the
// other asserts.
func opposingPolarity(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)

	if (containsAny(la, increaseTerms) && containsAny(lb, decreaseTerms)) ||
		(containsAny(la, decreaseTerms) && containsAny(lb, increaseTerms)) {
		return true
	}

	negA := containsAny(la, negationTerms)
	negB := containsAny(lb, negationTerms)
	return negA != negB && (containsAny(la, increaseTerms) == containsAny(lb, increaseTerms)) &&
		(containsAny(la, decreaseTerms) == containsAny(lb, decreaseTerms))
}

func containsAny(text string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(text, t) {
			return true
		}
	}
	return false
}
