// consensus.go aggregates member results into one diagnosis.
package ensemble

import (
	"math"
	"time"

	"github.com/chestnet/chestnet-go/internal/errors"
)

// ModelResult is one member's classification of a prepared sample.
type ModelResult struct {
	Model        string
	Architecture string
	Label        string
	Confidence   float64
	InputSize    int
	Duration     time.Duration
}

// ConsensusResult is the aggregate diagnosis for one sample.
type ConsensusResult struct {
	Label          string
	Confidence     float64
	AgreementRatio float64
	VotesFor       int
	VotesTotal     int
	BestModel      string
	BestConfidence float64
	NeedsReview    bool
	ModelSetHash   string
}

// voteTally accumulates one label's support during consensus.
type voteTally struct {
	weight     float64
	votes      int
	confidence float64
}

// Consensus forms a majority vote over the member top-1 labels. Ties
// go to the label with the higher mean confidence. Members below the
// confidence threshold do not vote; if no member clears it, every
// member votes and the result is forced into review. Low agreement or
// low consensus confidence also flags the result for review.
func (e *Ensemble) Consensus(results []ModelResult) (*ConsensusResult, error) {
	if len(results) == 0 {
		return nil, errors.Newf("no member results to form a consensus").
			Component("ensemble").
			Category(errors.CategoryConsensus).
			Build()
	}

	voters := make([]ModelResult, 0, len(results))
	for _, r := range results {
		if r.Confidence >= e.Settings.Ensemble.Threshold {
			voters = append(voters, r)
		}
	}
	forcedReview := false
	if len(voters) == 0 {
		voters = results
		forcedReview = true
	}

	tallies := make(map[string]*voteTally, len(e.labels))
	for _, v := range voters {
		tally := tallies[v.Label]
		if tally == nil {
			tally = &voteTally{}
			tallies[v.Label] = tally
		}
		weight := e.weights[v.Model]
		if weight <= 0 {
			weight = 1.0
		}
		tally.weight += weight
		tally.votes++
		tally.confidence += v.Confidence
	}

	var winner string
	var winning *voteTally
	for label, tally := range tallies {
		if winning == nil || outranks(tally, label, winning, winner) {
			winner, winning = label, tally
		}
	}

	best := results[0]
	for _, r := range results[1:] {
		if r.Confidence > best.Confidence {
			best = r
		}
	}

	confidence := winning.confidence / float64(winning.votes)
	agreement := float64(winning.votes) / float64(len(results))
	needsReview := forcedReview ||
		agreement < e.Settings.Triage.MinAgreement ||
		confidence < e.Settings.Triage.MinConfidence

	consensus := &ConsensusResult{
		Label:          winner,
		Confidence:     confidence,
		AgreementRatio: agreement,
		VotesFor:       winning.votes,
		VotesTotal:     len(results),
		BestModel:      best.Model,
		BestConfidence: best.Confidence,
		NeedsReview:    needsReview,
		ModelSetHash:   e.modelSetHash,
	}
	if e.metrics != nil {
		e.metrics.RecordConsensus(consensus.Label, consensus.NeedsReview)
	}
	return consensus, nil
}

// outranks reports whether the candidate tally beats the current
// winner. Weight decides first, then mean confidence, then the label
// itself so map iteration order cannot change the outcome.
func outranks(candidate *voteTally, candidateLabel string, current *voteTally, currentLabel string) bool {
	if candidate.weight != current.weight {
		return candidate.weight > current.weight
	}
	candidateMean := candidate.confidence / float64(candidate.votes)
	currentMean := current.confidence / float64(current.votes)
	if candidateMean != currentMean {
		return candidateMean > currentMean
	}
	return candidateLabel < currentLabel
}

// needsSoftmax reports whether raw member outputs look like logits
// rather than a probability distribution.
func needsSoftmax(scores []float32) bool {
	var sum float64
	for _, s := range scores {
		if s < 0 || s > 1 {
			return true
		}
		sum += float64(s)
	}
	return sum < 0.98 || sum > 1.02
}

// softmax converts logits to a probability distribution. The maximum
// is subtracted first to keep the exponentials stable.
func softmax(scores []float32) []float32 {
	maxScore := scores[0]
	for _, s := range scores[1:] {
		if s > maxScore {
			maxScore = s
		}
	}

	exps := make([]float32, len(scores))
	var sum float64
	for i, s := range scores {
		exp := math.Exp(float64(s - maxScore))
		exps[i] = float32(exp)
		sum += exp
	}
	for i := range exps {
		exps[i] = float32(float64(exps[i]) / sum)
	}
	return exps
}

func argmax(scores []float32) int {
	top := 0
	for i, s := range scores {
		if s > scores[top] {
			top = i
		}
	}
	return top
}
