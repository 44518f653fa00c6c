package process

import (
	"math"
	"math/rand"
	"sort"
)

// Sampler turns a logit vector into one sampled token id, the way
// candle_transformers::generation::LogitsProcessor does for the reference
// implementation: divide by temperature, softmax, keep the smallest
// nucleus of tokens whose cumulative probability reaches top_p, then draw
// categorically from what remains. Each process gets its own Sampler
// seeded from base_seed+pid, so two processes never share a random
// stream and a single process's output is reproducible run to run.
type Sampler struct {
	rng         *rand.Rand
	temperature float64
	topP        float64
}

// NewSampler builds a Sampler seeded deterministically from seed, which
// callers compute as GenerationConfig.Seed+pid. A non-positive temperature
// degenerates to greedy argmax, matching the convention that Temperature=0
// means "deterministic, most likely token" rather than a divide-by-zero.
func NewSampler(seed uint64, temperature, topP float64) *Sampler {
	return &Sampler{
		rng:         rand.New(rand.NewSource(int64(seed))),
		temperature: temperature,
		topP:        topP,
	}
}

// Sample draws one token id from logits. A nil Sampler (e.g. a Process
// built without one in a test) falls back to greedy argmax.
func (s *Sampler) Sample(logits []float32) uint32 {
	if s == nil || s.temperature <= 0 || len(logits) == 0 {
		return argmax(logits)
	}

	probs := softmax(logits, s.temperature)
	kept := nucleus(probs, s.topP)
	if len(kept) == 0 {
		return argmax(logits)
	}

	draw := s.rng.Float64()
	var cum float64
	for _, idx := range kept {
		cum += probs[idx]
		if draw <= cum {
			return uint32(idx)
		}
	}
	return uint32(kept[len(kept)-1])
}

func argmax(logits []float32) uint32 {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return uint32(best)
}

// softmax applies temperature scaling then normalizes to a probability
// distribution. Subtracting the max logit before exponentiating keeps the
// computation stable for the large synthetic logit ranges the reference
// backend produces.
func softmax(logits []float32, temperature float64) []float64 {
	scaled := make([]float64, len(logits))
	maxV := float64(logits[0])
	for i, v := range logits {
		scaled[i] = float64(v) / temperature
		if scaled[i] > maxV {
			maxV = scaled[i]
		}
	}
	var sum float64
	for i, v := range scaled {
		e := math.Exp(v - maxV)
		scaled[i] = e
		sum += e
	}
	if sum == 0 {
		sum = 1
	}
	for i := range scaled {
		scaled[i] /= sum
	}
	return scaled
}

// nucleus returns the indices of probs sorted by descending probability,
// truncated as soon as their cumulative mass reaches topP (inclusive of
// the token that crosses the threshold), the standard top-p/nucleus
// sampling rule. topP<=0 or >=1 returns every index, unfiltered.
func nucleus(probs []float64, topP float64) []int {
	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return probs[order[i]] > probs[order[j]] })

	if topP <= 0 || topP >= 1 {
		return order
	}

	var cum float64
	cut := len(order)
	for i, idx := range order {
		cum += probs[idx]
		if cum >= topP {
			cut = i + 1
			break
		}
	}
	kept := order[:cut]

	var mass float64
	for _, idx := range kept {
		mass += probs[idx]
	}
	if mass > 0 {
		for _, idx := range kept {
			probs[idx] /= mass
		}
	}
	return kept
}
