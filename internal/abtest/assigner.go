// Package abtest validates A/B test variants and deterministically assigns
// recipients to them.
package abtest

import (
	"errors"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/foxzi/eventcast/internal/models"
)

// WeightTolerance is the allowed deviation of the weight sum from 100
const WeightTolerance = 0.01

// bucketScale is the resolution of the [0,100) assignment space
const bucketScale = 10000

var (
	ErrTooFewVariants = errors.New("an A/B test needs at least 2 variants")
	ErrInvalidWeights = errors.New("variant weights must sum to 100")
)

// Validate checks variant count and weights. Weights are never normalized.
func Validate(variants []models.ABVariant) error {
	if len(variants) < 2 {
		return ErrTooFewVariants
	}
	var sum float64
	for i, v := range variants {
		if v.Weight < 0 || math.IsNaN(v.Weight) {
			return fmt.Errorf("%w: variant %d has weight %v", ErrInvalidWeights, i, v.Weight)
		}
		sum += v.Weight
	}
	if math.Abs(sum-100) > WeightTolerance {
		return fmt.Errorf("%w: got %.2f", ErrInvalidWeights, sum)
	}
	return nil
}

// Assigner maps recipients onto variants by hashing the recipient id with
// the test id, so the same recipient always lands in the same variant
type Assigner struct {
	testID     string
	variants   []models.ABVariant
	cumulative []float64
}

// NewAssigner validates the variants and precomputes the weight boundaries
func NewAssigner(testID string, variants []models.ABVariant) (*Assigner, error) {
	if err := Validate(variants); err != nil {
		return nil, err
	}
	cumulative := make([]float64, len(variants))
	var acc float64
	for i, v := range variants {
		acc += v.Weight
		cumulative[i] = acc
	}
	return &Assigner{
		testID:     testID,
		variants:   variants,
		cumulative: cumulative,
	}, nil
}

// Variant returns the variant for a recipient
func (a *Assigner) Variant(recipientID string) models.ABVariant {
	point := Point(a.testID, recipientID)
	for i, bound := range a.cumulative {
		if point < bound {
			return a.variants[i]
		}
	}
	// weights may sum to slightly under 100
	return a.variants[len(a.variants)-1]
}

// Point maps a (test, recipient) pair onto [0,100)
func Point(testID, recipientID string) float64 {
	h := xxhash.Sum64String(testID + ":" + recipientID)
	return float64(h%bucketScale) * 100 / bucketScale
}

// Assign partitions recipients across variants; the result maps
// participant id to variant id
func Assign(testID string, recipients []models.Recipient, variants []models.ABVariant) (map[string]string, error) {
	a, err := NewAssigner(testID, variants)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(recipients))
	for _, r := range recipients {
		out[r.ParticipantID] = a.Variant(r.ParticipantID).ID
	}
	return out, nil
}

// Distribution counts recipients per variant id
func Distribution(assignment map[string]string) map[string]int {
	counts := make(map[string]int)
	for _, variantID := range assignment {
		counts[variantID]++
	}
	return counts
}
