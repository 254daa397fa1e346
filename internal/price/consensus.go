package price

import (
	"context"
	"sort"

	"agromesh/internal/proto"
)

// Summary aggregates the verifications on one share.
type Summary struct {
	PriceID         string   `json:"price_id"`
	Verifications   int      `json:"verifications"`
	Confirms        int      `json:"confirms"`
	Disputes        int      `json:"disputes"`
	Updates         int      `json:"updates"`
	MeanConfidence  float64  `json:"mean_confidence"`
	MedianSuggested *float64 `json:"median_suggested,omitempty"`
}

// Consensus summarises a live share. ok is false for unknown ids.
func (s *Store) Consensus(ctx context.Context, priceID string) (Summary, bool) {
	p, ok := s.Price(ctx, priceID)
	if !ok {
		return Summary{}, false
	}
	return Summarize(p), true
}

func Summarize(p *proto.PriceShare) Summary {
	sum := Summary{PriceID: p.ID, Verifications: len(p.Verifications)}
	var total float64
	var suggested []float64
	for _, v := range p.Verifications {
		total += v.ConfidenceScore
		switch v.Type {
		case proto.VerifyConfirm:
			sum.Confirms++
		case proto.VerifyDispute:
			sum.Disputes++
		case proto.VerifyUpdate:
			sum.Updates++
		}
		if v.SuggestedPrice != nil {
			suggested = append(suggested, *v.SuggestedPrice)
		}
	}
	if sum.Verifications > 0 {
		sum.MeanConfidence = total / float64(sum.Verifications)
	}
	if len(suggested) > 0 {
		sort.Float64s(suggested)
		mid := len(suggested) / 2
		m := suggested[mid]
		if len(suggested)%2 == 0 {
			m = (suggested[mid-1] + suggested[mid]) / 2
		}
		sum.MedianSuggested = &m
	}
	return sum
}
