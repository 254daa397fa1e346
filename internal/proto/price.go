package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

const PriceTTL = 24 * time.Hour

const (
	KindPriceUpdate       = "price_update"
	KindPriceVerification = "price_verification"
)

type VerificationType string

const (
	VerifyConfirm VerificationType = "confirm"
	VerifyDispute VerificationType = "dispute"
	VerifyUpdate  VerificationType = "update"
)

// Confidence maps a verification type to its fixed confidence score.
func (t VerificationType) Confidence() (float64, bool) {
	switch t {
	case VerifyConfirm:
		return 0.8, true
	case VerifyDispute:
		return 0.2, true
	case VerifyUpdate:
		return 0.5, true
	}
	return 0, false
}

var ErrBadPriceExpiry = fmt.Errorf("expires_at must be timestamp + %s", PriceTTL)

type PriceVerification struct {
	ID               string           `json:"id"`
	PriceID          string           `json:"price_id"`
	VerifierDeviceID string           `json:"verifier_device_id"`
	VerifierUserID   string           `json:"verifier_user_id,omitempty"`
	Type             VerificationType `json:"verification_type"`
	SuggestedPrice   *float64         `json:"suggested_price,omitempty"`
	ConfidenceScore  float64          `json:"confidence_score"`
	Location         string           `json:"location"`
	County           string           `json:"county"`
	Timestamp        time.Time        `json:"timestamp"`
}

// Canonicalize resets the confidence to the fixed score of the type. It
// reports false for an unknown type or a verification of another share.
func (v *PriceVerification) Canonicalize(priceID string) bool {
	if v.ID == "" || v.PriceID != priceID {
		return false
	}
	score, ok := v.Type.Confidence()
	if !ok {
		return false
	}
	v.ConfidenceScore = score
	return true
}

type PriceShare struct {
	ID                string              `json:"id"`
	Commodity         string              `json:"commodity"`
	Price             float64             `json:"price"`
	Unit              string              `json:"unit"`
	Location          string              `json:"location"`
	County            string              `json:"county"`
	MarketName        string              `json:"market_name"`
	QualityGrade      string              `json:"quality_grade,omitempty"`
	SharedByDevice    string              `json:"shared_by_device"`
	SharedByUser      string              `json:"shared_by_user,omitempty"`
	Timestamp         time.Time           `json:"timestamp"`
	ExpiresAt         time.Time           `json:"expires_at"`
	VerificationCount int                 `json:"verification_count"`
	Verifications     []PriceVerification `json:"verifications"`
}

func (p *PriceShare) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

func (p *PriceShare) HasVerification(id string) bool {
	for _, v := range p.Verifications {
		if v.ID == id {
			return true
		}
	}
	return false
}

func (p *PriceShare) Clone() *PriceShare {
	if p == nil {
		return nil
	}
	out := *p
	out.Verifications = make([]PriceVerification, len(p.Verifications))
	for i, v := range p.Verifications {
		out.Verifications[i] = v
		if v.SuggestedPrice != nil {
			sp := *v.SuggestedPrice
			out.Verifications[i].SuggestedPrice = &sp
		}
	}
	return &out
}

func (p *PriceShare) Validate() error {
	if p.ID == "" || p.Commodity == "" || p.SharedByDevice == "" {
		return fmt.Errorf("price share missing id, commodity or device")
	}
	if p.Price < 0 {
		return fmt.Errorf("negative price")
	}
	if !p.ExpiresAt.Equal(p.Timestamp.Add(PriceTTL)) {
		return ErrBadPriceExpiry
	}
	if p.VerificationCount != len(p.Verifications) {
		return fmt.Errorf("verification_count %d != %d verifications", p.VerificationCount, len(p.Verifications))
	}
	return nil
}

// PriceEnvelope is the content body of a price broadcast.
type PriceEnvelope struct {
	Kind         string             `json:"kind"`
	ProtoVersion string             `json:"proto_version"`
	Price        *PriceShare        `json:"price,omitempty"`
	Verification *PriceVerification `json:"verification,omitempty"`
}

func EncodePriceUpdate(p *PriceShare) (string, error) {
	data, err := json.Marshal(PriceEnvelope{Kind: KindPriceUpdate, ProtoVersion: ProtoVersion, Price: p})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func EncodePriceVerification(v *PriceVerification) (string, error) {
	data, err := json.Marshal(PriceEnvelope{Kind: KindPriceVerification, ProtoVersion: ProtoVersion, Verification: v})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodePriceEnvelope returns ok=false for content that is not a price
// envelope at all, and an error for a price envelope that is malformed.
func DecodePriceEnvelope(content string) (PriceEnvelope, bool, error) {
	if !gjson.Valid(content) {
		return PriceEnvelope{}, false, nil
	}
	kind := gjson.Get(content, "kind").String()
	if kind != KindPriceUpdate && kind != KindPriceVerification {
		return PriceEnvelope{}, false, nil
	}
	var env PriceEnvelope
	if err := json.Unmarshal([]byte(content), &env); err != nil {
		return PriceEnvelope{}, true, err
	}
	if err := ValidateWireMeta(env.ProtoVersion, ""); err != nil {
		return PriceEnvelope{}, true, err
	}
	switch kind {
	case KindPriceUpdate:
		if env.Price == nil {
			return PriceEnvelope{}, true, fmt.Errorf("price_update without price")
		}
		if err := env.Price.Validate(); err != nil {
			return PriceEnvelope{}, true, err
		}
	case KindPriceVerification:
		if env.Verification == nil || env.Verification.ID == "" || env.Verification.PriceID == "" {
			return PriceEnvelope{}, true, fmt.Errorf("price_verification without verification")
		}
		if _, ok := env.Verification.Type.Confidence(); !ok {
			return PriceEnvelope{}, true, fmt.Errorf("unknown verification_type %q", env.Verification.Type)
		}
	}
	return env, true, nil
}
