package model

import (
	"encoding/json"
	"fmt"
)

// Confidence tags how a market cap was obtained.
type Confidence string

const (
	ConfidenceHigh        Confidence = "high"        // on-chain, liquid pool
	ConfidenceEstimated   Confidence = "est"         // off-chain fallback
	ConfidenceUnavailable Confidence = "unavailable" // every source exhausted
)

// Known reports whether c is one of the defined tiers.
func (c Confidence) Known() bool {
	switch c {
	case ConfidenceHigh, ConfidenceEstimated, ConfidenceUnavailable:
		return true
	}
	return false
}

// ParseConfidence parses the wire form of a confidence tier.
func ParseConfidence(s string) (Confidence, error) {
	c := Confidence(s)
	if !c.Known() {
		return "", fmt.Errorf("unknown confidence %q", s)
	}
	return c, nil
}

func (c *Confidence) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseConfidence(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
