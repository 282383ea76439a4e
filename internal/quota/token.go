package quota

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

const tokenPrefix = "gr-"

// tokenBytes gives 96 bits of entropy, 24 hex chars after the prefix.
const tokenBytes = 12

// Tier selects the daily ceiling of a token.
type Tier string

const (
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

func (t Tier) Valid() bool {
	return t == TierStandard || t == TierPremium
}

// ParseTier accepts "standard" or "premium"; empty means standard.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case "", TierStandard:
		return TierStandard, nil
	case TierPremium:
		return TierPremium, nil
	}
	return "", fmt.Errorf("unknown tier %q (use standard or premium)", s)
}

// Record is the persisted state of one access token.
type Record struct {
	Token             string    `json:"key"`
	CreatedAt         time.Time `json:"createdAt"`
	LastUsed          time.Time `json:"lastUsed"`
	DailyRequestCount int       `json:"dailyRequestCount"`
	LastResetDate     string    `json:"lastResetDate"`
	Tier              Tier      `json:"tier"`
}

// GenerateToken returns a new opaque token: gr-{24 hex chars}.
// The tier is never encoded in the token itself.
func GenerateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random: %w", err)
	}
	return tokenPrefix + hex.EncodeToString(b), nil
}

// dateOf is the calendar date used for daily resets, anchored to UTC.
func dateOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
