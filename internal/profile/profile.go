// Package profile builds enrollment profiles from per-session feature vectors.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fluxauth/internal/features"
	"fluxauth/internal/forest"
)

// ErrEmptyInput is returned when aggregating zero vectors.
var ErrEmptyInput = errors.New("profile: no feature vectors")

// MinForestVectors is the fewest enrollment vectors a forest is trained on.
const MinForestVectors = 4

// Strategy selects how a profile is scored.
type Strategy string

const (
	StrategyCentroid       Strategy = "centroid"
	StrategyCentroidForest Strategy = "centroid+forest"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	return s == StrategyCentroid || s == StrategyCentroidForest
}

// Profile is a user's behavioral baseline. A forest is present exactly when
// Strategy is StrategyCentroidForest.
type Profile struct {
	UserID      string
	Strategy    Strategy
	Centroid    features.Vector
	StdDevs     features.Vector
	SampleCount int
	Forest      *forest.Forest
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type profileJSON struct {
	UserID      string          `json:"userId"`
	Strategy    Strategy        `json:"strategy"`
	Centroid    features.Vector `json:"centroid"`
	StdDevs     features.Vector `json:"stdDevs"`
	SampleCount int             `json:"sampleCount"`
	Forest      *forest.Forest  `json:"forest,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// MarshalJSON implements json.Marshaler.
func (p *Profile) MarshalJSON() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(profileJSON(*p))
}

// UnmarshalJSON implements json.Unmarshaler. Profiles persisted without a
// strategy are inferred from the presence of a forest.
func (p *Profile) UnmarshalJSON(data []byte) error {
	var in profileJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decode profile: %w", err)
	}
	if in.Strategy == "" {
		in.Strategy = StrategyCentroid
		if in.Forest != nil {
			in.Strategy = StrategyCentroidForest
		}
	}
	out := Profile(in)
	if err := out.Validate(); err != nil {
		return err
	}
	*p = out
	return nil
}

// Validate checks the strategy and forest agree.
func (p *Profile) Validate() error {
	switch p.Strategy {
	case StrategyCentroid:
		if p.Forest != nil {
			return fmt.Errorf("profile %q: centroid strategy must not carry a forest", p.UserID)
		}
	case StrategyCentroidForest:
		if p.Forest == nil || !p.Forest.Trained() {
			return fmt.Errorf("profile %q: forest strategy requires a trained forest", p.UserID)
		}
	default:
		return fmt.Errorf("profile %q: unknown strategy %q", p.UserID, p.Strategy)
	}
	if !p.Centroid.Finite() || !p.StdDevs.Finite() {
		return fmt.Errorf("profile %q: non-finite baseline", p.UserID)
	}
	return nil
}

// Default returns a wide-tolerance baseline for users without an enrollment.
func Default(userID string) *Profile {
	now := time.Now().UTC()
	return &Profile{
		UserID:    userID,
		Strategy:  StrategyCentroid,
		Centroid:  features.NewVector([features.NumCore]float64{150, 80, 100, 50, 0.05, 200, 50, 0.5}),
		StdDevs:   features.NewVector([features.NumCore]float64{50, 30, 40, 20, 0.03, 60, 20, 0.3}),
		CreatedAt: now,
		UpdatedAt: now,
	}
}
