package features

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// Feature indexes a named component of a Vector.
type Feature int

// The first NumCore features are the canonical keystroke and pointer
// features. The rest are navigation features carried only by extended vectors.
const (
	MeanFlight Feature = iota
	StdFlight
	MeanHold
	StdHold
	BackspaceRate
	BigramMean
	TotalKeys
	MouseAvgSpeed
	ScrollFrequency
	ClickFrequency
	AvgScrollSpeed
	FocusChanges
	AvgTimeBetweenActions
)

const (
	// NumCore is the number of canonical features.
	NumCore = 8
	// NumFeatures is the number of features in an extended vector.
	NumFeatures = 13
)

var featureNames = [NumFeatures]string{
	"meanFlight",
	"stdFlight",
	"meanHold",
	"stdHold",
	"backspaceRate",
	"bigramMean",
	"totalKeys",
	"mouseAvgSpeed",
	"scrollFrequency",
	"clickFrequency",
	"avgScrollSpeed",
	"focusChanges",
	"avgTimeBetweenActions",
}

// String returns the wire name of the feature.
func (f Feature) String() string {
	if f < 0 || int(f) >= NumFeatures {
		return fmt.Sprintf("feature(%d)", int(f))
	}
	return featureNames[f]
}

// Core reports whether f is one of the canonical features.
func (f Feature) Core() bool {
	return f >= 0 && int(f) < NumCore
}

// ParseFeature returns the feature with the given wire name.
func ParseFeature(name string) (Feature, error) {
	for i, n := range featureNames {
		if n == name {
			return Feature(i), nil
		}
	}
	return 0, fmt.Errorf("unknown feature %q", name)
}

// CoreFeatures lists the canonical features in order.
func CoreFeatures() []Feature {
	out := make([]Feature, NumCore)
	for i := range out {
		out[i] = Feature(i)
	}
	return out
}

// AllFeatures lists every feature of an extended vector in order.
func AllFeatures() []Feature {
	out := make([]Feature, NumFeatures)
	for i := range out {
		out[i] = Feature(i)
	}
	return out
}

// Vector is an immutable feature vector. The zero value is the all-zero
// core vector.
type Vector struct {
	values   [NumFeatures]float64
	extended bool
}

// NewVector builds a core vector from the canonical features in order.
func NewVector(core [NumCore]float64) Vector {
	var v Vector
	copy(v.values[:], core[:])
	return v
}

// NewExtendedVector builds an extended vector from all features in order.
func NewExtendedVector(all [NumFeatures]float64) Vector {
	return Vector{values: all, extended: true}
}

// FromMap builds a vector from named values. Missing features are 0. The
// vector is extended when any navigation feature is present.
func FromMap(m map[Feature]float64) Vector {
	var v Vector
	for f, x := range m {
		if f < 0 || int(f) >= NumFeatures {
			continue
		}
		v.values[f] = x
		if !f.Core() {
			v.extended = true
		}
	}
	return v
}

// Get returns the value of f. Navigation features read as 0 on core vectors.
func (v Vector) Get(f Feature) float64 {
	if f < 0 || int(f) >= NumFeatures {
		return 0
	}
	if !f.Core() && !v.extended {
		return 0
	}
	return v.values[f]
}

// With returns a copy of v with f set to x.
func (v Vector) With(f Feature, x float64) Vector {
	if f < 0 || int(f) >= NumFeatures {
		return v
	}
	v.values[f] = x
	if !f.Core() {
		v.extended = true
	}
	return v
}

// Extended reports whether v carries navigation features.
func (v Vector) Extended() bool {
	return v.extended
}

// Len returns the number of features present.
func (v Vector) Len() int {
	if v.extended {
		return NumFeatures
	}
	return NumCore
}

// Features lists the features present in v.
func (v Vector) Features() []Feature {
	if v.extended {
		return AllFeatures()
	}
	return CoreFeatures()
}

// Core returns the canonical components.
func (v Vector) Core() [NumCore]float64 {
	var out [NumCore]float64
	copy(out[:], v.values[:NumCore])
	return out
}

// Finite reports whether every present component is a finite number.
func (v Vector) Finite() bool {
	for i := 0; i < v.Len(); i++ {
		if math.IsNaN(v.values[i]) || math.IsInf(v.values[i], 0) {
			return false
		}
	}
	return true
}

// Map returns the present features keyed by wire name.
func (v Vector) Map() map[string]float64 {
	out := make(map[string]float64, v.Len())
	for i := 0; i < v.Len(); i++ {
		out[featureNames[i]] = v.values[i]
	}
	return out
}

// MarshalJSON encodes v as an object keyed by feature name, in feature order.
func (v Vector) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i := 0; i < v.Len(); i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		x := v.values[i]
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("feature %s is not finite", featureNames[i])
		}
		name, _ := json.Marshal(featureNames[i])
		val, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object keyed by feature name. Missing features
// decode as 0; unknown keys are rejected.
func (v *Vector) UnmarshalJSON(data []byte) error {
	var raw map[string]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode feature vector: %w", err)
	}
	m := make(map[Feature]float64, len(raw))
	for name, x := range raw {
		f, err := ParseFeature(name)
		if err != nil {
			return err
		}
		m[f] = x
	}
	*v = FromMap(m)
	return nil
}
