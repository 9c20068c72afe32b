package features

import (
	"math"
	"math/rand/v2"
)

// Typist describes the timing habits used to synthesize sessions.
type Typist struct {
	Name          string
	FlightMs      float64 // Mean release-to-press gap
	FlightJitter  float64 // Std dev of the gap
	HoldMs        float64 // Mean key hold
	HoldJitter    float64
	BackspaceProb float64
	PointerSpeed  float64 // Pixels per millisecond
}

// PredefinedTypists returns a small set of distinct typing styles.
func PredefinedTypists() []Typist {
	return []Typist{
		{Name: "steady", FlightMs: 140, FlightJitter: 40, HoldMs: 95, HoldJitter: 20, BackspaceProb: 0.05, PointerSpeed: 0.6},
		{Name: "hunt_and_peck", FlightMs: 420, FlightJitter: 160, HoldMs: 150, HoldJitter: 45, BackspaceProb: 0.12, PointerSpeed: 0.3},
		{Name: "fast", FlightMs: 70, FlightJitter: 25, HoldMs: 70, HoldJitter: 15, BackspaceProb: 0.03, PointerSpeed: 1.1},
	}
}

// Generator synthesizes anonymized sessions for demos and tests.
type Generator struct {
	rng *rand.Rand
}

// NewGenerator creates a generator with a fixed seed.
func NewGenerator(seed uint64) *Generator {
	return &Generator{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Session produces keys press/release pairs followed by a short pointer
// trace, starting at start milliseconds.
func (g *Generator) Session(t Typist, keys int, start float64) []Event {
	events := make([]Event, 0, keys*2+keys/2)
	now := start
	for i := 0; i < keys; i++ {
		class := KeyLetter
		switch r := g.rng.Float64(); {
		case r < t.BackspaceProb:
			class = KeyBackspace
		case r < t.BackspaceProb+0.1:
			class = KeyDigit
		case r < t.BackspaceProb+0.2:
			class = KeyOther
		}
		hold := g.positive(t.HoldMs, t.HoldJitter)
		events = append(events,
			Event{Type: EventKeyDown, Timestamp: now, KeyClass: class},
			Event{Type: EventKeyUp, Timestamp: now + hold, KeyClass: class},
		)
		now += hold + g.positive(t.FlightMs, t.FlightJitter)
	}

	for i := 0; i < keys/2; i++ {
		dt := 16 + g.rng.Float64()*20
		dist := g.positive(t.PointerSpeed*dt, t.PointerSpeed*dt*0.3)
		angle := g.rng.Float64() * 2 * math.Pi
		now += dt
		events = append(events, Event{
			Type:      EventMouseMove,
			Timestamp: now,
			DeltaX:    dist * math.Cos(angle),
			DeltaY:    dist * math.Sin(angle),
		})
	}
	return events
}

// Robotic produces perfectly regular keystrokes, as scripted input would.
func (g *Generator) Robotic(keys int, intervalMs, start float64) []Event {
	events := make([]Event, 0, keys*2)
	now := start
	for i := 0; i < keys; i++ {
		events = append(events,
			Event{Type: EventKeyDown, Timestamp: now, KeyClass: KeyLetter},
			Event{Type: EventKeyUp, Timestamp: now + intervalMs/2, KeyClass: KeyLetter},
		)
		now += intervalMs
	}
	return events
}

// Shuffle returns a copy of events in random order.
func (g *Generator) Shuffle(events []Event) []Event {
	out := make([]Event, len(events))
	copy(out, events)
	g.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func (g *Generator) positive(mean, std float64) float64 {
	v := mean + g.rng.NormFloat64()*std
	if v < 1 {
		return 1
	}
	return v
}
