// sessiongen writes synthetic enrollment and session batches for exercising
// fluxauth without capturing real input.
//
// Usage:
//
//	go run ./tools/sessiongen -mode enroll -user alice -output enroll.json
//	go run ./tools/sessiongen -mode session -user alice -typist fast -output s1.json
//	go run ./tools/sessiongen -mode session -user alice -scripted -output bot.json
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"fluxauth/internal/features"
	"fluxauth/internal/schemavalidation"
)

func main() {
	var (
		outputPath = flag.String("output", "", "Output file path (default: stdout)")
		mode       = flag.String("mode", "session", "Batch kind: enroll or session")
		user       = flag.String("user", "demo", "User id written into the batch")
		sessionID  = flag.String("session", "", "Session id for session batches")
		typistName = flag.String("typist", "steady", "Typing style to simulate")
		sessions   = flag.Int("sessions", 5, "Sessions in an enrollment batch")
		keys       = flag.Int("keys", 80, "Keys per session")
		scripted   = flag.Bool("scripted", false, "Generate a perfectly regular scripted session")
		interval   = flag.Float64("interval", 100, "Key interval in ms for scripted sessions")
		seed       = flag.Uint64("seed", 0, "Random seed; 0 = use current time")
		list       = flag.Bool("list", false, "List available typists")
	)
	flag.Parse()

	typists := features.PredefinedTypists()
	if *list {
		fmt.Println("Available typists:")
		for _, t := range typists {
			fmt.Printf("  %-16s flight %3.0fms  hold %3.0fms  backspace %.0f%%\n",
				t.Name, t.FlightMs, t.HoldMs, t.BackspaceProb*100)
		}
		os.Exit(0)
	}

	var typist *features.Typist
	for i := range typists {
		if typists[i].Name == *typistName {
			typist = &typists[i]
		}
	}
	if typist == nil {
		fmt.Fprintf(os.Stderr, "Unknown typist: %s\n", *typistName)
		fmt.Fprintf(os.Stderr, "Use -list to see available typists\n")
		os.Exit(1)
	}

	if *seed == 0 {
		*seed = uint64(time.Now().UnixNano())
	}
	gen := features.NewGenerator(*seed)

	session := func() []features.Event {
		if *scripted {
			return gen.Robotic(*keys, *interval, 0)
		}
		return gen.Session(*typist, *keys, 0)
	}

	var batch any
	switch *mode {
	case "enroll":
		b := schemavalidation.EnrollmentBatch{UserID: *user}
		for i := 0; i < *sessions; i++ {
			b.Sessions = append(b.Sessions, session())
		}
		batch = b
	case "session":
		batch = schemavalidation.SessionBatch{UserID: *user, SessionID: *sessionID, Events: session()}
	default:
		fmt.Fprintf(os.Stderr, "Unknown mode: %s\n", *mode)
		os.Exit(1)
	}

	data, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling batch: %v\n", err)
		os.Exit(1)
	}

	// Reject anything the CLI would reject.
	schema := schemavalidation.SchemaSession
	if *mode == "enroll" {
		schema = schemavalidation.SchemaEnrollment
	}
	if err := schemavalidation.Default().Validate(schema, data); err != nil {
		fmt.Fprintf(os.Stderr, "Generated batch failed validation: %v\n", err)
		os.Exit(1)
	}

	if *outputPath == "" {
		os.Stdout.Write(append(data, '\n'))
		return
	}
	if err := os.WriteFile(*outputPath, data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "Wrote %s batch (seed %d) to %s\n", *mode, *seed, *outputPath)
}
