package internal

import (
	"time"
)

// CreateTestSession creates a test session with sample data
func CreateTestSession(id string) *Session {
	now := time.Now()
	started := now
	return &Session{
		Metadata: SessionMetadata{
			ID:        id,
			Name:      "Trial " + id,
			Status:    StatusActive,
			Priority:  "normal",
			Tags:      []string{"e-coli", "antibiotic-gradient"},
			CreatedAt: now,
			UpdatedAt: now,
			StartedAt: &started,
			Version:   CurrentSessionVersion,
		},
		Config:      DefaultSessionConfig(),
		Simulations: []SimulationReference{},
		State:       map[string]any{"view": "overview"},
	}
}

// CreateTestSimulation creates a test simulation reference
func CreateTestSimulation(id string, status string) SimulationReference {
	started := time.Now().Add(-time.Minute)
	return SimulationReference{
		ID:           id,
		SimulationID: "run-" + id,
		Status:       status,
		Progress:     42,
		Parameters: map[string]any{
			"population_size": float64(10000),
			"mutation_rate":   0.001,
			"generations":     float64(500),
		},
		StartedAt:     &started,
		ExecutionTime: 30 * time.Second,
		Generations:   210,
	}
}

// CreateTestRecord returns the decoded generic form of a valid session
// record, for integrity and recovery tests that mutate raw records.
func CreateTestRecord(id string) map[string]any {
	return structToRecord(CreateTestSession(id))
}
