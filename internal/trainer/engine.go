// Package trainer generates workout routines adapted to recent
// performance.
package trainer

import (
	"github.com/google/uuid"

	"github.com/smartmirror-lab/internal/logging"
)

// Block is one routine segment; either Reps or Secs is set.
type Block struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Reps int    `json:"reps,omitempty"`
	Secs int    `json:"secs,omitempty"`
}

// Routine is a generated training plan.
type Routine struct {
	RoutineID   string  `json:"routine_id"`
	Blocks      []Block `json:"blocks"`
	DurationMin int     `json:"duration_min"`
}

// Performance is the feedback used to adapt intensity.
type Performance struct {
	HeartRateBPM int `json:"heart_rate_bpm"`
}

// Engine produces and adapts routines.
type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

// GenerateRoutine returns the base routine, scaled down when the heart
// rate runs high and up when it runs low.
func (e *Engine) GenerateRoutine(userID string, perf *Performance) Routine {
	blocks := []Block{
		{Type: "warmup", Name: "Jumping Jacks", Reps: 30},
		{Type: "strength", Name: "Push Ups", Reps: 12},
		{Type: "core", Name: "Plank", Secs: 45},
		{Type: "cooldown", Name: "Stretch", Secs: 60},
	}
	duration := 15
	if perf != nil {
		switch {
		case perf.HeartRateBPM > 130:
			for i := range blocks {
				if blocks[i].Reps > 0 {
					scaled := int(float64(blocks[i].Reps) * 0.8)
					if scaled < 8 {
						scaled = 8
					}
					blocks[i].Reps = scaled
				}
			}
			duration = 12
		case perf.HeartRateBPM > 0 && perf.HeartRateBPM < 90:
			for i := range blocks {
				if blocks[i].Reps > 0 {
					blocks[i].Reps = int(float64(blocks[i].Reps) * 1.2)
				}
			}
			duration = 18
		}
	}
	r := Routine{RoutineID: uuid.NewString(), Blocks: blocks, DurationMin: duration}
	logging.Infow("routine generated", "routine.id", r.RoutineID, "user.id", userID, "duration_min", duration)
	return r
}
