package flowguard

import (
	"github.com/randalmurphal/flowguard/pkg/flowguard/affinity"
	"github.com/randalmurphal/flowguard/pkg/flowguard/backpressure"
	"github.com/randalmurphal/flowguard/pkg/flowguard/circuit"
	"github.com/randalmurphal/flowguard/pkg/flowguard/event"
	"github.com/randalmurphal/flowguard/pkg/flowguard/health"
)

// Stats is a point-in-time view of every component.
type Stats struct {
	Queue        event.QueueStats      `json:"queue"`
	Backpressure backpressure.Stats    `json:"backpressure"`
	DeadLetters  event.DeadLetterStats `json:"dead_letters"`
	Circuits     circuit.StatusSummary `json:"circuits"`
	Affinity     affinity.Stats        `json:"affinity"`
	Health       health.Report         `json:"health"`
}

// Stats collects component statistics.
func (s *System) Stats() Stats {
	return Stats{
		Queue:        s.queue.Stats(),
		Backpressure: s.backpressure.Stats(),
		DeadLetters:  s.deadLetters.Stats(),
		Circuits:     s.circuits.StatusSummary(),
		Affinity:     s.affinity.Stats(),
		Health:       s.health.SystemHealth(),
	}
}
