package sla

import (
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/julianostefano/BunNow-sub006/pkg/config"
)

// moderatePriority is the fallback tier applied when a ticket carries a
// priority the policy table does not know.
const moderatePriority = 3

// defaultTargets mirror the standard response expectations per priority.
var defaultTargets = map[int]float64{
	1: 4,
	2: 8,
	3: 24,
	4: 72,
	5: 168,
}

// Policy maps ticket priorities onto resolution targets
type Policy struct {
	targets           map[int]float64
	escalationPercent float64
}

// NewPolicy builds the policy table from configuration, falling back to the
// compiled defaults for anything unset
func NewPolicy(cfg config.SLAConfig) *Policy {
	targets := make(map[int]float64, len(defaultTargets))
	for p, hours := range defaultTargets {
		targets[p] = hours
	}

	for key, hours := range cfg.TargetHours {
		priority, err := strconv.Atoi(key)
		if err != nil || hours <= 0 {
			log.Warn().
				Str("priority", key).
				Float64("hours", hours).
				Msg("Ignoring invalid SLA target")
			continue
		}
		targets[priority] = hours
	}

	escalation := cfg.EscalationPercent
	if escalation <= 0 || escalation >= 100 {
		escalation = 80
	}

	return &Policy{
		targets:           targets,
		escalationPercent: escalation,
	}
}

// TargetFor returns the target hours for a priority. Unknown priorities fall
// back to the moderate tier so a misconfigured remote record still gets a
// deadline instead of failing the sync.
func (p *Policy) TargetFor(priority int) float64 {
	if hours, ok := p.targets[priority]; ok {
		return hours
	}

	log.Warn().
		Int("priority", priority).
		Msg("No SLA policy for priority, applying moderate default")

	return p.targets[moderatePriority]
}

// EscalationPercent returns the breach-percentage threshold at which a ticket
// counts as approaching breach
func (p *Policy) EscalationPercent() float64 {
	return p.escalationPercent
}
