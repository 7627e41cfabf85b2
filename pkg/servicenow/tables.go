package servicenow

import (
	"errors"
	"fmt"

	"github.com/julianostefano/BunNow-sub006/pkg/models"
)

// Mirrored ServiceNow tables.
const (
	TableIncident    = "incident"
	TableChangeTask  = "change_task"
	TableServiceTask = "sc_task"
	TableTaskSLA     = "task_sla"
)

// State classes accepted by logical query filters.
const (
	StateClassOpen     = "open"
	StateClassResolved = "resolved"
	StateClassClosed   = "closed"
	StateClassAll      = "all"
)

// Table describes one mirrored task table: its canonical ticket type and the
// state codes that make up each logical state class.
type Table struct {
	Name           string
	TicketType     string
	OpenStates     []int
	ResolvedStates []int
	ClosedStates   []int
}

// State codes follow the stock ServiceNow task tables. Incident keeps the
// dedicated resolved state 6; the task tables go straight to closed.
var tables = map[string]Table{
	TableIncident: {
		Name:           TableIncident,
		TicketType:     models.TicketTypeIncident,
		OpenStates:     []int{1, 2, 3},
		ResolvedStates: []int{6},
		ClosedStates:   []int{7, 8},
	},
	TableChangeTask: {
		Name:           TableChangeTask,
		TicketType:     models.TicketTypeChangeTask,
		OpenStates:     []int{-5, 1, 2},
		ResolvedStates: []int{},
		ClosedStates:   []int{3, 4, 7},
	},
	TableServiceTask: {
		Name:           TableServiceTask,
		TicketType:     models.TicketTypeServiceTask,
		OpenStates:     []int{-5, 1, 2},
		ResolvedStates: []int{},
		ClosedStates:   []int{3, 4, 7},
	},
}

// TableByName resolves a table name against the mirrored set.
func TableByName(name string) (Table, error) {
	t, ok := tables[name]
	if !ok {
		return Table{}, fmt.Errorf("table %q: %w", name, models.ErrUnknownTable)
	}
	return t, nil
}

// TableNames returns the mirrored table names in sync order.
func TableNames() []string {
	return []string{TableIncident, TableChangeTask, TableServiceTask}
}

// ErrUnknownStateClass is returned for state class names outside the
// open/resolved/closed/all set.
var ErrUnknownStateClass = errors.New("unknown state class")

// StatesForClass maps a logical state class onto concrete state codes. The
// "all" class returns nil, meaning no state constraint.
func (t Table) StatesForClass(class string) ([]int, error) {
	switch class {
	case StateClassOpen:
		return t.OpenStates, nil
	case StateClassResolved:
		// Tables without a resolved state treat resolved as closed.
		if len(t.ResolvedStates) == 0 {
			return t.ClosedStates, nil
		}
		return t.ResolvedStates, nil
	case StateClassClosed:
		return t.ClosedStates, nil
	case StateClassAll, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("state class %q: %w", class, ErrUnknownStateClass)
	}
}

// IsTerminal reports whether a state code ends SLA accumulation.
func (t Table) IsTerminal(state int) bool {
	for _, s := range t.ResolvedStates {
		if s == state {
			return true
		}
	}
	for _, s := range t.ClosedStates {
		if s == state {
			return true
		}
	}
	return false
}
