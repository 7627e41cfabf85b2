package servicenow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/julianostefano/BunNow-sub006/pkg/models"
)

func TestQueryBuilder(t *testing.T) {
	q := NewQuery().
		Eq("assignment_group", "network").
		InInts("state", 1, 2, 3).
		OrderByDesc("sys_updated_on")

	assert.Equal(t, "assignment_group=network^stateIN1,2,3^ORDERBYDESCsys_updated_on", q.String())
}

func TestQueryUpdatedSince(t *testing.T) {
	since := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	q := NewQuery().UpdatedSince(since).OrderBy("sys_updated_on")

	assert.Equal(t, "sys_updated_on>2024-03-15 10:30:00^ORDERBYsys_updated_on", q.String())
}

func TestQueryEmpty(t *testing.T) {
	q := NewQuery()
	assert.True(t, q.IsEmpty())
	assert.Equal(t, "", q.String())

	q.Eq("active", "true")
	assert.False(t, q.IsEmpty())
}

func TestTableByName(t *testing.T) {
	table, err := TableByName("incident")
	assert.NoError(t, err)
	assert.Equal(t, models.TicketTypeIncident, table.TicketType)

	_, err = TableByName("cmdb_ci")
	assert.ErrorIs(t, err, models.ErrUnknownTable)
}

func TestStatesForClass(t *testing.T) {
	incident, err := TableByName("incident")
	assert.NoError(t, err)

	open, err := incident.StatesForClass(StateClassOpen)
	assert.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, open)

	resolved, err := incident.StatesForClass(StateClassResolved)
	assert.NoError(t, err)
	assert.Equal(t, []int{6}, resolved)

	all, err := incident.StatesForClass(StateClassAll)
	assert.NoError(t, err)
	assert.Nil(t, all)

	_, err = incident.StatesForClass("bogus")
	assert.ErrorIs(t, err, ErrUnknownStateClass)

	// Tables without a dedicated resolved state fall back to closed
	task, err := TableByName("sc_task")
	assert.NoError(t, err)
	resolved, err = task.StatesForClass(StateClassResolved)
	assert.NoError(t, err)
	assert.Equal(t, []int{3, 4, 7}, resolved)
}

func TestIsTerminal(t *testing.T) {
	incident, err := TableByName("incident")
	assert.NoError(t, err)

	assert.False(t, incident.IsTerminal(2))
	assert.True(t, incident.IsTerminal(6))
	assert.True(t, incident.IsTerminal(7))
}
