package sync

import (
	"fmt"
	"strconv"
	"time"

	"github.com/guregu/null/v5"

	"github.com/julianostefano/BunNow-sub006/pkg/models"
	"github.com/julianostefano/BunNow-sub006/pkg/servicenow"
)

// Timestamp layouts the Table API emits, depending on display_value mode.
var timeLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02",
}

// fieldValue extracts the raw value of a field. Reference fields arrive as
// {display_value, value} objects when display_value=all is requested and as
// plain strings otherwise; both forms are accepted.
func fieldValue(raw map[string]interface{}, key string) string {
	switch v := raw[key].(type) {
	case string:
		return v
	case map[string]interface{}:
		if s, ok := v["value"].(string); ok {
			return s
		}
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

// fieldDisplay extracts the human readable side of a field, falling back to
// the raw value when no display form is present.
func fieldDisplay(raw map[string]interface{}, key string) string {
	if v, ok := raw[key].(map[string]interface{}); ok {
		if s, ok := v["display_value"].(string); ok && s != "" {
			return s
		}
	}
	return fieldValue(raw, key)
}

func fieldInt(raw map[string]interface{}, key string) int {
	n, err := strconv.Atoi(fieldValue(raw, key))
	if err != nil {
		return 0
	}
	return n
}

func fieldFloat(raw map[string]interface{}, key string) float64 {
	f, err := strconv.ParseFloat(fieldValue(raw, key), 64)
	if err != nil {
		return 0
	}
	return f
}

func fieldBool(raw map[string]interface{}, key string) bool {
	return fieldValue(raw, key) == "true"
}

// fieldTime parses a glide timestamp, which the instance reports in UTC.
func fieldTime(raw map[string]interface{}, key string) (time.Time, bool) {
	s := fieldValue(raw, key)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func nullString(s string) null.String {
	return null.NewString(s, s != "")
}

// flatten reduces every field to its value form so the stored raw document
// has one stable shape regardless of the display mode it was fetched with.
func flatten(raw map[string]interface{}) models.FieldMap {
	flat := make(models.FieldMap, len(raw))
	for key := range raw {
		flat[key] = fieldValue(raw, key)
	}
	return flat
}

// NormalizeTicket converts a Table API record into the local ticket shape.
// Sync metadata is left zeroed; reconciliation fills it in.
func NormalizeTicket(table servicenow.Table, raw map[string]interface{}) (*models.Ticket, error) {
	sysID := fieldValue(raw, "sys_id")
	if sysID == "" {
		return nil, fmt.Errorf("record from %s has no sys_id", table.Name)
	}

	ticket := &models.Ticket{
		SysID:            sysID,
		TableName:        table.Name,
		TicketType:       table.TicketType,
		Number:           fieldValue(raw, "number"),
		ShortDescription: fieldValue(raw, "short_description"),
		Description:      nullString(fieldValue(raw, "description")),
		State:            fieldInt(raw, "state"),
		Priority:         fieldInt(raw, "priority"),
		AssignmentGroup:  nullString(fieldDisplay(raw, "assignment_group")),
		AssignedTo:       nullString(fieldDisplay(raw, "assigned_to")),
		Caller:           nullString(fieldDisplay(raw, "caller_id")),
		Raw:              flatten(raw),
	}

	if _, ok := raw["active"]; ok {
		ticket.Active = fieldBool(raw, "active")
	} else {
		ticket.Active = !table.IsTerminal(ticket.State)
	}

	parent := fieldValue(raw, "parent_incident")
	if parent == "" {
		parent = fieldValue(raw, "parent")
	}
	ticket.Parent = nullString(parent)

	if opened, ok := fieldTime(raw, "opened_at"); ok {
		ticket.OpenedAt = opened
	} else if created, ok := fieldTime(raw, "sys_created_on"); ok {
		ticket.OpenedAt = created
	}

	if updated, ok := fieldTime(raw, "sys_updated_on"); ok {
		ticket.UpdatedAt = updated
	} else {
		ticket.UpdatedAt = ticket.OpenedAt
	}

	if closed, ok := fieldTime(raw, "closed_at"); ok {
		ticket.ClosedAt = null.TimeFrom(closed)
	} else if resolved, ok := fieldTime(raw, "resolved_at"); ok {
		ticket.ClosedAt = null.TimeFrom(resolved)
	}

	return ticket, nil
}

// NormalizeMeasurement converts a task_sla record into the local measurement
// shape. These are fetched with display_value=all so the attached SLA
// definition keeps its human readable name.
func NormalizeMeasurement(ticketID string, raw map[string]interface{}) (*models.SLAMeasurement, error) {
	sysID := fieldValue(raw, "sys_id")
	if sysID == "" {
		return nil, fmt.Errorf("task_sla record for %s has no sys_id", ticketID)
	}

	m := &models.SLAMeasurement{
		TicketID:    ticketID,
		SysID:       sysID,
		SLAName:     fieldDisplay(raw, "sla"),
		Stage:       fieldValue(raw, "stage"),
		BusinessPct: fieldFloat(raw, "business_percentage"),
		HasBreached: fieldBool(raw, "has_breached"),
	}

	if start, ok := fieldTime(raw, "start_time"); ok {
		m.StartTime = start
	}
	if end, ok := fieldTime(raw, "end_time"); ok {
		m.EndTime = null.TimeFrom(end)
	}

	return m, nil
}
