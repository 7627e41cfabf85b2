package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/guregu/null/v5"
	json "github.com/json-iterator/go"
)

// Ticket types derived from the mirrored ServiceNow tables.
const (
	TicketTypeIncident    = "incident"
	TicketTypeChangeTask  = "change-task"
	TicketTypeServiceTask = "service-task"
)

// Sync sources recorded on a ticket's sync metadata.
const (
	SyncSourceRemote     = "remote"
	SyncSourceReconciled = "reconciled"
)

// Sources reported by hybrid query results.
const (
	QuerySourceLocal  = "local"
	QuerySourceRemote = "remote"
)

// SLA record stages.
const (
	SLAStageActive   = "active"
	SLAStageResolved = "resolved"
)

// Audit change types.
const (
	ChangeTypeCreate = "create"
	ChangeTypeUpdate = "update"
	ChangeTypeDelete = "delete"
)

// FieldMap is the normalized remote field snapshot stored alongside a ticket.
// It round-trips through a JSONB column.
type FieldMap map[string]interface{}

// Value implements driver.Valuer for JSONB storage.
func (m FieldMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for JSONB retrieval.
func (m *FieldMap) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*m = FieldMap{}
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan %T into FieldMap", src)
	}
}

// Ticket is the canonical cached form of a remote task record. One shape
// covers all mirrored tables; type-specific fields sit in Parent and Raw.
type Ticket struct {
	SysID            string      `db:"sys_id" json:"sysId"`
	TableName        string      `db:"table_name" json:"table"`
	TicketType       string      `db:"ticket_type" json:"ticketType"`
	Number           string      `db:"number" json:"number"`
	ShortDescription string      `db:"short_description" json:"shortDescription"`
	Description      null.String `db:"description" json:"description"`
	State            int         `db:"state" json:"state"`
	Priority         int         `db:"priority" json:"priority"`
	AssignmentGroup  null.String `db:"assignment_group" json:"assignmentGroup"`
	AssignedTo       null.String `db:"assigned_to" json:"assignedTo"`
	Caller           null.String `db:"caller" json:"caller"`
	Active           bool        `db:"active" json:"active"`
	Parent           null.String `db:"parent" json:"parent,omitempty"`
	OpenedAt         time.Time   `db:"opened_at" json:"openedAt"`
	UpdatedAt        time.Time   `db:"updated_at" json:"updatedAt"`
	ClosedAt         null.Time   `db:"closed_at" json:"closedAt"`
	Raw              FieldMap    `db:"raw" json:"-"`

	ContentHash string    `db:"content_hash" json:"-"`
	SLAHash     string    `db:"sla_hash" json:"-"`
	SyncVersion int       `db:"sync_version" json:"syncVersion"`
	SyncedAt    time.Time `db:"synced_at" json:"syncedAt"`
	SyncSource  string    `db:"sync_source" json:"syncSource"`
}

// SyncMeta is the bookkeeping attached to every cached ticket. The version
// increments only when reconciliation detects a real change.
type SyncMeta struct {
	ContentHash string    `json:"contentHash"`
	SLAHash     string    `json:"slaHash"`
	Version     int       `json:"version"`
	SyncedAt    time.Time `json:"syncedAt"`
	Source      string    `json:"source"`
}

// Meta extracts the sync bookkeeping columns as a SyncMeta value.
func (t *Ticket) Meta() SyncMeta {
	return SyncMeta{
		ContentHash: t.ContentHash,
		SLAHash:     t.SLAHash,
		Version:     t.SyncVersion,
		SyncedAt:    t.SyncedAt,
		Source:      t.SyncSource,
	}
}

// ApplyMeta writes a SyncMeta value back onto the ticket's columns.
func (t *Ticket) ApplyMeta(m SyncMeta) {
	t.ContentHash = m.ContentHash
	t.SLAHash = m.SLAHash
	t.SyncVersion = m.Version
	t.SyncedAt = m.SyncedAt
	t.SyncSource = m.Source
}

// SLAMeasurement is one remote task_sla row attached to a ticket. The set is
// replaced wholesale on every sync.
type SLAMeasurement struct {
	ID          int64     `db:"id" json:"-"`
	TicketID    string    `db:"ticket_id" json:"-"`
	SysID       string    `db:"sys_id" json:"sysId"`
	SLAName     string    `db:"sla_name" json:"slaName"`
	Stage       string    `db:"stage" json:"stage"`
	BusinessPct float64   `db:"business_percentage" json:"businessPercentage"`
	HasBreached bool      `db:"has_breached" json:"hasBreached"`
	StartTime   time.Time `db:"start_time" json:"startTime"`
	EndTime     null.Time `db:"end_time" json:"endTime"`
}

// SLARecord is the locally computed compliance record for one ticket. The
// breached flag is one-way; resolution hours freeze when the stage flips to
// resolved.
type SLARecord struct {
	TicketID        string     `db:"ticket_id" json:"ticketId"`
	TableName       string     `db:"table_name" json:"table"`
	Priority        int        `db:"priority" json:"priority"`
	TargetHours     float64    `db:"target_hours" json:"targetHours"`
	StartTime       time.Time  `db:"start_time" json:"startTime"`
	BusinessElapsed float64    `db:"business_elapsed_hours" json:"businessElapsedHours"`
	BreachPct       float64    `db:"breach_percentage" json:"breachPercentage"`
	HasBreached     bool       `db:"has_breached" json:"hasBreached"`
	BreachedAt      null.Time  `db:"breached_at" json:"breachedAt"`
	Stage           string     `db:"stage" json:"stage"`
	ResolutionHours null.Float `db:"resolution_time_hours" json:"resolutionTimeHours"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updatedAt"`
}

// SLASummary is the per-ticket rollup served to dashboards. WorstSLA is the
// active measurement with the highest business percentage, nil when the
// ticket has no active measurements.
type SLASummary struct {
	TicketID     string          `json:"ticketId"`
	TotalSLAs    int             `json:"totalSlas"`
	ActiveSLAs   int             `json:"activeSlas"`
	BreachedSLAs int             `json:"breachedSlas"`
	BreachPct    float64         `json:"breachPercentage"`
	WorstSLA     *SLAMeasurement `json:"worstSla,omitempty"`
}

// AuditEntry is one append-only field diff recorded during reconciliation.
type AuditEntry struct {
	ID          int64       `db:"id" json:"id"`
	TicketID    string      `db:"ticket_id" json:"ticketId"`
	TableName   string      `db:"table_name" json:"table"`
	FieldName   string      `db:"field_name" json:"fieldName"`
	OldValue    null.String `db:"old_value" json:"oldValue"`
	NewValue    null.String `db:"new_value" json:"newValue"`
	ChangeType  string      `db:"change_type" json:"changeType"`
	SyncVersion int         `db:"sync_version" json:"syncVersion"`
	ChangedAt   time.Time   `db:"changed_at" json:"changedAt"`
}

// QueryResult is the envelope returned by hybrid queries.
type QueryResult struct {
	Data    []Ticket `json:"data"`
	Total   int      `json:"total"`
	HasMore bool     `json:"hasMore"`
	Source  string   `json:"source"`
}

// PriorityMetrics is the per-priority slice of an SLA metrics report.
type PriorityMetrics struct {
	Total       int     `db:"total" json:"total"`
	Breached    int     `db:"breached" json:"breached"`
	Compliance  float64 `db:"-" json:"compliancePercentage"`
	AvgElapsed  float64 `db:"avg_elapsed" json:"avgBusinessElapsedHours"`
	TargetHours float64 `db:"target_hours" json:"targetHours"`
}

// SLAMetrics is the aggregate compliance report over a date range.
type SLAMetrics struct {
	TableName          string                  `json:"table,omitempty"`
	From               time.Time               `json:"from"`
	To                 time.Time               `json:"to"`
	TotalTickets       int                     `json:"totalTickets"`
	BreachedTickets    int                     `json:"breachedTickets"`
	CompliantTickets   int                     `json:"compliantTickets"`
	Compliance         float64                 `json:"compliancePercentage"`
	AvgResolutionHours float64                 `json:"avgResolutionHours"`
	ByPriority         map[int]PriorityMetrics `json:"byPriority"`
}

// SyncRun records one delta-sync pass over a table.
type SyncRun struct {
	ID         string      `db:"id" json:"id"`
	TableName  string      `db:"table_name" json:"table"`
	StartedAt  time.Time   `db:"started_at" json:"startedAt"`
	FinishedAt null.Time   `db:"finished_at" json:"finishedAt"`
	Fetched    int         `db:"fetched" json:"fetched"`
	Created    int         `db:"created" json:"created"`
	Updated    int         `db:"updated" json:"updated"`
	Unchanged  int         `db:"unchanged" json:"unchanged"`
	Failed     int         `db:"failed" json:"failed"`
	Error      null.String `db:"error" json:"error,omitempty"`
}
