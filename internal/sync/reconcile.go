package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/julianostefano/BunNow-sub006/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func hashPayload(payload interface{}) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// ContentHash fingerprints the normalized ticket fields. Volatile metadata
// such as sys_updated_on stays out of the fingerprint so a remote touch that
// changes nothing we track does not count as a change.
func ContentHash(t *models.Ticket) string {
	return hashPayload(map[string]interface{}{
		"sys_id":            t.SysID,
		"table":             t.TableName,
		"number":            t.Number,
		"short_description": t.ShortDescription,
		"description":       t.Description.ValueOrZero(),
		"state":             t.State,
		"priority":          t.Priority,
		"assignment_group":  t.AssignmentGroup.ValueOrZero(),
		"assigned_to":       t.AssignedTo.ValueOrZero(),
		"caller":            t.Caller.ValueOrZero(),
		"active":            t.Active,
		"parent":            t.Parent.ValueOrZero(),
		"opened_at":         timestamp(t.OpenedAt),
		"closed_at":         timestamp(t.ClosedAt.ValueOrZero()),
	})
}

// SLAHash fingerprints a set of measurements. The set is sorted by sys_id
// first so the hash is stable under reordering.
func SLAHash(measurements []models.SLAMeasurement) string {
	sorted := make([]models.SLAMeasurement, len(measurements))
	copy(sorted, measurements)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SysID < sorted[j].SysID })

	entries := make([]map[string]interface{}, 0, len(sorted))
	for _, m := range sorted {
		entries = append(entries, map[string]interface{}{
			"sys_id":              m.SysID,
			"sla":                 m.SLAName,
			"stage":               m.Stage,
			"business_percentage": m.BusinessPct,
			"has_breached":        m.HasBreached,
			"start_time":          timestamp(m.StartTime),
			"end_time":            timestamp(m.EndTime.ValueOrZero()),
		})
	}
	return hashPayload(entries)
}

// Reconcile decides whether an incoming record needs to be written over the
// existing one and produces the sync metadata for the write. A nil
// measurements slice means the SLA attachments were not refetched, so the
// stored SLA hash carries over. Reconcile never mutates its arguments.
func Reconcile(existing, incoming *models.Ticket, measurements []models.SLAMeasurement, now time.Time) (bool, models.SyncMeta) {
	meta := models.SyncMeta{
		ContentHash: ContentHash(incoming),
		SyncedAt:    now,
	}

	switch {
	case measurements != nil:
		meta.SLAHash = SLAHash(measurements)
	case existing != nil:
		meta.SLAHash = existing.SLAHash
	default:
		meta.SLAHash = SLAHash(nil)
	}

	if existing == nil {
		meta.Version = 1
		meta.Source = models.SyncSourceRemote
		return true, meta
	}

	if existing.ContentHash == meta.ContentHash && existing.SLAHash == meta.SLAHash {
		return false, existing.Meta()
	}

	meta.Version = existing.SyncVersion + 1
	meta.Source = models.SyncSourceReconciled
	return true, meta
}

type trackedField struct {
	name string
	get  func(*models.Ticket) string
}

var trackedFields = []trackedField{
	{"number", func(t *models.Ticket) string { return t.Number }},
	{"state", func(t *models.Ticket) string { return strconv.Itoa(t.State) }},
	{"priority", func(t *models.Ticket) string { return strconv.Itoa(t.Priority) }},
	{"active", func(t *models.Ticket) string { return strconv.FormatBool(t.Active) }},
	{"short_description", func(t *models.Ticket) string { return t.ShortDescription }},
	{"description", func(t *models.Ticket) string { return t.Description.ValueOrZero() }},
	{"assignment_group", func(t *models.Ticket) string { return t.AssignmentGroup.ValueOrZero() }},
	{"assigned_to", func(t *models.Ticket) string { return t.AssignedTo.ValueOrZero() }},
	{"caller", func(t *models.Ticket) string { return t.Caller.ValueOrZero() }},
	{"parent", func(t *models.Ticket) string { return t.Parent.ValueOrZero() }},
	{"closed_at", func(t *models.Ticket) string { return timestamp(t.ClosedAt.ValueOrZero()) }},
}

// DiffFields produces the audit entries for a write. A first sighting reports
// every populated tracked field as a create; later writes yield one entry per
// changed field, with a cleared field recorded as a delete.
func DiffFields(existing, incoming *models.Ticket, version int, now time.Time) []models.AuditEntry {
	var entries []models.AuditEntry
	for _, f := range trackedFields {
		newVal := f.get(incoming)

		if existing == nil {
			if newVal == "" {
				continue
			}
			entries = append(entries, models.AuditEntry{
				TicketID:    incoming.SysID,
				TableName:   incoming.TableName,
				FieldName:   f.name,
				NewValue:    nullString(newVal),
				ChangeType:  models.ChangeTypeCreate,
				SyncVersion: version,
				ChangedAt:   now,
			})
			continue
		}

		oldVal := f.get(existing)
		if oldVal == newVal {
			continue
		}

		changeType := models.ChangeTypeUpdate
		if newVal == "" {
			changeType = models.ChangeTypeDelete
		}

		entries = append(entries, models.AuditEntry{
			TicketID:    incoming.SysID,
			TableName:   incoming.TableName,
			FieldName:   f.name,
			OldValue:    nullString(oldVal),
			NewValue:    nullString(newVal),
			ChangeType:  changeType,
			SyncVersion: version,
			ChangedAt:   now,
		})
	}
	return entries
}
