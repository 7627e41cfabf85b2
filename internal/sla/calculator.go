package sla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guregu/null/v5"
	"github.com/rs/zerolog/log"

	"github.com/julianostefano/BunNow-sub006/pkg/database"
	"github.com/julianostefano/BunNow-sub006/pkg/models"
	"github.com/julianostefano/BunNow-sub006/pkg/servicenow"
)

// task_sla stage values as the remote system reports them.
const (
	stageInProgress = "in_progress"
	stageCompleted  = "completed"
	stageCancelled  = "cancelled"
)

// Calculator owns SLA computation: the business calendar, the policy table,
// and persistence of the computed records.
type Calculator struct {
	db       *database.DB
	calendar *Calendar
	policy   *Policy
}

// NewCalculator creates a new SLA calculator
func NewCalculator(db *database.DB, calendar *Calendar, policy *Policy) *Calculator {
	return &Calculator{
		db:       db,
		calendar: calendar,
		policy:   policy,
	}
}

// Calendar exposes the business calendar backing this calculator
func (c *Calculator) Calendar() *Calendar {
	return c.calendar
}

// Compute derives the compliance record for a ticket at the given instant.
// prior carries the previously stored record: the breach flag only moves one
// way, and a resolved record comes back unchanged, keeping its frozen
// resolution hours.
func (c *Calculator) Compute(ticket *models.Ticket, prior *models.SLARecord, now time.Time) models.SLARecord {
	if prior != nil && prior.Stage == models.SLAStageResolved {
		return *prior
	}

	record := models.SLARecord{
		TicketID:    ticket.SysID,
		TableName:   ticket.TableName,
		Priority:    ticket.Priority,
		TargetHours: c.policy.TargetFor(ticket.Priority),
		StartTime:   ticket.OpenedAt,
		Stage:       models.SLAStageActive,
		UpdatedAt:   now,
	}

	table, err := servicenow.TableByName(ticket.TableName)
	terminal := err == nil && table.IsTerminal(ticket.State)

	end := now
	if terminal && ticket.ClosedAt.Valid {
		end = ticket.ClosedAt.Time
	}

	record.BusinessElapsed = c.calendar.BusinessHoursBetween(ticket.OpenedAt, end)
	if record.TargetHours > 0 {
		record.BreachPct = record.BusinessElapsed / record.TargetHours * 100
	}

	record.HasBreached = record.BusinessElapsed > record.TargetHours
	if prior != nil && prior.HasBreached {
		record.HasBreached = true
	}

	switch {
	case !record.HasBreached:
	case prior != nil && prior.BreachedAt.Valid:
		record.BreachedAt = prior.BreachedAt
	default:
		record.BreachedAt = null.TimeFrom(now)
	}

	if terminal {
		record.Stage = models.SLAStageResolved
		record.ResolutionHours = null.FloatFrom(record.BusinessElapsed)
	}

	return record
}

// Refresh recomputes compliance records for tickets still accruing time and
// freezes records whose tickets have since closed. It returns the number of
// records written.
func (c *Calculator) Refresh(ctx context.Context, table string) (int, error) {
	tickets, err := c.db.ListTicketsNeedingSLA(ctx, table)
	if err != nil {
		return 0, fmt.Errorf("failed to load tickets for SLA refresh: %w", err)
	}

	now := time.Now().UTC()
	var written int
	for i := range tickets {
		ticket := &tickets[i]

		prior, err := c.db.GetSLARecord(ctx, ticket.SysID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			log.Error().
				Err(err).
				Str("sys_id", ticket.SysID).
				Msg("Failed to load SLA record, skipping ticket")
			continue
		}

		record := c.Compute(ticket, prior, now)

		if record.HasBreached && (prior == nil || !prior.HasBreached) {
			log.Warn().
				Str("sys_id", ticket.SysID).
				Str("number", ticket.Number).
				Int("priority", ticket.Priority).
				Float64("elapsed_hours", record.BusinessElapsed).
				Float64("target_hours", record.TargetHours).
				Msg("Ticket breached its SLA")
		} else if !record.HasBreached && record.BreachPct >= c.policy.EscalationPercent() {
			log.Warn().
				Str("sys_id", ticket.SysID).
				Str("number", ticket.Number).
				Float64("breach_pct", record.BreachPct).
				Msg("Ticket approaching SLA breach")
		}

		if err := c.db.UpsertSLARecord(ctx, &record); err != nil {
			log.Error().
				Err(err).
				Str("sys_id", ticket.SysID).
				Msg("Failed to persist SLA record")
			continue
		}
		written++
	}

	log.Debug().
		Str("table", table).
		Int("tickets", len(tickets)).
		Int("written", written).
		Msg("SLA refresh completed")

	return written, nil
}

// Summary rolls up the measurements attached to one ticket. The worst SLA is
// the in-progress measurement with the highest business percentage.
func Summary(ticketID string, measurements []models.SLAMeasurement) models.SLASummary {
	summary := models.SLASummary{
		TicketID:  ticketID,
		TotalSLAs: len(measurements),
	}

	var worst *models.SLAMeasurement
	for i := range measurements {
		m := &measurements[i]
		if m.HasBreached {
			summary.BreachedSLAs++
		}
		if m.Stage != stageInProgress {
			continue
		}
		summary.ActiveSLAs++
		if worst == nil || m.BusinessPct > worst.BusinessPct {
			worst = m
		}
	}

	if summary.TotalSLAs > 0 {
		summary.BreachPct = float64(summary.BreachedSLAs) / float64(summary.TotalSLAs) * 100
	}
	summary.WorstSLA = worst

	return summary
}

// SummaryFor loads a ticket's stored measurements and rolls them up
func (c *Calculator) SummaryFor(ctx context.Context, ticketID string) (models.SLASummary, error) {
	measurements, err := c.db.GetMeasurements(ctx, ticketID)
	if err != nil {
		return models.SLASummary{}, err
	}
	return Summary(ticketID, measurements), nil
}

// Metrics aggregates compliance over tickets whose SLA clock started inside
// the range, optionally restricted to one table
func (c *Calculator) Metrics(ctx context.Context, from, to time.Time, table string) (*models.SLAMetrics, error) {
	if !to.After(from) {
		return nil, fmt.Errorf("invalid metrics range: %s is not before %s", from, to)
	}
	return c.db.GetSLAMetrics(ctx, from, to, table)
}
