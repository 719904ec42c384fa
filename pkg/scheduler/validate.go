package scheduler

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quorumhq/quorum/pkg/models"
)

// validateRequest enforces the schedule invariants: exactly one
// specifier populated, matching the schedule type, with the interval
// floor applied.
func validateRequest(req models.CreateScheduledActionRequest) error {
	if req.AgentID <= 0 {
		return NewValidationError("agent_id", "must be set")
	}
	if strings.TrimSpace(req.Name) == "" {
		return NewValidationError("name", "must not be empty")
	}
	if strings.TrimSpace(req.Goal) == "" {
		return NewValidationError("goal", "must not be empty")
	}
	if req.MaxExecutions < 0 {
		return NewValidationError("max_executions", "must not be negative")
	}
	if req.MaxRetries < 0 {
		return NewValidationError("max_retries", "must not be negative")
	}
	if req.StartDate != nil && req.EndDate != nil && req.EndDate.Before(*req.StartDate) {
		return NewValidationError("end_date", "must not precede start_date")
	}

	switch req.ScheduleType {
	case models.ScheduleTypeCron:
		if req.CronExpression == "" {
			return NewValidationError("cron_expression", "required for schedule_type=cron")
		}
		if _, err := cron.ParseStandard(req.CronExpression); err != nil {
			return NewValidationError("cron_expression", err.Error())
		}
		return exclusiveSpecifier(req, "cron_expression")
	case models.ScheduleTypeInterval:
		if req.IntervalSeconds < models.MinIntervalSeconds {
			return NewValidationError("interval_seconds", "must be at least 60")
		}
		return exclusiveSpecifier(req, "interval_seconds")
	case models.ScheduleTypeOnce:
		if req.FireAt == nil {
			return NewValidationError("fire_at", "required for schedule_type=once")
		}
		if req.FireAt.Before(time.Now()) {
			return NewValidationError("fire_at", "must be in the future")
		}
		return exclusiveSpecifier(req, "fire_at")
	case models.ScheduleTypeEvent:
		if strings.TrimSpace(req.EventName) == "" {
			return NewValidationError("event_name", "required for schedule_type=event")
		}
		return exclusiveSpecifier(req, "event_name")
	default:
		return NewValidationError("schedule_type", "must be one of cron, interval, once, event")
	}
}

// exclusiveSpecifier rejects requests carrying specifiers for schedule
// types other than their own.
func exclusiveSpecifier(req models.CreateScheduledActionRequest, keep string) error {
	if keep != "cron_expression" && req.CronExpression != "" {
		return NewValidationError("cron_expression", "not allowed for schedule_type="+string(req.ScheduleType))
	}
	if keep != "interval_seconds" && req.IntervalSeconds != 0 {
		return NewValidationError("interval_seconds", "not allowed for schedule_type="+string(req.ScheduleType))
	}
	if keep != "fire_at" && req.FireAt != nil {
		return NewValidationError("fire_at", "not allowed for schedule_type="+string(req.ScheduleType))
	}
	if keep != "event_name" && req.EventName != "" {
		return NewValidationError("event_name", "not allowed for schedule_type="+string(req.ScheduleType))
	}
	return nil
}
