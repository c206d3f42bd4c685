/*
expiry.go - Automatic expiration of stale assignments

For every allocated assignment of every active assigned policy:

  (a) more than 90 days since the later of allocated_at and the last
      successful notified/reminded action    -> cancelled, email scrubbed
  (b) now past the content enrollment deadline -> expired
  (c) now past the subsidy expiration          -> expired

  (a) wins when several apply. Only (a) scrubs PII.

The sweep pages through assignments and writes one batch per page. It is
idempotent: a second run over unchanged data finds nothing allocated to act
on. DryRun reports what would change and writes nothing.
*/
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/learner-credit/assignment"
	"github.com/warp/learner-credit/credit"
)

// SweepConfig configures the expiration sweep.
type SweepConfig struct {
	PageSize            int
	NotificationTimeout time.Duration
}

// DefaultSweepConfig pages by 100 with the 90 day notification timeout.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{PageSize: 100, NotificationTimeout: 90 * 24 * time.Hour}
}

// ExpiryCause says why an assignment was swept.
type ExpiryCause string

const (
	CauseNotificationTimeout ExpiryCause = "notification_timeout"
	CauseEnrollmentDeadline  ExpiryCause = "enrollment_deadline_passed"
	CauseSubsidyExpired      ExpiryCause = "subsidy_expired"
)

// SweptAssignment is one assignment the sweep acted on (or would have).
type SweptAssignment struct {
	AssignmentID assignment.ID    `json:"assignment_id"`
	PolicyID     credit.PolicyID  `json:"policy_id"`
	Cause        ExpiryCause      `json:"cause"`
	NewState     assignment.State `json:"new_state"`
}

// SweepResult summarises a sweep run.
type SweepResult struct {
	DryRun   bool              `json:"dry_run"`
	Policies int               `json:"policies"`
	Examined int               `json:"examined"`
	Swept    []SweptAssignment `json:"swept"`
}

// Count returns how many assignments moved to state.
func (r *SweepResult) Count(state assignment.State) int {
	n := 0
	for _, s := range r.Swept {
		if s.NewState == state {
			n++
		}
	}
	return n
}

type Sweeper struct {
	policies    Store
	assignments assignment.Store
	catalog     credit.CatalogService
	ledger      credit.LedgerService
	cfg         SweepConfig
	clock       credit.Clock
	recorder    Recorder
	logger      *slog.Logger
}

func NewSweeper(policies Store, assignments assignment.Store, catalog credit.CatalogService, ledger credit.LedgerService, cfg SweepConfig, clock credit.Clock, recorder Recorder, logger *slog.Logger) *Sweeper {
	def := DefaultSweepConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.NotificationTimeout <= 0 {
		cfg.NotificationTimeout = def.NotificationTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		policies:    policies,
		assignments: assignments,
		catalog:     catalog,
		ledger:      ledger,
		cfg:         cfg,
		clock:       credit.ClockOrSystem(clock),
		recorder:    recorderOrNop(recorder),
		logger:      logger,
	}
}

// Run sweeps every active assigned policy. Deadline and subsidy causes move
// an assignment to expired rather than cancelled, keeping its email.
func (s *Sweeper) Run(ctx context.Context, dryRun bool) (*SweepResult, error) {
	policies, err := s.policies.ListPolicies(ctx, Filter{AccessMethod: AccessAssigned, ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list assigned policies: %w", err)
	}

	result := &SweepResult{DryRun: dryRun, Policies: len(policies)}
	deadlines := make(map[string]*time.Time)
	for i := range policies {
		if err := s.sweepPolicy(ctx, &policies[i], dryRun, deadlines, result); err != nil {
			return result, err
		}
	}

	if !dryRun {
		s.recorder.SweepOutcome(string(assignment.StateCancelled), result.Count(assignment.StateCancelled))
		s.recorder.SweepOutcome(string(assignment.StateExpired), result.Count(assignment.StateExpired))
	}
	s.logger.Info("assignment expiration sweep finished", "dry_run", dryRun, "policies", result.Policies,
		"examined", result.Examined, "cancelled", result.Count(assignment.StateCancelled),
		"expired", result.Count(assignment.StateExpired))
	return result, nil
}

func (s *Sweeper) sweepPolicy(ctx context.Context, p *Policy, dryRun bool, deadlines map[string]*time.Time, result *SweepResult) error {
	subsidy, err := s.ledger.GetSubsidy(ctx, p.SubsidyID)
	if err != nil {
		// Without the subsidy, (c) cannot be judged; (a) and (b) still can.
		s.logger.Warn("subsidy unavailable during sweep", "policy_id", p.ID, "error", err)
		subsidy = nil
	}

	offset := 0
	for {
		page, err := s.assignments.ListAssignments(ctx, assignment.Filter{
			PolicyID: p.ID,
			States:   []assignment.State{assignment.StateAllocated},
			Limit:    s.cfg.PageSize,
			Offset:   offset,
		})
		if err != nil {
			return fmt.Errorf("failed to list assignments for policy %s: %w", p.ID, err)
		}
		if len(page) == 0 {
			return nil
		}
		result.Examined += len(page)

		now := s.clock.Now()
		var batch assignment.Batch
		for _, a := range page {
			cause, err := s.causeFor(ctx, a, subsidy, now, deadlines)
			if err != nil {
				return err
			}
			if cause == "" {
				continue
			}

			swept := SweptAssignment{AssignmentID: a.ID, PolicyID: p.ID, Cause: cause}
			if cause == CauseNotificationTimeout {
				swept.NewState = assignment.StateCancelled
				if err := a.TransitionTo(assignment.StateCancelled, now); err != nil {
					return err
				}
				a.ScrubPII()
				batch.Actions = append(batch.Actions, assignment.NewAction(a.ID, assignment.ActionCancelled, now))
			} else {
				swept.NewState = assignment.StateExpired
				if err := a.TransitionTo(assignment.StateExpired, now); err != nil {
					return err
				}
				batch.Actions = append(batch.Actions, assignment.NewAction(a.ID, assignment.ActionExpired, now))
			}
			batch.Assignments = append(batch.Assignments, a)
			result.Swept = append(result.Swept, swept)
		}

		if !dryRun && !batch.Empty() {
			if err := s.assignments.Write(ctx, batch); err != nil {
				return fmt.Errorf("failed to write sweep batch for policy %s: %w", p.ID, err)
			}
			// Swept records left the allocated set; the next page starts earlier.
			offset += len(page) - len(batch.Assignments)
		} else {
			offset += len(page)
		}
		if len(page) < s.cfg.PageSize {
			return nil
		}
	}
}

func (s *Sweeper) causeFor(ctx context.Context, a assignment.Assignment, subsidy *credit.Subsidy, now time.Time, deadlines map[string]*time.Time) (ExpiryCause, error) {
	actions, err := s.assignments.ListActions(ctx, a.ID)
	if err != nil {
		return "", fmt.Errorf("failed to list actions for assignment %s: %w", a.ID, err)
	}
	// Notifications from before a reallocation do not extend the new one.
	last := assignment.LastNotifiedAt(actions)
	if a.AllocatedAt != nil && (last == nil || a.AllocatedAt.After(*last)) {
		last = a.AllocatedAt
	}
	if last != nil && now.Sub(*last) > s.cfg.NotificationTimeout {
		return CauseNotificationTimeout, nil
	}

	if deadline := s.enrollmentDeadline(ctx, a.ContentKey, deadlines); deadline != nil && now.After(*deadline) {
		return CauseEnrollmentDeadline, nil
	}

	if subsidy != nil && subsidy.IsExpired(now) {
		return CauseSubsidyExpired, nil
	}
	return "", nil
}

// enrollmentDeadline memoizes deadlines per run. A lookup failure means the
// deadline is unknown and never expires the assignment.
func (s *Sweeper) enrollmentDeadline(ctx context.Context, contentKey string, memo map[string]*time.Time) *time.Time {
	if d, ok := memo[contentKey]; ok {
		return d
	}
	meta, err := s.catalog.GetContentMetadata(ctx, contentKey)
	if err != nil {
		s.logger.Warn("content metadata unavailable during sweep", "content_key", contentKey, "error", err)
		return nil
	}
	var d *time.Time
	if meta != nil {
		d = meta.EnrollmentDeadline
	}
	memo[contentKey] = d
	return d
}
