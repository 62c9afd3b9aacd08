// Package scheduler turns recurring obligations into tasks. One goroutine
// ticks at a fixed interval and evaluates every active obligation against
// the local calendar of the configured timezone.
//
// Each obligation fires at most once per local day: the day is stamped by a
// compare-and-set on last_created_date before the task is created, so two
// overlapping ticks (or two processes) cannot both create it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/satsjar/satsjar/internal/app/escrow"
	"github.com/satsjar/satsjar/internal/app/notify"
	"github.com/satsjar/satsjar/internal/domain"
	"github.com/satsjar/satsjar/internal/infra/observability"
	"github.com/satsjar/satsjar/internal/infra/sqlite"
)

// DefaultTimezone is the calendar obligations are evaluated in.
const DefaultTimezone = "Europe/Berlin"

// Config controls the scheduler loop.
type Config struct {
	Interval time.Duration
	Location *time.Location
}

// DefaultConfig returns a one-minute tick in DefaultTimezone, falling back
// to UTC when the tz database is unavailable.
func DefaultConfig() Config {
	loc, err := time.LoadLocation(DefaultTimezone)
	if err != nil {
		loc = time.UTC
	}
	return Config{Interval: time.Minute, Location: loc}
}

// TaskCreator is the part of the escrow service the scheduler needs.
type TaskCreator interface {
	CreateTask(ctx context.Context, guardianID string, in escrow.NewTask) (*domain.Task, error)
}

// Scheduler creates tasks from recurring obligations.
type Scheduler struct {
	cfg      Config
	db       *sqlite.DB
	tasks    TaskCreator
	notifier domain.Notifier
	audit    *observability.AuditLog
	clock    domain.Clock
}

// New creates a scheduler.
func New(cfg Config, db *sqlite.DB, tasks TaskCreator, n domain.Notifier, audit *observability.AuditLog, clock domain.Clock) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if n == nil {
		n = notify.LogNotifier{}
	}
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Scheduler{cfg: cfg, db: db, tasks: tasks, notifier: n, audit: audit, clock: clock}
}

// Location returns the scheduler's timezone.
func (s *Scheduler) Location() *time.Location { return s.cfg.Location }

// Run ticks immediately and then every Interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Printf("[scheduler] started (every %s, %s)", s.cfg.Interval, s.cfg.Location)
	s.Tick(ctx, s.clock.Now())

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[scheduler] stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx, s.clock.Now())
		}
	}
}

// Tick evaluates every active obligation at now and returns how many tasks
// it created.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	defer observability.SchedulerLastTick.SetToCurrentTime()

	obligations, err := s.db.ListObligations(ctx, "", true)
	if err != nil {
		log.Printf("[scheduler] list obligations: %v", err)
		return 0
	}
	local := now.In(s.cfg.Location)
	today := local.Format(sqlite.DateLayout)

	created := 0
	for i := range obligations {
		o := &obligations[i]
		if o.LastCreatedDate != nil && o.LastCreatedDate.Format(sqlite.DateLayout) == today {
			continue
		}
		if !Due(o, local) {
			continue
		}
		if s.fire(ctx, o, local) {
			created++
		}
	}
	return created
}

// Due reports whether o should fire on the local day of t, given that t is
// at or after its time of day.
func Due(o *domain.RecurringObligation, t time.Time) bool {
	hour, minute, err := domain.ParseTimeOfDay(o.TimeOfDay)
	if err != nil {
		return false
	}
	if t.Hour()*60+t.Minute() < hour*60+minute {
		return false
	}
	switch o.Frequency {
	case domain.FrequencyDaily:
		return true
	case domain.FrequencyWeekly:
		return int(t.Weekday()) == o.DayOfWeek
	case domain.FrequencyMonthly:
		day := o.DayOfMonth
		if day <= 0 {
			day = 1
		}
		return t.Day() == min(day, lastDayOfMonth(t))
	}
	return false
}

func lastDayOfMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}

// fire stamps the day and creates the task. A lost stamp means another tick
// got there first.
func (s *Scheduler) fire(ctx context.Context, o *domain.RecurringObligation, local time.Time) bool {
	date := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	ok, err := s.db.StampObligation(ctx, o.ID, o.LastCreatedDate, date)
	if err != nil {
		log.Printf("[scheduler] stamp %s: %v", o.ID, err)
		observability.RecurringRuns.WithLabelValues("error").Inc()
		return false
	}
	if !ok {
		observability.RecurringRuns.WithLabelValues("skipped").Inc()
		return false
	}

	t, err := s.tasks.CreateTask(ctx, o.CreatorID, escrow.NewTask{
		Title:        o.Title,
		Description:  o.Description,
		Sats:         o.Sats,
		AssigneeID:   o.AssigneeID,
		ObligationID: o.ID,
	})
	if err != nil {
		s.failed(ctx, o, err)
		return false
	}
	observability.RecurringRuns.WithLabelValues("created").Inc()
	log.Printf("[scheduler] obligation %s created task %s for %s", o.ID, t.ID, date.Format(sqlite.DateLayout))
	return true
}

func (s *Scheduler) failed(ctx context.Context, o *domain.RecurringObligation, err error) {
	observability.RecurringRuns.WithLabelValues("failed").Inc()
	log.Printf("[scheduler] obligation %s (%q) failed: %v", o.ID, o.Title, err)
	_ = s.audit.Record(ctx, domain.AuditEvent{
		Actor: "scheduler", FamilyID: o.FamilyID, Action: "recurring.failed", Target: o.ID, Detail: err.Error(),
	})
	s.notifier.Notify(ctx, domain.Notification{
		AccountID: o.CreatorID,
		Kind:      domain.NotifyRecurringFailed,
		Text:      notify.Textf("Recurring task %q could not be created today: %s", o.Title, reason(err)),
	})
}

func reason(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientFunds):
		return "not enough funds"
	case errors.Is(err, domain.ErrLimitExceeded):
		return "spending limit reached"
	case domain.IsBackendError(err):
		return "wallet unreachable"
	}
	return err.Error()
}

// ─── Obligations ────────────────────────────────────────────────────────────

// Create stores a new obligation for the guardian's family.
func (s *Scheduler) Create(ctx context.Context, guardianID string, o domain.RecurringObligation) (*domain.RecurringObligation, error) {
	g, err := s.db.GetAccount(ctx, guardianID)
	if err != nil || !g.IsGuardian() {
		return nil, domain.ErrForbidden
	}
	o.Title = strings.TrimSpace(o.Title)
	o.Frequency = domain.Frequency(strings.ToLower(string(o.Frequency)))
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if o.AssigneeID != "" {
		d, err := s.db.GetAccount(ctx, o.AssigneeID)
		if err != nil || d.FamilyID != g.FamilyID || d.Role != domain.RoleDependent {
			return nil, fmt.Errorf("assignee %s is not a dependent of this family: %w", o.AssigneeID, domain.ErrInvalidInput)
		}
	}
	o.ID = uuid.NewString()
	o.FamilyID = g.FamilyID
	o.CreatorID = g.ID
	o.LastCreatedDate = nil
	o.Active = true
	o.CreatedAt = s.clock.Now()
	if err := s.db.InsertObligation(ctx, &o); err != nil {
		return nil, err
	}
	_ = s.audit.Record(ctx, domain.AuditEvent{
		Actor: g.ID, FamilyID: g.FamilyID, Action: "recurring.created", Target: o.ID,
		Detail: fmt.Sprintf("%s %q %d sats", o.Frequency, o.Title, o.Sats),
	})
	return &o, nil
}

// List returns the obligations of the caller's family.
func (s *Scheduler) List(ctx context.Context, callerID string, activeOnly bool) ([]domain.RecurringObligation, error) {
	a, err := s.db.GetAccount(ctx, callerID)
	if err != nil {
		return nil, domain.ErrForbidden
	}
	return s.db.ListObligations(ctx, a.FamilyID, activeOnly)
}

// Deactivate stops an obligation. Tasks it already created are untouched.
func (s *Scheduler) Deactivate(ctx context.Context, guardianID, id string) error {
	g, err := s.db.GetAccount(ctx, guardianID)
	if err != nil || !g.IsGuardian() {
		return domain.ErrForbidden
	}
	o, err := s.db.GetObligation(ctx, id)
	if err != nil {
		return err
	}
	if o.FamilyID != g.FamilyID {
		return domain.ErrNotFound
	}
	if err := s.db.DeactivateObligation(ctx, id); err != nil {
		return err
	}
	_ = s.audit.Record(ctx, domain.AuditEvent{Actor: g.ID, FamilyID: g.FamilyID, Action: "recurring.deactivated", Target: id})
	return nil
}

// ImportFile is the YAML document accepted by Import.
//
//	obligations:
//	  - title: Take out the trash
//	    sats: 100
//	    frequency: weekly
//	    day_of_week: 1
//	    time_of_day: "07:00"
//	    assignee: kid-1
type ImportFile struct {
	Obligations []ImportEntry `yaml:"obligations"`
}

// ImportEntry is one obligation in an ImportFile.
type ImportEntry struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Sats        int64  `yaml:"sats"`
	Frequency   string `yaml:"frequency"`
	DayOfWeek   int    `yaml:"day_of_week"`
	DayOfMonth  int    `yaml:"day_of_month"`
	TimeOfDay   string `yaml:"time_of_day"`
	Assignee    string `yaml:"assignee"`
}

// Import creates every obligation in a YAML document. Entries are validated
// up front; nothing is stored if any entry is invalid.
func (s *Scheduler) Import(ctx context.Context, guardianID string, r io.Reader) ([]domain.RecurringObligation, error) {
	var f ImportFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse obligations: %v: %w", err, domain.ErrInvalidInput)
	}

	pending := make([]domain.RecurringObligation, 0, len(f.Obligations))
	for i, e := range f.Obligations {
		o := domain.RecurringObligation{
			Title:       strings.TrimSpace(e.Title),
			Description: e.Description,
			Sats:        e.Sats,
			Frequency:   domain.Frequency(strings.ToLower(e.Frequency)),
			DayOfWeek:   e.DayOfWeek,
			DayOfMonth:  e.DayOfMonth,
			TimeOfDay:   e.TimeOfDay,
			AssigneeID:  e.Assignee,
		}
		if err := o.Validate(); err != nil {
			return nil, fmt.Errorf("obligation %d: %w", i+1, err)
		}
		pending = append(pending, o)
	}

	out := make([]domain.RecurringObligation, 0, len(pending))
	for _, o := range pending {
		created, err := s.Create(ctx, guardianID, o)
		if err != nil {
			return out, fmt.Errorf("obligation %q: %w", o.Title, err)
		}
		out = append(out, *created)
	}
	log.Printf("[scheduler] imported %d obligations for %s", len(out), guardianID)
	return out, nil
}
