package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seleznev/blast/internal/audience"
	"github.com/seleznev/blast/internal/compliance"
	"github.com/seleznev/blast/internal/metrics"
	"github.com/seleznev/blast/internal/models"
	"github.com/seleznev/blast/internal/repository"
	"github.com/seleznev/blast/internal/throttle"
	"github.com/seleznev/blast/internal/transport"
)

// Control operation errors. Callers can distinguish not-found from
// invalid-state from capacity via errors.Is.
var (
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrAlreadyRunning   = errors.New("campaign already running")
	ErrNotActive        = errors.New("campaign has no active runner")
	ErrNotPaused        = errors.New("campaign is not paused")
	ErrAlreadyPaused    = errors.New("campaign is already paused")
	ErrTooManyCampaigns = errors.New("concurrent campaign limit reached")
)

const (
	defaultMaxConcurrent = 3
	defaultPollInterval  = time.Minute
	staleQueuedAge       = time.Hour
)

// Config tunes the supervisor
type Config struct {
	MaxConcurrent int
	PollInterval  time.Duration
}

// slot is one entry in the runner table. A freshly reserved slot carries a
// nil runner until preparation finishes. Each start holds its own slot
// pointer, so a Stop that releases the slot mid-preparation is detected by
// identity and the prepared runner is discarded instead of launched.
type slot struct {
	runner *Runner
}

// Supervisor owns the set of active campaign runners. It enforces the global
// concurrency ceiling, launches scheduled campaigns, and recovers campaigns
// left running by a crashed process.
type Supervisor struct {
	campaigns *repository.CampaignRepository
	templates *repository.TemplateRepository
	sends     *repository.SendRepository
	contacts  *repository.RecipientRepository
	selector  *audience.Selector
	gate      *compliance.Gate
	throttle  Throttle
	transport transport.Transport
	logger    *slog.Logger

	maxConcurrent int
	pollInterval  time.Duration
	delayFn       func(models.RateLimitProfile) time.Duration
	errDelay      time.Duration

	mu      sync.Mutex
	runners map[string]*slot

	// test seam; runs after preparation, before the runner is installed
	postPrepare func()

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	stopPoll   chan struct{}
	pollOnce   sync.Once
}

// NewSupervisor wires a supervisor. Call Run to start the scheduled-campaign
// poll loop and crash recovery.
func NewSupervisor(
	campaigns *repository.CampaignRepository,
	templates *repository.TemplateRepository,
	sends *repository.SendRepository,
	contacts *repository.RecipientRepository,
	selector *audience.Selector,
	gate *compliance.Gate,
	throttle Throttle,
	tp transport.Transport,
	cfg Config,
	logger *slog.Logger,
) *Supervisor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		campaigns:     campaigns,
		templates:     templates,
		sends:         sends,
		contacts:      contacts,
		selector:      selector,
		gate:          gate,
		throttle:      throttle,
		transport:     tp,
		logger:        logger.With("component", "supervisor"),
		maxConcurrent: cfg.MaxConcurrent,
		pollInterval:  cfg.PollInterval,
		delayFn:       delayForProfile,
		errDelay:      errorDelay,
		runners:       make(map[string]*slot),
		baseCtx:       ctx,
		baseCancel:    cancel,
		stopPoll:      make(chan struct{}),
	}
}

func delayForProfile(p models.RateLimitProfile) time.Duration {
	return throttle.DelayForProfile(p)
}

// Run performs startup recovery and starts the scheduled-campaign poll loop
func (s *Supervisor) Run() {
	s.recover()
	s.pollOnce.Do(func() {
		s.wg.Add(1)
		go s.pollScheduled()
	})
}

// Start launches a runner for the campaign. Allowed from draft, scheduled and
// paused (a paused campaign with no in-memory runner, e.g. after a restart,
// is re-resolved from the send ledger). Fails fast at the concurrency ceiling.
func (s *Supervisor) Start(campaignID string) error {
	return s.startRunner(campaignID, false)
}

func (s *Supervisor) startRunner(campaignID string, recovering bool) error {
	reservation := &slot{}

	s.mu.Lock()
	if _, exists := s.runners[campaignID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, campaignID)
	}
	if len(s.runners) >= s.maxConcurrent {
		s.mu.Unlock()
		return fmt.Errorf("%w: limit %d", ErrTooManyCampaigns, s.maxConcurrent)
	}
	// reserve the slot before releasing the lock so concurrent starts of the
	// same campaign cannot both proceed
	s.runners[campaignID] = reservation
	s.mu.Unlock()

	runner, err := s.prepareRunner(campaignID, recovering)
	if s.postPrepare != nil {
		s.postPrepare()
	}

	s.mu.Lock()
	if s.runners[campaignID] != reservation {
		// Stop released the slot while preparation ran and already marked
		// the campaign stopped; the prepared runner must not launch
		s.mu.Unlock()
		if runner != nil {
			runner.cancel()
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrNotActive, campaignID)
	}
	if err != nil || runner == nil {
		delete(s.runners, campaignID)
		s.mu.Unlock()
		return err
	}
	reservation.runner = runner
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		runner.run()
	}()
	if m := metrics.Global(); m != nil {
		m.CampaignsStartedTotal.Inc()
	}
	return nil
}

// prepareRunner validates the campaign, transitions it to running and
// resolves its audience. A nil runner with nil error means the campaign
// finished immediately (empty audience).
func (s *Supervisor) prepareRunner(campaignID string, recovering bool) (*Runner, error) {
	c, err := s.campaigns.MarkRunning(campaignID, recovering)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to start campaign: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrCampaignNotFound, campaignID)
	}

	tmpl, err := s.templates.GetByID(c.TemplateID)
	if err != nil {
		s.failCampaign(c.ID, fmt.Sprintf("template lookup failed: %v", err))
		return nil, fmt.Errorf("failed to load template: %w", err)
	}
	if tmpl == nil {
		s.failCampaign(c.ID, "template not found: "+c.TemplateID)
		return nil, fmt.Errorf("template not found: %s", c.TemplateID)
	}

	// phones already holding a send record are excluded so a restart never
	// re-sends; queued records from a crash are ambiguous and counted out
	// too, which may under-deliver
	exclude, err := s.sends.PhonesForCampaign(c.ID)
	if err != nil {
		s.failCampaign(c.ID, fmt.Sprintf("audience resolution failed: %v", err))
		return nil, fmt.Errorf("failed to load send history: %w", err)
	}
	if len(exclude) > 0 {
		ambiguous, err := s.sends.CountNonTerminal(c.ID)
		if err == nil && ambiguous > 0 {
			s.logger.Warn("resuming with ambiguous queued records excluded",
				"campaign_id", c.ID, "queued", ambiguous)
		}
	}

	recipients, err := s.selector.Resolve(c.Segment, exclude)
	if err != nil {
		s.failCampaign(c.ID, fmt.Sprintf("audience resolution failed: %v", err))
		return nil, fmt.Errorf("failed to resolve audience: %w", err)
	}

	if len(recipients) == 0 {
		// nothing left to send is success, not failure
		note := "no recipients matched the audience segment"
		if len(exclude) > 0 {
			note = "all recipients already have a send record"
		}
		if err := s.campaigns.SetStatus(c.ID, models.CampaignCompleted, note); err != nil {
			return nil, fmt.Errorf("failed to complete empty campaign: %w", err)
		}
		s.logger.Info("campaign completed immediately", "campaign_id", c.ID, "note", note)
		return nil, nil
	}

	return newRunner(s.baseCtx, c, tmpl, recipients, len(exclude), s), nil
}

func (s *Supervisor) failCampaign(id, message string) {
	if err := s.campaigns.SetStatus(id, models.CampaignFailed, message); err != nil {
		s.logger.Error("failed to mark campaign failed", "campaign_id", id, "error", err)
	}
}

// Pause halts a running campaign's loop, keeping its position in memory
func (s *Supervisor) Pause(campaignID string) error {
	runner := s.runner(campaignID)
	if runner == nil {
		return s.inactiveErr(campaignID)
	}
	if !runner.Pause() {
		return ErrAlreadyPaused
	}
	if err := s.campaigns.SetStatus(campaignID, models.CampaignPaused, ""); err != nil {
		return err
	}
	s.logger.Info("campaign paused", "campaign_id", campaignID)
	return nil
}

// Resume unblocks a paused runner. A paused campaign without an in-memory
// runner (crash while paused) must be restarted via Start.
func (s *Supervisor) Resume(campaignID string) error {
	runner := s.runner(campaignID)
	if runner == nil {
		return s.inactiveErr(campaignID)
	}
	if !runner.Resume() {
		return ErrNotPaused
	}
	if err := s.campaigns.SetStatus(campaignID, models.CampaignRunning, ""); err != nil {
		return err
	}
	s.logger.Info("campaign resumed", "campaign_id", campaignID)
	return nil
}

// Stop cancels the campaign irreversibly. Works on active runners and on
// inactive non-terminal campaigns (draft, scheduled, paused after a crash).
func (s *Supervisor) Stop(campaignID string) error {
	s.mu.Lock()
	var runner *Runner
	if sl := s.runners[campaignID]; sl != nil {
		// a nil runner here is a start still preparing; deleting its slot
		// makes that start discard the runner instead of launching it
		runner = sl.runner
	}
	delete(s.runners, campaignID)
	s.mu.Unlock()

	if runner != nil {
		runner.cancel()
		<-runner.done
		runner.updateCounters()
	}

	if err := s.campaigns.SetStatus(campaignID, models.CampaignStopped, ""); err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			return err
		}
		if runner == nil {
			return s.inactiveErr(campaignID)
		}
		return err
	}
	s.logger.Info("campaign stopped", "campaign_id", campaignID)
	return nil
}

// Status returns the runner snapshot for a campaign, or nil when inactive
func (s *Supervisor) Status(campaignID string) *RunnerStatus {
	runner := s.runner(campaignID)
	if runner == nil {
		return nil
	}
	status := runner.Status()
	return &status
}

// ListActive returns snapshots for all active runners
func (s *Supervisor) ListActive() map[string]RunnerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]RunnerStatus, len(s.runners))
	for id, sl := range s.runners {
		if sl.runner == nil {
			continue // start in progress
		}
		out[id] = sl.runner.Status()
	}
	return out
}

// ActiveCount returns the number of occupied runner slots
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runners)
}

// Shutdown cancels all runners without changing campaign statuses, so
// campaigns still running are recovered on the next start.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	close(s.stopPoll)
	s.baseCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recover restarts runners for campaigns left running by a crash and closes
// out stale queued send records.
func (s *Supervisor) recover() {
	if n, err := s.sends.ReconcileStale(time.Now().Add(-staleQueuedAge)); err != nil {
		s.logger.Error("failed to reconcile stale sends", "error", err)
	} else if n > 0 {
		s.logger.Warn("stale queued sends closed out", "count", n)
	}

	running, err := s.campaigns.GetByStatus(models.CampaignRunning)
	if err != nil {
		s.logger.Error("failed to scan for interrupted campaigns", "error", err)
		return
	}

	for _, c := range running {
		s.logger.Info("recovering interrupted campaign", "campaign_id", c.ID, "name", c.Name)
		if err := s.startRunner(c.ID, true); err != nil {
			s.logger.Error("failed to recover campaign", "campaign_id", c.ID, "error", err)
		}
	}
}

// pollScheduled launches scheduled campaigns whose time has come
func (s *Supervisor) pollScheduled() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopPoll:
			return
		case <-ticker.C:
			due, err := s.campaigns.GetScheduledDue(time.Now())
			if err != nil {
				s.logger.Error("failed to query scheduled campaigns", "error", err)
				continue
			}
			for _, c := range due {
				if err := s.startRunner(c.ID, false); err != nil {
					if errors.Is(err, ErrTooManyCampaigns) {
						s.logger.Warn("scheduled campaign deferred", "campaign_id", c.ID, "error", err)
						break
					}
					s.logger.Error("failed to start scheduled campaign", "campaign_id", c.ID, "error", err)
					continue
				}
				s.logger.Info("scheduled campaign started", "campaign_id", c.ID, "name", c.Name)
			}
		}
	}
}

func (s *Supervisor) runner(campaignID string) *Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl := s.runners[campaignID]; sl != nil {
		return sl.runner
	}
	return nil
}

// inactiveErr distinguishes "campaign not found" from "campaign exists but
// has no active runner" for control operations.
func (s *Supervisor) inactiveErr(campaignID string) error {
	c, err := s.campaigns.GetByID(campaignID)
	if err != nil {
		return fmt.Errorf("failed to load campaign: %w", err)
	}
	if c == nil {
		return fmt.Errorf("%w: %s", ErrCampaignNotFound, campaignID)
	}
	return fmt.Errorf("%w: %s (status %s)", ErrNotActive, campaignID, c.Status)
}

// runnerExited removes a naturally-finished runner from the table. The slot
// is released only if it still belongs to this runner; a concurrent Stop may
// already have freed it for someone else.
func (s *Supervisor) runnerExited(r *Runner, final models.CampaignStatus) {
	s.mu.Lock()
	if sl := s.runners[r.campaign.ID]; sl != nil && sl.runner == r {
		delete(s.runners, r.campaign.ID)
	}
	s.mu.Unlock()
	s.logger.Info("runner released", "campaign_id", r.campaign.ID, "final_status", final)
}
