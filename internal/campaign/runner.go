// Package campaign drives bulk send work: one Runner per active campaign
// walks its resolved recipient list under throttle and compliance gating,
// and a Supervisor owns the set of runners with a global concurrency ceiling.
package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/seleznev/blast/internal/compliance"
	"github.com/seleznev/blast/internal/metrics"
	"github.com/seleznev/blast/internal/models"
	"github.com/seleznev/blast/internal/repository"
	"github.com/seleznev/blast/internal/template"
	"github.com/seleznev/blast/internal/throttle"
	"github.com/seleznev/blast/internal/transport"
)

// delay inserted after a per-recipient error before the loop continues
const errorDelay = 5 * time.Second

// Throttle is the slice of the throttle controller a runner needs
type Throttle interface {
	CanSend() (throttle.Decision, error)
	NextDelay() (time.Duration, error)
	RecordSent()
}

// RunnerState is the in-memory state of an active runner
type RunnerState string

const (
	RunnerRunning RunnerState = "running"
	RunnerPaused  RunnerState = "paused"
)

// RunnerStatus is a point-in-time snapshot of a runner's progress
type RunnerStatus struct {
	CampaignID    string      `json:"campaign_id"`
	State         RunnerState `json:"state"`
	Cursor        int         `json:"cursor"`
	Remaining     int         `json:"remaining"`
	Total         int         `json:"total"`
	Sent          int         `json:"sent"`
	Failed        int         `json:"failed"`
	Skipped       int         `json:"skipped"`
	StartedAt     time.Time   `json:"started_at"`
	EstimatedDone *time.Time  `json:"estimated_done,omitempty"`
}

// Runner executes one campaign's send loop. Exactly one runner exists per
// campaign id at any instant; the supervisor enforces that.
type Runner struct {
	campaign   *models.Campaign
	profile    models.RateLimitProfile
	tmpl       *models.Template
	recipients []models.Recipient
	total      int // full audience size including already-sent on resume

	campaigns *repository.CampaignRepository
	sends     *repository.SendRepository
	contacts  *repository.RecipientRepository
	gate      *compliance.Gate
	throttle  Throttle
	transport transport.Transport
	logger    *slog.Logger

	delayFn  func(models.RateLimitProfile) time.Duration
	errDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	onExit func(r *Runner, final models.CampaignStatus)

	mu        sync.Mutex
	paused    bool
	resumeCh  chan struct{}
	wake      chan struct{}
	cursor    int
	sent      int
	failed    int
	skipped   int
	inBatch   int
	startedAt time.Time
}

func newRunner(parent context.Context, c *models.Campaign, tmpl *models.Template, recipients []models.Recipient, alreadySent int, s *Supervisor) *Runner {
	ctx, cancel := context.WithCancel(parent)
	return &Runner{
		campaign:   c,
		profile:    c.RateLimitProfile(),
		tmpl:       tmpl,
		recipients: recipients,
		total:      len(recipients) + alreadySent,
		campaigns:  s.campaigns,
		sends:      s.sends,
		contacts:   s.contacts,
		gate:       s.gate,
		throttle:   s.throttle,
		transport:  s.transport,
		logger:     s.logger.With("component", "runner", "campaign_id", c.ID),
		delayFn:    s.delayFn,
		errDelay:   s.errDelay,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		onExit:     s.runnerExited,
		wake:       make(chan struct{}),
		startedAt:  time.Now(),
	}
}

// Status returns a snapshot of the runner's progress
func (r *Runner) Status() RunnerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := RunnerRunning
	if r.paused {
		state = RunnerPaused
	}
	st := RunnerStatus{
		CampaignID: r.campaign.ID,
		State:      state,
		Cursor:     r.cursor,
		Remaining:  len(r.recipients) - r.cursor,
		Total:      r.total,
		Sent:       r.sent,
		Failed:     r.failed,
		Skipped:    r.skipped,
		StartedAt:  r.startedAt,
	}

	// projected from the observed pace; meaningless until something advanced
	processed := r.sent + r.failed + r.skipped
	if !r.paused && processed > 0 && st.Remaining > 0 {
		perRecipient := time.Since(r.startedAt) / time.Duration(processed)
		eta := time.Now().Add(perRecipient * time.Duration(st.Remaining))
		st.EstimatedDone = &eta
	}
	return st
}

// Pause halts the loop after the in-flight recipient finishes. The cursor is
// retained in memory only; a crash while paused loses position and a later
// start re-resolves from the send ledger.
func (r *Runner) Pause() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.paused {
		return false
	}
	r.paused = true
	r.resumeCh = make(chan struct{})
	close(r.wake) // interrupt any pending delay
	return true
}

// Resume unblocks a paused loop at its retained cursor
func (r *Runner) Resume() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.paused {
		return false
	}
	r.paused = false
	r.wake = make(chan struct{})
	close(r.resumeCh)
	return true
}

func (r *Runner) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// run is the loop body. It exits on natural completion, or silently when the
// context is cancelled (user stop or process shutdown — the canceller owns
// the resulting campaign status).
func (r *Runner) run() {
	defer close(r.done)

	r.logger.Info("campaign runner started",
		"recipients", len(r.recipients), "rate", r.profile.MessagesPerMinute)

	for {
		if !r.awaitResume() {
			r.logger.Info("campaign runner cancelled", "cursor", r.cursor)
			return
		}

		r.mu.Lock()
		cursor := r.cursor
		r.mu.Unlock()
		if cursor >= len(r.recipients) {
			r.complete()
			return
		}

		rec := r.recipients[cursor]
		advanced, delay := r.processRecipient(rec)
		if !advanced {
			continue // interrupted before the attempt; same recipient next pass
		}

		r.mu.Lock()
		r.cursor++
		last := r.cursor >= len(r.recipients)
		r.mu.Unlock()

		r.updateCounters()

		if !last && delay > 0 {
			r.sleep(delay)
		}
	}
}

// processRecipient performs one iteration of the per-recipient algorithm.
// It returns advanced=false only when pause or cancellation interrupted the
// iteration before a send attempt was made.
func (r *Runner) processRecipient(rec models.Recipient) (bool, time.Duration) {
	// soft-deleted recipients are skipped silently, no send record
	if rec.IsDeleted {
		return true, 0
	}

	body := template.Render(r.tmpl.Body, recipientVars(rec), template.Options{Spintext: r.tmpl.Spintext})

	verdict, err := r.gate.Evaluate(body, r.tmpl.Category, rec.Phone)
	if err != nil {
		r.recordFailure(rec, body, models.SendErrComplianceCheck, err.Error())
		return true, r.errDelay
	}
	if !verdict.Compliant {
		r.recordSkip(rec, body, verdict)
		return true, 0
	}

	if !r.awaitThrottle() {
		return false, 0
	}

	record := &models.SendRecord{
		CampaignID:  r.campaign.ID,
		RecipientID: rec.ID,
		Phone:       rec.Phone,
		Body:        body,
		MediaRef:    r.tmpl.MediaRef,
		Status:      models.SendQueued,
	}
	if err := r.sends.Create(record); err != nil {
		// cannot write the ledger; count it and keep the loop alive
		r.logger.Error("failed to create send record", "phone", rec.Phone, "error", err)
		r.bump(&r.failed)
		return true, r.errDelay
	}

	result, err := r.transport.Send(r.ctx, rec.Phone, body, r.tmpl.MediaRef)
	r.throttle.RecordSent()
	if err != nil {
		code := models.SendErrSendFailed
		if errors.Is(err, transport.ErrNotReady) {
			code = models.SendErrTransportNotReady
		}
		if markErr := r.sends.MarkFailed(record.ID, code, err.Error()); markErr != nil {
			r.logger.Error("failed to mark send failed", "send_id", record.ID, "error", markErr)
		}
		r.bump(&r.failed)
		if m := metrics.Global(); m != nil {
			m.MessagesFailedTotal.WithLabelValues(r.campaign.ID, code).Inc()
		}
		r.logger.Warn("send failed", "phone", rec.Phone, "code", code, "error", err)
		return true, r.errDelay
	}

	now := time.Now()
	if err := r.sends.MarkSent(record.ID, result.ProviderMessageID, now); err != nil {
		r.logger.Error("failed to mark send sent", "send_id", record.ID, "error", err)
	}
	if err := r.contacts.TouchLastMessaged(rec.ID, now); err != nil {
		r.logger.Error("failed to update last messaged", "recipient_id", rec.ID, "error", err)
	}
	r.bump(&r.sent)
	if m := metrics.Global(); m != nil {
		m.MessagesSentTotal.WithLabelValues(r.campaign.ID).Inc()
	}

	delay := r.nextDelay()
	if m := metrics.Global(); m != nil {
		m.SendDelaySeconds.Observe(delay.Seconds())
	}
	return true, delay
}

// awaitThrottle blocks until the account-level throttle admits a send.
// Returns false when pause or cancellation interrupts the wait.
func (r *Runner) awaitThrottle() bool {
	for {
		if r.ctx.Err() != nil || r.isPaused() {
			return false
		}

		decision, err := r.throttle.CanSend()
		if err != nil {
			r.logger.Error("throttle check failed", "error", err)
			r.sleep(r.errDelay)
			continue
		}
		if decision.Allowed {
			return true
		}

		wait := time.Until(decision.WaitUntil)
		if wait < time.Second {
			wait = time.Second
		}
		if m := metrics.Global(); m != nil {
			m.ThrottleDeniedTotal.WithLabelValues(decision.Reason).Inc()
		}
		r.logger.Info("send throttled", "reason", decision.Reason, "wait", wait.Round(time.Second))
		r.sleep(wait)
	}
}

func (r *Runner) recordSkip(rec models.Recipient, body string, verdict compliance.Result) {
	reason := "compliance block"
	if len(verdict.Violations) > 0 {
		reason = verdict.Violations[0]
	}

	record := &models.SendRecord{
		CampaignID:  r.campaign.ID,
		RecipientID: rec.ID,
		Phone:       rec.Phone,
		Body:        body,
		Status:      models.SendQueued,
	}
	if err := r.sends.Create(record); err != nil {
		r.logger.Error("failed to create skip record", "phone", rec.Phone, "error", err)
	} else if err := r.sends.MarkSkipped(record.ID, reason); err != nil {
		r.logger.Error("failed to mark send skipped", "send_id", record.ID, "error", err)
	}
	r.bump(&r.skipped)
	if m := metrics.Global(); m != nil {
		m.MessagesSkippedTotal.WithLabelValues(r.campaign.ID).Inc()
	}
	r.logger.Info("recipient skipped", "phone", rec.Phone, "reason", reason)
}

func (r *Runner) recordFailure(rec models.Recipient, body, code, message string) {
	record := &models.SendRecord{
		CampaignID:  r.campaign.ID,
		RecipientID: rec.ID,
		Phone:       rec.Phone,
		Body:        body,
		Status:      models.SendQueued,
	}
	if err := r.sends.Create(record); err != nil {
		r.logger.Error("failed to create failure record", "phone", rec.Phone, "error", err)
	} else if err := r.sends.MarkFailed(record.ID, code, message); err != nil {
		r.logger.Error("failed to mark send failed", "send_id", record.ID, "error", err)
	}
	r.bump(&r.failed)
}

func (r *Runner) bump(counter *int) {
	r.mu.Lock()
	*counter++
	r.mu.Unlock()
}

// nextDelay paces the loop. The slower of the campaign's profile delay and
// the account-level delay wins, so warmup pacing is never undercut by an
// aggressive profile. The batch rest is inserted after every full batch.
func (r *Runner) nextDelay() time.Duration {
	delay := r.delayFn(r.profile)
	if acct, err := r.throttle.NextDelay(); err != nil {
		r.logger.Error("failed to compute account delay", "error", err)
	} else if acct > delay {
		delay = acct
	}

	r.mu.Lock()
	r.inBatch++
	rest := r.profile.BatchSize > 0 && r.inBatch >= r.profile.BatchSize
	if rest {
		r.inBatch = 0
	}
	r.mu.Unlock()

	if rest && r.profile.BatchRestMs > 0 {
		delay += time.Duration(r.profile.BatchRestMs) * time.Millisecond
	}
	return delay
}

// updateCounters refreshes the campaign's aggregate tallies from the send
// ledger. Best-effort: a failure here never blocks the loop.
func (r *Runner) updateCounters() {
	stats, err := r.sends.StatsForCampaign(r.campaign.ID)
	if err != nil {
		r.logger.Error("failed to read send stats", "error", err)
		return
	}

	sent := stats.Sent + stats.Delivered
	skipped := stats.Skipped + stats.OptedOut
	if err := r.campaigns.UpdateCounters(r.campaign.ID, r.total, sent, stats.Failed, skipped); err != nil {
		r.logger.Error("failed to update campaign counters", "error", err)
	}
}

func (r *Runner) complete() {
	r.updateCounters()
	if err := r.campaigns.SetStatus(r.campaign.ID, models.CampaignCompleted, ""); err != nil {
		r.logger.Error("failed to mark campaign completed", "error", err)
	}

	r.mu.Lock()
	sent, failed, skipped := r.sent, r.failed, r.skipped
	r.mu.Unlock()
	r.logger.Info("campaign completed", "sent", sent, "failed", failed, "skipped", skipped)
	if m := metrics.Global(); m != nil {
		m.CampaignsFinishedTotal.WithLabelValues(string(models.CampaignCompleted)).Inc()
	}

	if r.onExit != nil {
		r.onExit(r, models.CampaignCompleted)
	}
}

// awaitResume blocks while paused. Returns false when the context is done.
func (r *Runner) awaitResume() bool {
	r.mu.Lock()
	paused := r.paused
	ch := r.resumeCh
	r.mu.Unlock()

	if !paused {
		return r.ctx.Err() == nil
	}
	select {
	case <-ch:
		return r.ctx.Err() == nil
	case <-r.ctx.Done():
		return false
	}
}

// sleep waits for the duration, waking early on pause or cancellation
func (r *Runner) sleep(d time.Duration) {
	r.mu.Lock()
	wake := r.wake
	r.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-wake:
	case <-r.ctx.Done():
	}
}

// recipientVars builds the template variable map from a recipient: custom
// fields first, then the built-in name/phone which always win.
func recipientVars(rec models.Recipient) map[string]string {
	vars := map[string]string{}
	if rec.CustomFields != "" {
		var fields map[string]any
		if err := json.Unmarshal([]byte(rec.CustomFields), &fields); err == nil {
			for k, v := range fields {
				if s, ok := v.(string); ok {
					vars[k] = s
				}
			}
		}
	}
	vars["name"] = rec.Name
	vars["phone"] = rec.Phone
	return vars
}
