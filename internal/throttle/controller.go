// Package throttle paces outbound sends. Counters per minute/hour/day window
// are kept in memory, persisted to bolt so restarts do not forget mid-window
// progress, and re-seeded from the send ledger at startup. An account health
// score derived from recent outcomes drives adaptive rate adjustment.
package throttle

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/seleznev/blast/internal/models"
)

var bucketThrottle = []byte("throttle_counters")

const countersKey = "state"

// minimum delay between sends regardless of configured rate
const minDelay = 2 * time.Second

// hard ceiling for adaptive rate increases
const maxMessagesPerMinute = 20

// Deny reasons reported by CanSend
const (
	ReasonDailyLimit  = "daily_limit"
	ReasonHourlyLimit = "hourly_limit"
	ReasonMinuteLimit = "minute_limit"
	ReasonWarmupLimit = "warmup_limit"
)

// SettingsStore reads and writes the persisted throttle settings
type SettingsStore interface {
	GetThrottleSettings() (models.ThrottleSettings, error)
	SaveThrottleSettings(models.ThrottleSettings) error
}

// SendHistory exposes ledger aggregates used for seeding and health
type SendHistory interface {
	WindowStats(since time.Time) (models.SendWindowStats, error)
	CountSentSince(since time.Time) (int, error)
}

// DNDHistory counts recent do-not-disturb additions
type DNDHistory interface {
	CountAddedSince(since time.Time) (int, error)
}

// Counters track sends per wall-clock window. Reset markers hold the
// minute/hour/day-of-month the window last started so boundary crossings are
// detected by comparison, not by timers that a suspended process would miss.
type Counters struct {
	SentToday      int `json:"sent_today"`
	SentThisHour   int `json:"sent_this_hour"`
	SentThisMinute int `json:"sent_this_minute"`
	LastDay        int `json:"last_day"`
	LastHour       int `json:"last_hour"`
	LastMinute     int `json:"last_minute"`
}

// Decision is the outcome of a CanSend check
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason,omitempty"`
	WaitUntil time.Time `json:"wait_until,omitempty"`
}

// Assessment summarizes ban risk for the sending account
type Assessment struct {
	RiskLevel       string   `json:"risk_level"`
	HealthScore     int      `json:"health_score"`
	Recommendations []string `json:"recommendations"`
	DailyUsagePct   float64  `json:"daily_usage_pct"`
	HourlyUsagePct  float64  `json:"hourly_usage_pct"`
}

// Adjustment reports an adaptive rate change
type Adjustment struct {
	Action      string `json:"action"` // none, rate_reduced, rate_increased
	HealthScore int    `json:"health_score"`
	NewRate     int    `json:"new_rate,omitempty"`
}

// Config tunes the controller
type Config struct {
	FlushInterval time.Duration
}

// Controller enforces account-level send pacing
type Controller struct {
	db       *bolt.DB
	settings SettingsStore
	sends    SendHistory
	dnd      DNDHistory
	logger   *slog.Logger

	mu       sync.Mutex
	counters Counters

	flushInterval time.Duration
	stopCh        chan struct{}
	now           func() time.Time
}

// NewController creates the controller, loading persisted counters and
// re-seeding the daily counter from the send ledger (the ledger wins when it
// is larger, since bolt flushes lag behind).
func NewController(db *bolt.DB, settings SettingsStore, sends SendHistory, dnd DNDHistory, cfg Config, logger *slog.Logger) (*Controller, error) {
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketThrottle)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create throttle bucket: %w", err)
	}

	c := &Controller{
		db:            db,
		settings:      settings,
		sends:         sends,
		dnd:           dnd,
		logger:        logger,
		flushInterval: cfg.FlushInterval,
		stopCh:        make(chan struct{}),
		now:           time.Now,
	}

	if err := c.loadCounters(); err != nil {
		return nil, fmt.Errorf("failed to load throttle counters: %w", err)
	}

	now := c.now()
	c.resetIfNeeded(now)

	if sends != nil {
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		fromLedger, err := sends.CountSentSince(midnight)
		if err != nil {
			return nil, fmt.Errorf("failed to seed daily counter: %w", err)
		}
		if fromLedger > c.counters.SentToday {
			c.counters.SentToday = fromLedger
		}
		logger.Info("throttle initialized", "sent_today", c.counters.SentToday)
	}

	go c.flushLoop()

	return c, nil
}

// CanSend reports whether a send may proceed now. When denied, WaitUntil is
// the next window boundary at which the limit clears.
func (c *Controller) CanSend() (Decision, error) {
	settings, err := c.settings.GetThrottleSettings()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load throttle settings: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.resetIfNeeded(now)

	if settings.MessagesPerDay > 0 && c.counters.SentToday >= settings.MessagesPerDay {
		return Decision{Reason: ReasonDailyLimit, WaitUntil: nextDay(now)}, nil
	}
	if settings.MessagesPerHour > 0 && c.counters.SentThisHour >= settings.MessagesPerHour {
		return Decision{Reason: ReasonHourlyLimit, WaitUntil: nextHour(now)}, nil
	}
	if settings.MessagesPerMinute > 0 && c.counters.SentThisMinute >= settings.MessagesPerMinute {
		return Decision{Reason: ReasonMinuteLimit, WaitUntil: nextMinute(now)}, nil
	}
	if settings.WarmupMode && settings.WarmupDailyLimit > 0 && c.counters.SentToday >= settings.WarmupDailyLimit {
		return Decision{Reason: ReasonWarmupLimit, WaitUntil: nextDay(now)}, nil
	}

	return Decision{Allowed: true}, nil
}

// NextDelay computes the pause before the next send from the account-level
// rate: base 60s divided by messages per minute, doubled in warmup mode, with
// a uniform jitter factor in [0.7,1.3], floored at 2 seconds.
func (c *Controller) NextDelay() (time.Duration, error) {
	settings, err := c.settings.GetThrottleSettings()
	if err != nil {
		return 0, fmt.Errorf("failed to load throttle settings: %w", err)
	}

	mpm := settings.MessagesPerMinute
	if mpm <= 0 {
		mpm = 1
	}
	base := time.Minute / time.Duration(mpm)
	if settings.WarmupMode {
		base *= 2
	}

	jitter := 0.7 + rand.Float64()*0.6
	delay := time.Duration(float64(base) * jitter)
	if delay < minDelay {
		delay = minDelay
	}
	return delay, nil
}

// DelayForProfile computes the pause from a campaign's own rate profile,
// using the narrower [0.75,1.25] jitter band and the same 2 second floor.
func DelayForProfile(p models.RateLimitProfile) time.Duration {
	mpm := p.MessagesPerMinute
	if mpm <= 0 {
		mpm = 1
	}
	base := time.Minute / time.Duration(mpm)

	jitter := 0.75 + rand.Float64()*0.5
	delay := time.Duration(float64(base) * jitter)
	if delay < minDelay {
		delay = minDelay
	}
	return delay
}

// RecordSent bumps the window counters. Called exactly once per completed
// send attempt; failures count toward throughput too.
func (c *Controller) RecordSent() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.resetIfNeeded(c.now())
	c.counters.SentToday++
	c.counters.SentThisHour++
	c.counters.SentThisMinute++
}

// Snapshot returns a copy of the current counters
func (c *Controller) Snapshot() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.resetIfNeeded(c.now())
	return c.counters
}

// HealthScore computes the 0-100 account health over the trailing 24 hours:
// success rate, minus 5 points per recent DND addition, minus the excess when
// the failure rate exceeds 10%.
func (c *Controller) HealthScore() (int, error) {
	since := c.now().Add(-24 * time.Hour)

	stats, err := c.sends.WindowStats(since)
	if err != nil {
		return 0, fmt.Errorf("failed to load send stats: %w", err)
	}
	if stats.Total == 0 {
		return 100, nil
	}

	successRate := float64(stats.Sent) / float64(stats.Total) * 100
	score := successRate

	if c.dnd != nil {
		recent, err := c.dnd.CountAddedSince(since)
		if err != nil {
			return 0, fmt.Errorf("failed to count DND additions: %w", err)
		}
		score -= float64(recent) * 5
	}

	failureRate := float64(stats.Failed) / float64(stats.Total) * 100
	if failureRate > 10 {
		score -= failureRate - 10
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return int(score), nil
}

// BanRiskAssessment combines health and window usage into a risk verdict
func (c *Controller) BanRiskAssessment() (Assessment, error) {
	health, err := c.HealthScore()
	if err != nil {
		return Assessment{}, err
	}
	settings, err := c.settings.GetThrottleSettings()
	if err != nil {
		return Assessment{}, fmt.Errorf("failed to load throttle settings: %w", err)
	}

	counters := c.Snapshot()

	a := Assessment{
		RiskLevel:       "low",
		HealthScore:     health,
		Recommendations: []string{},
	}
	if settings.MessagesPerDay > 0 {
		a.DailyUsagePct = float64(counters.SentToday) / float64(settings.MessagesPerDay) * 100
	}
	if settings.MessagesPerHour > 0 {
		a.HourlyUsagePct = float64(counters.SentThisHour) / float64(settings.MessagesPerHour) * 100
	}

	switch {
	case health < 30:
		a.RiskLevel = "high"
		a.Recommendations = append(a.Recommendations,
			"consider pausing campaigns for 24-48 hours",
			"review message content for spam-like characteristics",
			"enable warmup mode with very low limits")
	case health < 60:
		a.RiskLevel = "medium"
		a.Recommendations = append(a.Recommendations,
			"reduce sending rate by 50%",
			"enable warmup mode",
			"review recent failed messages")
	case a.DailyUsagePct > 80:
		a.RiskLevel = "medium"
		a.Recommendations = append(a.Recommendations, "close to daily limit, consider slowing down")
	}

	return a, nil
}

// AdjustRate applies adaptive rate control to the persisted settings: halve
// the per-minute rate when health drops below 50, raise it 10% (capped) when
// health exceeds 80 outside warmup. The change is written through the
// settings store, never applied silently per send.
func (c *Controller) AdjustRate() (Adjustment, error) {
	health, err := c.HealthScore()
	if err != nil {
		return Adjustment{}, err
	}
	settings, err := c.settings.GetThrottleSettings()
	if err != nil {
		return Adjustment{}, fmt.Errorf("failed to load throttle settings: %w", err)
	}

	adj := Adjustment{Action: "none", HealthScore: health}

	switch {
	case health < 50:
		newRate := settings.MessagesPerMinute / 2
		if newRate < 1 {
			newRate = 1
		}
		if newRate != settings.MessagesPerMinute {
			settings.MessagesPerMinute = newRate
			if err := c.settings.SaveThrottleSettings(settings); err != nil {
				return Adjustment{}, fmt.Errorf("failed to save reduced rate: %w", err)
			}
			adj.Action = "rate_reduced"
			adj.NewRate = newRate
			c.logger.Warn("account health low, rate reduced", "health", health, "rate", newRate)
		}
	case health > 80 && !settings.WarmupMode:
		newRate := settings.MessagesPerMinute + settings.MessagesPerMinute/10
		if newRate == settings.MessagesPerMinute {
			newRate++
		}
		if newRate > maxMessagesPerMinute {
			newRate = maxMessagesPerMinute
		}
		if newRate != settings.MessagesPerMinute {
			settings.MessagesPerMinute = newRate
			if err := c.settings.SaveThrottleSettings(settings); err != nil {
				return Adjustment{}, fmt.Errorf("failed to save increased rate: %w", err)
			}
			adj.Action = "rate_increased"
			adj.NewRate = newRate
			c.logger.Info("account health good, rate increased", "health", health, "rate", newRate)
		}
	}

	return adj, nil
}

// Stop stops the flush loop and persists counters
func (c *Controller) Stop() error {
	close(c.stopCh)
	return c.persistCounters()
}

// resetIfNeeded clears window counters on wall-clock boundary crossings.
// Caller holds the mutex.
func (c *Controller) resetIfNeeded(now time.Time) {
	if now.Day() != c.counters.LastDay {
		c.counters.SentToday = 0
		c.counters.SentThisHour = 0
		c.counters.SentThisMinute = 0
		c.counters.LastDay = now.Day()
		c.counters.LastHour = now.Hour()
		c.counters.LastMinute = now.Minute()
		return
	}
	if now.Hour() != c.counters.LastHour {
		c.counters.SentThisHour = 0
		c.counters.SentThisMinute = 0
		c.counters.LastHour = now.Hour()
		c.counters.LastMinute = now.Minute()
		return
	}
	if now.Minute() != c.counters.LastMinute {
		c.counters.SentThisMinute = 0
		c.counters.LastMinute = now.Minute()
	}
}

func (c *Controller) loadCounters() error {
	return c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketThrottle)
		if bucket == nil {
			return nil
		}
		data := bucket.Get([]byte(countersKey))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &c.counters); err != nil {
			return nil // start fresh on corrupt state
		}
		return nil
	})
}

func (c *Controller) persistCounters() error {
	c.mu.Lock()
	data, err := json.Marshal(c.counters)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketThrottle)
		if bucket == nil {
			return nil
		}
		return bucket.Put([]byte(countersKey), data)
	})
}

func (c *Controller) flushLoop() {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.persistCounters(); err != nil {
				c.logger.Error("failed to persist throttle counters", "error", err)
			}
		}
	}
}

func nextMinute(now time.Time) time.Time {
	return now.Truncate(time.Minute).Add(time.Minute)
}

func nextHour(now time.Time) time.Time {
	return now.Truncate(time.Hour).Add(time.Hour)
}

func nextDay(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
}
