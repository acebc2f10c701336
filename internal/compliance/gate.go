// Package compliance evaluates message content and sending context against
// anti-spam policy. The gate runs synchronously before every send attempt as
// well as at template-authoring time.
package compliance

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// spamKeywords is the fixed keyword list. Matches are scored per occurrence.
var spamKeywords = []string{
	"free", "win", "winner", "cash", "money", "urgent", "hurry", "limited time",
	"act now", "call now", "click here", "guarantee", "100%", "risk free",
	"no obligation", "congratulations", "selected", "prize",
}

// restrictedCategories are template categories that may never be sent.
var restrictedCategories = map[string]bool{
	"gambling":       true,
	"adult":          true,
	"pharmaceutical": true,
	"cryptocurrency": true,
	"mlm":            true,
	"get-rich-quick": true,
	"weight-loss":    true,
	"dating":         true,
}

var (
	capsPattern  = regexp.MustCompile(`[A-Z]{3,}`)
	urlPattern   = regexp.MustCompile(`https?://[^\s]+`)
	phonePattern = regexp.MustCompile(`\+?\d{1,4}[-.\s]?\(?\d{1,3}\)?[-.\s]?\d{1,4}[-.\s]?\d{1,4}[-.\s]?\d{1,9}`)
	moneyPattern = regexp.MustCompile(`(?i)(\$|₹|€|rupees?|dollars?|euros?|usd|inr|eur|\d+\s*(rs|dollar|rupee))`)
)

// RiskLevel buckets a risk score
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Result is the verdict for one evaluation
type Result struct {
	Compliant       bool      `json:"compliant"`
	RiskScore       int       `json:"risk_score"`
	RiskLevel       RiskLevel `json:"risk_level"`
	Violations      []string  `json:"violations"`
	Warnings        []string  `json:"warnings"`
	Recommendations []string  `json:"recommendations"`
}

// DNDList answers whether a phone is on the do-not-disturb list
type DNDList interface {
	Contains(phone string) (bool, error)
}

// SendHistory counts recent sends to one phone
type SendHistory interface {
	CountToPhoneSince(phone string, since time.Time) (int, error)
}

// Gate evaluates messages. DND and history are optional; without them only
// content rules apply.
type Gate struct {
	dnd     DNDList
	history SendHistory
}

func NewGate(dnd DNDList, history SendHistory) *Gate {
	return &Gate{dnd: dnd, history: history}
}

// CheckContent applies the pure content rules. It is usable standalone at
// template-authoring time where no recipient context exists.
func CheckContent(body string) Result {
	violations := []string{}
	warnings := []string{}
	score := 0

	if strings.TrimSpace(body) == "" {
		violations = append(violations, "empty message content")
		return finalize(violations, warnings, 100)
	}

	lower := strings.ToLower(body)

	matches := 0
	found := []string{}
	for _, kw := range spamKeywords {
		if n := strings.Count(lower, kw); n > 0 {
			matches += n
			found = append(found, kw)
		}
	}
	if matches > 0 {
		score += matches * 5
		if matches > 3 {
			violations = append(violations, "multiple spam keywords found: "+strings.Join(found, ", "))
		} else {
			warnings = append(warnings, "potential spam keywords: "+strings.Join(found, ", "))
		}
	}

	if len(body) > 1000 {
		warnings = append(warnings, "message is quite long, consider shortening")
		score += 5
	}

	if runs := capsPattern.FindAllString(body, -1); len(runs) >= 3 {
		warnings = append(warnings, "excessive use of capital letters detected")
		score += 10
	}

	if strings.Count(body, "!") > 3 {
		warnings = append(warnings, "too many exclamation marks")
		score += 5
	}

	if urlPattern.MatchString(body) {
		warnings = append(warnings, "message contains URLs - ensure they are legitimate")
		score += 10
	}

	if phones := phonePattern.FindAllString(body, -1); len(phones) > 1 {
		warnings = append(warnings, "multiple phone numbers detected")
		score += 5
	}

	if moneyPattern.MatchString(body) {
		warnings = append(warnings, "money-related content detected - ensure compliance")
		score += 10
	}

	return finalize(violations, warnings, score)
}

// Evaluate applies the content rules plus template and recipient context.
// A recipient on the DND list is a blocking violation regardless of content.
func (g *Gate) Evaluate(body, templateCategory, recipientPhone string) (Result, error) {
	res := CheckContent(body)
	violations := res.Violations
	warnings := res.Warnings
	score := res.RiskScore

	if templateCategory != "" && restrictedCategories[strings.ToLower(templateCategory)] {
		violations = append(violations, fmt.Sprintf("restricted template category: %s", templateCategory))
		score += 30
	}

	if recipientPhone != "" && g.dnd != nil {
		blocked, err := g.dnd.Contains(recipientPhone)
		if err != nil {
			return Result{}, fmt.Errorf("failed to check DND list: %w", err)
		}
		if blocked {
			violations = append(violations, "recipient is on the do-not-disturb list")
			score = 100
		}
	}

	if recipientPhone != "" && g.history != nil {
		recent, err := g.history.CountToPhoneSince(recipientPhone, time.Now().Add(-24*time.Hour))
		if err != nil {
			return Result{}, fmt.Errorf("failed to check send history: %w", err)
		}
		if recent > 5 {
			warnings = append(warnings, "high frequency messaging to this recipient in last 24 hours")
			score += 20
		}
	}

	return finalize(violations, warnings, score), nil
}

// finalize computes the verdict. Any violation forces the high risk level so
// blocked content is never reported as medium.
func finalize(violations, warnings []string, score int) Result {
	level := RiskLow
	switch {
	case len(violations) > 0 || score >= 80:
		level = RiskHigh
	case score >= 40:
		level = RiskMedium
	}

	return Result{
		Compliant:       len(violations) == 0 && score < 50,
		RiskScore:       score,
		RiskLevel:       level,
		Violations:      violations,
		Warnings:        warnings,
		Recommendations: recommendations(violations, warnings, score),
	}
}

func recommendations(violations, warnings []string, score int) []string {
	recs := []string{}

	if len(violations) > 0 {
		recs = append(recs, "fix all compliance violations before sending")
	}
	if score > 50 {
		recs = append(recs, "review and modify message content to reduce spam risk")
	}
	for _, w := range warnings {
		switch {
		case strings.Contains(w, "spam keywords"):
			recs = append(recs, "remove or replace identified spam keywords")
		case strings.Contains(w, "capital letters"):
			recs = append(recs, "reduce use of capital letters")
		case strings.Contains(w, "URLs"):
			recs = append(recs, "verify all URLs are legitimate and properly formatted")
		}
	}
	if score < 20 && len(violations) == 0 {
		recs = append(recs, "message appears compliant and low risk")
	}

	return recs
}
