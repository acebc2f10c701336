// Package audience resolves a campaign's segment identifier into the concrete
// list of recipients to message. Segments are a registry of named filters over
// the recipient store; resolution always excludes soft-deleted recipients,
// do-not-disturb phones and opted-out contacts unless the segment explicitly
// asks for everything.
package audience

import (
	"fmt"
	"sort"
	"time"

	"github.com/seleznev/blast/internal/models"
	"github.com/seleznev/blast/internal/repository"
)

// Segment identifiers. An unknown identifier falls back to SegmentMainList
// semantics rather than failing the campaign.
const (
	SegmentMainList       = "main_list"
	SegmentAllContacts    = "all_contacts"
	SegmentVIPCustomers   = "vip_customers"
	SegmentNewSubscribers = "new_subscribers"
	SegmentPromotional    = "promotional"
)

const newSubscriberWindow = 30 * 24 * time.Hour

// RecipientSource is the slice of the recipient store the selector needs
type RecipientSource interface {
	Query(q repository.RecipientQuery) ([]models.Recipient, error)
}

// DNDSource lists phones that must never be messaged
type DNDSource interface {
	Phones() (map[string]bool, error)
}

// segmentFilter builds the store query for one segment. The exclusion list is
// applied afterwards so filters stay independent of resume state.
type segmentFilter func(now time.Time) repository.RecipientQuery

// Selector resolves audience segments to recipient lists
type Selector struct {
	recipients RecipientSource
	dnd        DNDSource
	segments   map[string]segmentFilter
	now        func() time.Time
}

// NewSelector creates a selector with the built-in segment registry
func NewSelector(recipients RecipientSource, dnd DNDSource) *Selector {
	s := &Selector{
		recipients: recipients,
		dnd:        dnd,
		segments:   make(map[string]segmentFilter),
		now:        time.Now,
	}

	s.register(SegmentMainList, func(time.Time) repository.RecipientQuery {
		return repository.RecipientQuery{ConsentStatus: models.ConsentOptedIn}
	})
	s.register(SegmentAllContacts, func(time.Time) repository.RecipientQuery {
		// no consent filter; opted-out contacts are still dropped below
		return repository.RecipientQuery{}
	})
	s.register(SegmentVIPCustomers, func(time.Time) repository.RecipientQuery {
		return repository.RecipientQuery{ConsentStatus: models.ConsentOptedIn, Tag: "vip"}
	})
	s.register(SegmentNewSubscribers, func(now time.Time) repository.RecipientQuery {
		cutoff := now.Add(-newSubscriberWindow)
		return repository.RecipientQuery{ConsentStatus: models.ConsentOptedIn, ImportedAfter: &cutoff}
	})
	s.register(SegmentPromotional, func(time.Time) repository.RecipientQuery {
		return repository.RecipientQuery{ConsentStatus: models.ConsentOptedIn, Tag: "promotional"}
	})

	return s
}

func (s *Selector) register(name string, filter segmentFilter) {
	s.segments[name] = filter
}

// Segments returns the registered segment identifiers, sorted
func (s *Selector) Segments() []string {
	names := make([]string, 0, len(s.segments))
	for name := range s.segments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the recipients for a segment, minus excluded phones (the
// already-sent set when resuming), do-not-disturb phones and opted-out
// contacts. The result order is deterministic for a given store state.
func (s *Selector) Resolve(segment string, excludePhones []string) ([]models.Recipient, error) {
	filter, ok := s.segments[segment]
	if !ok {
		filter = s.segments[SegmentMainList]
	}

	query := filter(s.now())
	query.ExcludePhones = excludePhones

	recipients, err := s.recipients.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve segment %s: %w", segment, err)
	}

	blocked, err := s.dnd.Phones()
	if err != nil {
		return nil, fmt.Errorf("failed to load dnd list: %w", err)
	}

	result := make([]models.Recipient, 0, len(recipients))
	for _, rec := range recipients {
		if blocked[rec.Phone] {
			continue
		}
		if rec.ConsentStatus == models.ConsentOptedOut {
			continue
		}
		result = append(result, rec)
	}
	return result, nil
}
