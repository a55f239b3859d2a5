package model

import "time"

// ItemStatus represents the current state of a run item.
type ItemStatus string

const (
	ItemStatusQueued   ItemStatus = "queued"
	ItemStatusInFlight ItemStatus = "in_flight"
	ItemStatusDone     ItemStatus = "done"
	ItemStatusFailed   ItemStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s ItemStatus) Terminal() bool {
	return s == ItemStatusDone || s == ItemStatusFailed
}

// ValidTransition reports whether an item may move from one status to
// another. Items only move forward; in_flight → queued is the retry or
// budget re-enqueue path.
func ValidTransition(from, to ItemStatus) bool {
	switch from {
	case ItemStatusQueued:
		return to == ItemStatusInFlight
	case ItemStatusInFlight:
		return to == ItemStatusDone || to == ItemStatusFailed || to == ItemStatusQueued
	default:
		return false
	}
}

// Identity is the raw identity of one enrichment target: a situs address
// plus optional owner name fragments, as supplied by the caller.
type Identity struct {
	Street    string `json:"street"`
	City      string `json:"city"`
	State     string `json:"state"`
	Zip       string `json:"zip"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// Run represents one bounded batch of enrichment work.
type Run struct {
	ID               string     `json:"id"`
	Label            string     `json:"label"`
	BudgetCapCents   int64      `json:"budget_cap_cents"`
	BudgetSpentCents int64      `json:"budget_spent_cents"`
	SoftPaused       bool       `json:"soft_paused"`
	MaxAttempts      int        `json:"max_attempts"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// RunTotals counts items by status. Derived from run_items, never stored.
type RunTotals struct {
	Queued   int `json:"queued"`
	InFlight int `json:"in_flight"`
	Done     int `json:"done"`
	Failed   int `json:"failed"`
}

// Total returns the number of items in the run.
func (t RunTotals) Total() int {
	return t.Queued + t.InFlight + t.Done + t.Failed
}

// Settled reports whether every item has reached a terminal status.
func (t RunTotals) Settled() bool {
	return t.Queued == 0 && t.InFlight == 0
}

// RunItem is one identity's unit of work inside a Run. Mutated exclusively
// by the dispatcher under a short atomic transition; never deleted.
type RunItem struct {
	ID          string       `json:"id"`
	RunID       string       `json:"run_id"`
	Seq         int          `json:"seq"`
	ExternalID  string       `json:"external_id"`
	Identity    Identity     `json:"identity"`
	IdemKey     string       `json:"idem_key"`
	Status      ItemStatus   `json:"status"`
	Attempt     int          `json:"attempt"`
	MaxAttempts int          `json:"max_attempts"`
	NotBefore   time.Time    `json:"not_before"`
	Provider    string       `json:"provider,omitempty"`
	Cached      bool         `json:"cached"`
	CostCents   int64        `json:"cost_cents"`
	Contact     *ContactInfo `json:"contact,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
	ErrorKind   ErrorKind    `json:"error_kind,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// ContactInfo is the enrichment result for one identity.
type ContactInfo struct {
	OwnerName      string   `json:"owner_name,omitempty"`
	Phones         []Phone  `json:"phones,omitempty"`
	Emails         []string `json:"emails,omitempty"`
	MailingAddress string   `json:"mailing_address,omitempty"`
}

// Phone is a single traced phone number.
type Phone struct {
	Number   string `json:"number"`
	LineType string `json:"line_type,omitempty"` // mobile, landline, voip
}

// Primary returns the first phone number, or the first email when no phone
// was found. Empty when the contact carries neither.
func (c *ContactInfo) Primary() string {
	if c == nil {
		return ""
	}
	if len(c.Phones) > 0 {
		return c.Phones[0].Number
	}
	if len(c.Emails) > 0 {
		return c.Emails[0]
	}
	return ""
}

// ProviderCallRecord is an append-only audit row, written once per provider
// attempt (or once per cache hit with CostCents = 0).
type ProviderCallRecord struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	ItemRef    string    `json:"item_ref"`
	Provider   string    `json:"provider"`
	IdemKey    string    `json:"idem_key"`
	Cached     bool      `json:"cached"`
	CostCents  int64     `json:"cost_cents"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}
