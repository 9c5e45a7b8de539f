// Package model defines the data shapes shared by the store and service
// layers: the envelope accepted over SMTP, the durable queued message it
// becomes, and the ancillary records policy and auth enforcement rely on.
package model

import (
	"errors"
	"strings"
	"time"
)

// SessionInfo captures the reception-time context an envelope was accepted
// under, carried through delivery for Received-header and audit purposes.
type SessionInfo struct {
	PeerIP            string
	HeloName          string
	AuthenticatedUser string
	TLSActive         bool
}

// Envelope is sender + recipients + body, distinct from the RFC 5322
// headers inside MessageData.
type Envelope struct {
	Sender      string
	Recipients  []string
	MessageData []byte
	Session     SessionInfo

	// QueueID, when non-empty, is the id the caller already committed to
	// (e.g. baked into a Received header before the store assigned one) and
	// must be reused as the persisted queue-id instead of minting a new one.
	QueueID string
}

// ErrNoRecipients is returned when an envelope has an empty recipient list.
var ErrNoRecipients = errors.New("envelope: recipients must be non-empty")

// ErrInvalidSender is returned when a non-empty sender fails mailbox syntax.
var ErrInvalidSender = errors.New("envelope: sender is not a valid mailbox")

// Validate enforces the envelope invariants from the data model: recipients
// non-empty, sender either the null string or a syntactically valid
// mailbox.
func (e *Envelope) Validate() error {
	if len(e.Recipients) == 0 {
		return ErrNoRecipients
	}
	if e.Sender != "" && !IsValidMailbox(e.Sender) {
		return ErrInvalidSender
	}
	return nil
}

// IsValidMailbox applies a pragmatic mailbox syntax check: a local part, an
// "@", and a domain part with at least one dot, no whitespace anywhere.
func IsValidMailbox(addr string) bool {
	if addr == "" || strings.ContainsAny(addr, " \t\r\n<>()[]\\,;:\"") {
		return false
	}
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 || at == len(addr)-1 {
		return false
	}
	local, domain := addr[:at], addr[at+1:]
	if local == "" || domain == "" {
		return false
	}
	if !strings.Contains(domain, ".") {
		return false
	}
	return true
}

// DomainOf returns the domain part of a mailbox address, or "" if the
// address has no "@".
func DomainOf(addr string) string {
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return ""
	}
	return addr[at+1:]
}

// Status is the overall lifecycle state of a QueuedMessage.
type Status string

const (
	StatusActive    Status = "active"
	StatusDeferred  Status = "deferred"
	StatusDelivered Status = "delivered"
	StatusBounce    Status = "bounce"
)

// RecipientLifecycle is the per-recipient delivery state.
type RecipientLifecycle string

const (
	RecipientPending   RecipientLifecycle = "pending"
	RecipientDeferred  RecipientLifecycle = "deferred"
	RecipientDelivered RecipientLifecycle = "delivered"
	RecipientBounce    RecipientLifecycle = "bounce"
	RecipientExpired   RecipientLifecycle = "expired"
)

// RecipientState is the per-recipient delivery record inside a
// QueuedMessage.
type RecipientState struct {
	State         RecipientLifecycle
	Attempts      int
	LastAttemptAt time.Time
	SMTPCode      int
	SMTPMessage   string
	MXHost        string
	DeliveredAt   time.Time
}

// QueuedMessage is the durable representation of an accepted Envelope plus
// its delivery state, keyed by QueueID.
type QueuedMessage struct {
	QueueID         string
	Envelope        Envelope
	Status          Status
	CreatedAt       time.Time
	NextRetryAt     *time.Time
	Attempts        int
	LastError       string
	RecipientStatus map[string]RecipientState
}

// PendingRecipients returns recipients still in pending or deferred state,
// in envelope order.
func (m *QueuedMessage) PendingRecipients() []string {
	var out []string
	for _, r := range m.Envelope.Recipients {
		st, ok := m.RecipientStatus[r]
		if !ok || st.State == RecipientPending || st.State == RecipientDeferred {
			out = append(out, r)
		}
	}
	return out
}

// RecomputeStatus derives the overall Status from RecipientStatus, per the
// data model's overall-status invariant. It does not touch NextRetryAt;
// callers that transition to deferred are responsible for scheduling the
// next attempt themselves.
func (m *QueuedMessage) RecomputeStatus() {
	allDelivered := true
	anyPending := false
	anyBounce := false
	for _, r := range m.Envelope.Recipients {
		st := m.RecipientStatus[r]
		switch st.State {
		case RecipientDelivered:
		case RecipientPending, RecipientDeferred:
			allDelivered = false
			anyPending = true
		case RecipientBounce, RecipientExpired:
			allDelivered = false
			anyBounce = true
		}
	}
	switch {
	case allDelivered:
		m.Status = StatusDelivered
		m.NextRetryAt = nil
	case anyPending:
		m.Status = StatusDeferred
	case anyBounce:
		m.Status = StatusBounce
		m.NextRetryAt = nil
	}
}
