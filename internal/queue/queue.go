// Package queue implements QueueService: envelope validation, enqueue,
// delivery-status update with retry scheduling, and requeue, fronting the
// QueueStore.
package queue

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rishavghosh108/mrx-mta/internal/model"
)

// Store is the persistence interface QueueService depends on.
type Store interface {
	Enqueue(ctx context.Context, env model.Envelope) (*model.QueuedMessage, error)
	Get(ctx context.Context, queueID string) (*model.QueuedMessage, error)
	GetReadyForDelivery(ctx context.Context, limit int, leaseDuration time.Duration, leaseToken string) ([]*model.QueuedMessage, error)
	Mutate(ctx context.Context, queueID string, fn func(*model.QueuedMessage) error) error
	Delete(ctx context.Context, queueID string) error
	ListByStatus(ctx context.Context, status model.Status) ([]*model.QueuedMessage, error)
}

// RetrySchedule is the base delay sequence applied to successive deferral
// attempts (0-indexed), before jitter.
var RetrySchedule = []time.Duration{
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
	4 * time.Hour,
	12 * time.Hour,
	24 * time.Hour,
	48 * time.Hour,
}

// Config holds the knobs QueueService's scheduling depends on.
type Config struct {
	MaxQueueAge   time.Duration
	LeaseDuration time.Duration
}

// DefaultConfig supplies the specification's suggested queue-age ceiling
// and a lease duration generous enough to cover one delivery attempt.
func DefaultConfig() Config {
	return Config{MaxQueueAge: 5 * 24 * time.Hour, LeaseDuration: 10 * time.Minute}
}

// Service is the QueueService.
type Service struct {
	store Store
	cfg   Config
	jitter func() float64
}

// New constructs a QueueService over the given Store.
func New(store Store, cfg Config) *Service {
	return &Service{store: store, cfg: cfg, jitter: rand.Float64}
}

// Enqueue validates and durably stores a newly accepted envelope.
func (s *Service) Enqueue(ctx context.Context, env model.Envelope) (*model.QueuedMessage, error) {
	return s.store.Enqueue(ctx, env)
}

// Get loads a single message by queue-id.
func (s *Service) Get(ctx context.Context, queueID string) (*model.QueuedMessage, error) {
	return s.store.Get(ctx, queueID)
}

// GetReadyForDelivery leases up to limit messages due for a delivery
// attempt under leaseToken (typically a worker identifier).
func (s *Service) GetReadyForDelivery(ctx context.Context, limit int, leaseToken string) ([]*model.QueuedMessage, error) {
	return s.store.GetReadyForDelivery(ctx, limit, s.cfg.LeaseDuration, leaseToken)
}

// RecipientOutcome is one recipient's classified SMTP reply from a
// delivery attempt.
type RecipientOutcome struct {
	Recipient string
	Code      int
	Message   string
	MXHost    string
}

// UpdateDeliveryStatus applies a batch of per-recipient outcomes to a
// message atomically (via Store.Mutate), recomputes the overall status,
// and schedules the next retry with jitter when recipients remain
// deferred. Idempotent: replaying the same outcome for an already-terminal
// recipient is a no-op for that recipient.
func (s *Service) UpdateDeliveryStatus(ctx context.Context, queueID string, outcomes []RecipientOutcome) error {
	return s.store.Mutate(ctx, queueID, func(msg *model.QueuedMessage) error {
		now := time.Now().UTC()
		for _, o := range outcomes {
			cur, ok := msg.RecipientStatus[o.Recipient]
			if ok && (cur.State == model.RecipientDelivered || cur.State == model.RecipientBounce || cur.State == model.RecipientExpired) {
				continue // terminal states are not revisited
			}
			rs := model.RecipientState{
				Attempts:      cur.Attempts + 1,
				LastAttemptAt: now,
				SMTPCode:      o.Code,
				SMTPMessage:   o.Message,
				MXHost:        o.MXHost,
			}
			switch {
			case o.Code >= 200 && o.Code < 300:
				rs.State = model.RecipientDelivered
				rs.DeliveredAt = now
			case o.Code >= 400 && o.Code < 500:
				rs.State = model.RecipientDeferred
			case o.Code >= 500 && o.Code < 600:
				rs.State = model.RecipientBounce
			default:
				rs.State = model.RecipientDeferred
			}
			msg.RecipientStatus[o.Recipient] = rs
		}
		msg.Attempts++

		expired := now.Sub(msg.CreatedAt) > s.cfg.MaxQueueAge
		if expired {
			for r, st := range msg.RecipientStatus {
				if st.State == model.RecipientPending || st.State == model.RecipientDeferred {
					st.State = model.RecipientExpired
					msg.RecipientStatus[r] = st
				}
			}
		}

		msg.RecomputeStatus()

		if msg.Status == model.StatusDeferred {
			if msg.Attempts >= len(RetrySchedule) || expired {
				msg.Status = model.StatusBounce
				msg.NextRetryAt = nil
				for r, st := range msg.RecipientStatus {
					if st.State == model.RecipientPending || st.State == model.RecipientDeferred {
						st.State = model.RecipientExpired
						msg.RecipientStatus[r] = st
					}
				}
			} else {
				base := RetrySchedule[msg.Attempts-1]
				u := s.jitter()*0.4 - 0.2 // uniform(-0.2, +0.2)
				delay := time.Duration(float64(base) * (1 + u))
				next := now.Add(delay)
				msg.NextRetryAt = &next
			}
		}
		return nil
	})
}

// ErrNotDeferred reports a message that is neither deferred nor bounced.
// Requeue does not return it: Requeue succeeds for any status.
var ErrNotDeferred = errors.New("queue: message is not deferred or bounced")

// Requeue resets a message to active with every deferred/bounced recipient
// returned to pending, for manual admin-triggered retry of expired mail.
func (s *Service) Requeue(ctx context.Context, queueID string) error {
	return s.store.Mutate(ctx, queueID, func(msg *model.QueuedMessage) error {
		msg.Status = model.StatusActive
		msg.NextRetryAt = nil
		for r, st := range msg.RecipientStatus {
			if st.State == model.RecipientDeferred || st.State == model.RecipientBounce || st.State == model.RecipientExpired {
				st.State = model.RecipientPending
				msg.RecipientStatus[r] = st
			}
		}
		return nil
	})
}

// Delete removes a message and its body.
func (s *Service) Delete(ctx context.Context, queueID string) error {
	return s.store.Delete(ctx, queueID)
}

// ListByStatus returns every message with the given overall status.
func (s *Service) ListByStatus(ctx context.Context, status model.Status) ([]*model.QueuedMessage, error) {
	return s.store.ListByStatus(ctx, status)
}
