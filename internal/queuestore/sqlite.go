// Package queuestore is the durable queue: a relational table keyed by
// queue_id holding envelope metadata plus a JSON-encoded per-recipient
// status map, with message bodies stored as sibling blob files. This
// mirrors the reference shape in the specification's external-interfaces
// section and generalizes Goofygiraffe06-zinc's store/sqlite.go idiom
// (database/sql + mattn/go-sqlite3, inline schema, sentinel errors) to a
// leasing scheme so concurrent delivery workers never claim the same
// message twice.
package queuestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/google/uuid"
	"github.com/rishavghosh108/mrx-mta/internal/model"
)

// ErrNotFound is returned when a queue-id has no matching row.
var ErrNotFound = errors.New("queuestore: message not found")

// ErrLeaseHeld reports that a caller's lease token no longer matches the
// stored one (another worker took ownership, or the lease expired and was
// reclaimed). No method of Store returns it.
var ErrLeaseHeld = errors.New("queuestore: lease no longer held")

const schema = `
CREATE TABLE IF NOT EXISTS queue (
	queue_id         TEXT PRIMARY KEY NOT NULL,
	sender           TEXT NOT NULL,
	recipients       TEXT NOT NULL,
	message_path     TEXT NOT NULL,
	peer_ip          TEXT NOT NULL DEFAULT '',
	helo_name        TEXT NOT NULL DEFAULT '',
	auth_user        TEXT NOT NULL DEFAULT '',
	tls_active       INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	created_at       INTEGER NOT NULL,
	next_retry_at    INTEGER,
	attempts         INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT NOT NULL DEFAULT '',
	recipient_status TEXT NOT NULL,
	leased_until     INTEGER,
	leased_by        TEXT
);
CREATE INDEX IF NOT EXISTS idx_queue_status ON queue(status);
CREATE INDEX IF NOT EXISTS idx_queue_next_retry ON queue(next_retry_at);
`

// Store is a SQLite-backed QueueStore. All access goes through a single
// pooled connection so that lease acquisition and release are trivially
// serialized without hand-rolled row locking.
type Store struct {
	db      *sql.DB
	blobDir string
}

// Open opens the queue database at dbPath and ensures blobDir exists for
// sibling message bodies.
func Open(dbPath, blobDir string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	if err := os.MkdirAll(blobDir, 0o700); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, blobDir: blobDir}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) blobPath(queueID string) string {
	return filepath.Join(s.blobDir, queueID+".eml")
}

// Enqueue validates, assigns a queue-id, writes the message body to a
// sibling blob, and inserts the queue row atomically.
func (s *Store) Enqueue(ctx context.Context, env model.Envelope) (*model.QueuedMessage, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	queueID := env.QueueID
	if queueID == "" {
		queueID = uuid.NewString()
	}
	if err := os.WriteFile(s.blobPath(queueID), env.MessageData, 0o600); err != nil {
		return nil, fmt.Errorf("queuestore: write blob: %w", err)
	}

	now := time.Now().UTC()
	msg := &model.QueuedMessage{
		QueueID:         queueID,
		Envelope:        env,
		Status:          model.StatusActive,
		CreatedAt:       now,
		Attempts:        0,
		RecipientStatus: make(map[string]model.RecipientState, len(env.Recipients)),
	}
	for _, r := range env.Recipients {
		msg.RecipientStatus[r] = model.RecipientState{State: model.RecipientPending}
	}

	recipientsJSON, err := json.Marshal(env.Recipients)
	if err != nil {
		return nil, err
	}
	statusJSON, err := marshalRecipientStatus(msg.RecipientStatus)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO queue (queue_id, sender, recipients, message_path, peer_ip, helo_name,
			auth_user, tls_active, status, created_at, next_retry_at, attempts, last_error, recipient_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 0, '', ?)`,
		msg.QueueID, env.Sender, string(recipientsJSON), s.blobPath(queueID),
		env.Session.PeerIP, env.Session.HeloName, env.Session.AuthenticatedUser,
		boolToInt(env.Session.TLSActive), string(msg.Status), now.Unix(), string(statusJSON),
	)
	if err != nil {
		os.Remove(s.blobPath(queueID))
		return nil, err
	}
	return msg, nil
}

// Get loads a single message by queue-id, including its message body.
func (s *Store) Get(ctx context.Context, queueID string) (*model.QueuedMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT queue_id, sender, recipients, message_path, peer_ip, helo_name, auth_user,
			tls_active, status, created_at, next_retry_at, attempts, last_error, recipient_status
		FROM queue WHERE queue_id = ?`, queueID)
	return scanMessage(row, true)
}

// GetReadyForDelivery returns up to limit messages eligible for a delivery
// attempt (status active/deferred, due by next_retry_at, not currently
// leased), marking each returned message leased under leaseToken until
// leaseDuration elapses. Ordered by created_at ascending.
func (s *Store) GetReadyForDelivery(ctx context.Context, limit int, leaseDuration time.Duration, leaseToken string) ([]*model.QueuedMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	rows, err := tx.QueryContext(ctx, `
		SELECT queue_id FROM queue
		WHERE status IN ('active', 'deferred')
		  AND (next_retry_at IS NULL OR next_retry_at <= ?)
		  AND (leased_until IS NULL OR leased_until <= ?)
		ORDER BY created_at ASC
		LIMIT ?`, now.Unix(), now.Unix(), limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	leaseUntil := now.Add(leaseDuration).Unix()
	var out []*model.QueuedMessage
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE queue SET leased_until=?, leased_by=? WHERE queue_id=?`, leaseUntil, leaseToken, id); err != nil {
			return nil, err
		}
		row := tx.QueryRowContext(ctx, `
			SELECT queue_id, sender, recipients, message_path, peer_ip, helo_name, auth_user,
				tls_active, status, created_at, next_retry_at, attempts, last_error, recipient_status
			FROM queue WHERE queue_id = ?`, id)
		msg, err := scanMessage(row, false)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// Mutate loads a message inside an exclusive transaction, hands it to fn
// for in-place mutation, then persists the result and clears its lease.
// This is the atomicity primitive QueueService.update_delivery_status and
// requeue/delete build on: database/sql's single open connection
// (SetMaxOpenConns(1) in Open) means the transaction fully serializes
// against every other Store method, so two workers can never observe or
// commit conflicting states for the same queue-id.
func (s *Store) Mutate(ctx context.Context, queueID string, fn func(*model.QueuedMessage) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT queue_id, sender, recipients, message_path, peer_ip, helo_name, auth_user,
			tls_active, status, created_at, next_retry_at, attempts, last_error, recipient_status
		FROM queue WHERE queue_id = ?`, queueID)
	msg, err := scanMessage(row, false)
	if err != nil {
		return err
	}

	if err := fn(msg); err != nil {
		return err
	}

	recipientsJSON, err := json.Marshal(msg.Envelope.Recipients)
	if err != nil {
		return err
	}
	statusJSON, err := marshalRecipientStatus(msg.RecipientStatus)
	if err != nil {
		return err
	}
	var nextRetry sql.NullInt64
	if msg.NextRetryAt != nil {
		nextRetry = sql.NullInt64{Int64: msg.NextRetryAt.Unix(), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE queue SET sender=?, recipients=?, status=?, next_retry_at=?, attempts=?,
			last_error=?, recipient_status=?, leased_until=NULL, leased_by=NULL
		WHERE queue_id=?`,
		msg.Envelope.Sender, string(recipientsJSON), string(msg.Status), nextRetry,
		msg.Attempts, msg.LastError, string(statusJSON), queueID,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Delete removes a message's row and its sibling blob.
func (s *Store) Delete(ctx context.Context, queueID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE queue_id=?`, queueID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	os.Remove(s.blobPath(queueID))
	return nil
}

// ListByStatus returns every message with the given overall status.
func (s *Store) ListByStatus(ctx context.Context, status model.Status) ([]*model.QueuedMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT queue_id, sender, recipients, message_path, peer_ip, helo_name, auth_user,
			tls_active, status, created_at, next_retry_at, attempts, last_error, recipient_status
		FROM queue WHERE status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.QueuedMessage
	for rows.Next() {
		msg, err := scanMessageRows(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner, loadBody bool) (*model.QueuedMessage, error) {
	var (
		queueID, sender, recipientsJSON, messagePath, peerIP, heloName, authUser string
		tlsActive                                                                int
		status                                                                   string
		createdAt                                                                int64
		nextRetry                                                                sql.NullInt64
		attempts                                                                 int
		lastError, recipientStatusJSON                                          string
	)
	err := row.Scan(&queueID, &sender, &recipientsJSON, &messagePath, &peerIP, &heloName,
		&authUser, &tlsActive, &status, &createdAt, &nextRetry, &attempts, &lastError, &recipientStatusJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return buildMessage(queueID, sender, recipientsJSON, messagePath, peerIP, heloName, authUser,
		tlsActive, status, createdAt, nextRetry, attempts, lastError, recipientStatusJSON, loadBody)
}

func scanMessageRows(rows *sql.Rows, loadBody bool) (*model.QueuedMessage, error) {
	return scanMessage(rows, loadBody)
}

func buildMessage(queueID, sender, recipientsJSON, messagePath, peerIP, heloName, authUser string,
	tlsActive int, status string, createdAt int64, nextRetry sql.NullInt64, attempts int,
	lastError, recipientStatusJSON string, loadBody bool) (*model.QueuedMessage, error) {

	var recipients []string
	if err := json.Unmarshal([]byte(recipientsJSON), &recipients); err != nil {
		return nil, err
	}
	recipientStatus, err := unmarshalRecipientStatus(recipientStatusJSON)
	if err != nil {
		return nil, err
	}

	msg := &model.QueuedMessage{
		QueueID: queueID,
		Envelope: model.Envelope{
			Sender:     sender,
			Recipients: recipients,
			Session: model.SessionInfo{
				PeerIP:            peerIP,
				HeloName:          heloName,
				AuthenticatedUser: authUser,
				TLSActive:         tlsActive != 0,
			},
		},
		Status:          model.Status(status),
		CreatedAt:       time.Unix(createdAt, 0).UTC(),
		Attempts:        attempts,
		LastError:       lastError,
		RecipientStatus: recipientStatus,
	}
	if nextRetry.Valid {
		t := time.Unix(nextRetry.Int64, 0).UTC()
		msg.NextRetryAt = &t
	}
	if loadBody {
		data, err := os.ReadFile(messagePath)
		if err != nil {
			return nil, fmt.Errorf("queuestore: read blob: %w", err)
		}
		msg.Envelope.MessageData = data
	}
	return msg, nil
}

type jsonRecipientState struct {
	State         string `json:"state"`
	Attempts      int    `json:"attempts"`
	LastAttemptAt int64  `json:"last_attempt_at,omitempty"`
	SMTPCode      int    `json:"smtp_code,omitempty"`
	SMTPMessage   string `json:"smtp_message,omitempty"`
	MXHost        string `json:"mx_host,omitempty"`
	DeliveredAt   int64  `json:"delivered_at,omitempty"`
}

func marshalRecipientStatus(m map[string]model.RecipientState) ([]byte, error) {
	out := make(map[string]jsonRecipientState, len(m))
	for k, v := range m {
		js := jsonRecipientState{
			State:       string(v.State),
			Attempts:    v.Attempts,
			SMTPCode:    v.SMTPCode,
			SMTPMessage: v.SMTPMessage,
			MXHost:      v.MXHost,
		}
		if !v.LastAttemptAt.IsZero() {
			js.LastAttemptAt = v.LastAttemptAt.Unix()
		}
		if !v.DeliveredAt.IsZero() {
			js.DeliveredAt = v.DeliveredAt.Unix()
		}
		out[k] = js
	}
	return json.Marshal(out)
}

func unmarshalRecipientStatus(s string) (map[string]model.RecipientState, error) {
	var raw map[string]jsonRecipientState
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, err
	}
	out := make(map[string]model.RecipientState, len(raw))
	for k, v := range raw {
		rs := model.RecipientState{
			State:       model.RecipientLifecycle(v.State),
			Attempts:    v.Attempts,
			SMTPCode:    v.SMTPCode,
			SMTPMessage: v.SMTPMessage,
			MXHost:      v.MXHost,
		}
		if v.LastAttemptAt > 0 {
			rs.LastAttemptAt = time.Unix(v.LastAttemptAt, 0).UTC()
		}
		if v.DeliveredAt > 0 {
			rs.DeliveredAt = time.Unix(v.DeliveredAt, 0).UTC()
		}
		out[k] = rs
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
