package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Acquisition is the persisted history of one capture session
type Acquisition struct {
	ID                string     `json:"id"`
	Device            string     `json:"device"`
	AudioDevice       string     `json:"audio_device,omitempty"`
	Token             string     `json:"-"`
	PID               int        `json:"pid"`
	DiscoveryAttempts int        `json:"discovery_attempts"`
	Recoveries        int        `json:"recoveries"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	EndReason         string     `json:"end_reason,omitempty"`
}

// ConsumerRecord is the persisted history of one consumer attachment
type ConsumerRecord struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Kind       string     `json:"kind"`
	Label      string     `json:"label,omitempty"`
	AttachedAt time.Time  `json:"attached_at"`
	DetachedAt *time.Time `json:"detached_at,omitempty"`
	Dropped    int64      `json:"dropped"`
}

// RecordAcquisition stores the start of a capture session
func (m *Manager) RecordAcquisition(ctx context.Context, a Acquisition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now()
	}

	query := `
		INSERT INTO acquisitions (id, device, audio_device, token, pid, discovery_attempts, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := m.db.GetDB().ExecContext(ctx, query,
		a.ID, a.Device, a.AudioDevice, a.Token, a.PID, a.DiscoveryAttempts, a.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record acquisition: %w", err)
	}
	return nil
}

// IncrementRecoveries counts one successful recovery of the session
func (m *Manager) IncrementRecoveries(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.db.GetDB().ExecContext(ctx,
		`UPDATE acquisitions SET recoveries = recoveries + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to update recoveries: %w", err)
	}
	return nil
}

// EndAcquisition closes the session and every consumer still attached to it
func (m *Manager) EndAcquisition(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	tx, err := m.db.GetDB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE acquisitions SET ended_at = ?, end_reason = ? WHERE id = ? AND ended_at IS NULL`,
		now, reason, id,
	); err != nil {
		return fmt.Errorf("failed to end acquisition: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE consumers SET detached_at = ? WHERE session_id = ? AND detached_at IS NULL`,
		now, id,
	); err != nil {
		return fmt.Errorf("failed to detach consumers: %w", err)
	}

	return tx.Commit()
}

// CloseStaleAcquisitions ends every session left open by a previous run
// and returns how many were closed.
func (m *Manager) CloseStaleAcquisitions(ctx context.Context, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	res, err := m.db.GetDB().ExecContext(ctx,
		`UPDATE acquisitions SET ended_at = ?, end_reason = ? WHERE ended_at IS NULL`, now, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to close stale acquisitions: %w", err)
	}
	if _, err := m.db.GetDB().ExecContext(ctx,
		`UPDATE consumers SET detached_at = ? WHERE detached_at IS NULL`, now); err != nil {
		return 0, fmt.Errorf("failed to close stale consumers: %w", err)
	}
	return res.RowsAffected()
}

// GetAcquisition returns one session, or nil when it does not exist
func (m *Manager) GetAcquisition(ctx context.Context, id string) (*Acquisition, error) {
	list, err := m.listAcquisitions(ctx, `WHERE id = ?`, 1, id)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

// ListAcquisitions returns the most recent sessions first
func (m *Manager) ListAcquisitions(ctx context.Context, limit int) ([]Acquisition, error) {
	return m.listAcquisitions(ctx, "", limit)
}

func (m *Manager) listAcquisitions(ctx context.Context, where string, limit int, args ...interface{}) ([]Acquisition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, device, audio_device, token, pid, discovery_attempts, recoveries,
		       started_at, ended_at, end_reason
		FROM acquisitions ` + where + `
		ORDER BY started_at DESC
		LIMIT ?
	`
	args = append(args, limit)

	rows, err := m.db.GetDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list acquisitions: %w", err)
	}
	defer rows.Close()

	out := make([]Acquisition, 0)
	for rows.Next() {
		var a Acquisition
		var audio, reason sql.NullString
		var ended sql.NullTime
		if err := rows.Scan(
			&a.ID, &a.Device, &audio, &a.Token, &a.PID, &a.DiscoveryAttempts, &a.Recoveries,
			&a.StartedAt, &ended, &reason,
		); err != nil {
			return nil, err
		}
		a.AudioDevice = audio.String
		a.EndReason = reason.String
		if ended.Valid {
			a.EndedAt = &ended.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecordConsumerAttached stores a new consumer of a session
func (m *Manager) RecordConsumerAttached(ctx context.Context, c ConsumerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.AttachedAt.IsZero() {
		c.AttachedAt = time.Now()
	}
	_, err := m.db.GetDB().ExecContext(ctx,
		`INSERT INTO consumers (id, session_id, kind, label, attached_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, c.Kind, c.Label, c.AttachedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record consumer: %w", err)
	}
	return nil
}

// RecordConsumerDetached marks a consumer as gone with its drop count
func (m *Manager) RecordConsumerDetached(ctx context.Context, id string, dropped int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.db.GetDB().ExecContext(ctx,
		`UPDATE consumers SET detached_at = ?, dropped = ? WHERE id = ? AND detached_at IS NULL`,
		time.Now(), dropped, id,
	)
	if err != nil {
		return fmt.Errorf("failed to record consumer detach: %w", err)
	}
	return nil
}

// ListConsumers returns the consumers of a session in attach order
func (m *Manager) ListConsumers(ctx context.Context, sessionID string, activeOnly bool) ([]ConsumerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	query := `SELECT id, session_id, kind, label, attached_at, detached_at, dropped FROM consumers WHERE session_id = ?`
	if activeOnly {
		query += ` AND detached_at IS NULL`
	}
	query += ` ORDER BY attached_at`

	rows, err := m.db.GetDB().QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list consumers: %w", err)
	}
	defer rows.Close()

	out := make([]ConsumerRecord, 0)
	for rows.Next() {
		var c ConsumerRecord
		var label sql.NullString
		var detached sql.NullTime
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Kind, &label, &c.AttachedAt, &detached, &c.Dropped); err != nil {
			return nil, err
		}
		c.Label = label.String
		if detached.Valid {
			c.DetachedAt = &detached.Time
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
