package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotOwner is returned when a token does not match the recorded owner
var ErrNotOwner = errors.New("device owned by another token")

// Ownership records which process holds a capture device
type Ownership struct {
	Device       string    `json:"device"`
	Token        string    `json:"token"`
	PID          int       `json:"pid"`
	PipelinePGID int       `json:"pipeline_pgid"`
	AcquiredAt   time.Time `json:"acquired_at"`
}

// ClaimOwnership records o as the owner of its device, replacing any
// previous record. The single-owner lock makes the previous record stale
// by the time a new claim is made.
func (m *Manager) ClaimOwnership(ctx context.Context, o Ownership) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o.AcquiredAt.IsZero() {
		o.AcquiredAt = time.Now()
	}

	query := `
		INSERT INTO ownership (device, token, pid, pipeline_pgid, acquired_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device) DO UPDATE SET
			token = excluded.token,
			pid = excluded.pid,
			pipeline_pgid = excluded.pipeline_pgid,
			acquired_at = excluded.acquired_at
	`
	_, err := m.db.GetDB().ExecContext(ctx, query, o.Device, o.Token, o.PID, o.PipelinePGID, o.AcquiredAt)
	if err != nil {
		return fmt.Errorf("failed to claim ownership: %w", err)
	}
	return nil
}

// SetPipelinePGID records the process group of the pipeline that holds
// the device for the given token.
func (m *Manager) SetPipelinePGID(ctx context.Context, device, token string, pgid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.db.GetDB().ExecContext(ctx,
		`UPDATE ownership SET pipeline_pgid = ? WHERE device = ? AND token = ?`,
		pgid, device, token,
	)
	if err != nil {
		return fmt.Errorf("failed to update pipeline pgid: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotOwner
	}
	return nil
}

// GetOwnership returns the owner record of device, or nil when there is none
func (m *Manager) GetOwnership(ctx context.Context, device string) (*Ownership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var o Ownership
	err := m.db.GetDB().QueryRowContext(ctx,
		`SELECT device, token, pid, pipeline_pgid, acquired_at FROM ownership WHERE device = ?`,
		device,
	).Scan(&o.Device, &o.Token, &o.PID, &o.PipelinePGID, &o.AcquiredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ownership: %w", err)
	}
	return &o, nil
}

// ListOwnerships returns every ownership record
func (m *Manager) ListOwnerships(ctx context.Context) ([]Ownership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, err := m.db.GetDB().QueryContext(ctx,
		`SELECT device, token, pid, pipeline_pgid, acquired_at FROM ownership ORDER BY acquired_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list ownership: %w", err)
	}
	defer rows.Close()

	out := make([]Ownership, 0)
	for rows.Next() {
		var o Ownership
		if err := rows.Scan(&o.Device, &o.Token, &o.PID, &o.PipelinePGID, &o.AcquiredAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ReleaseOwnership removes the record of device if it still belongs to
// token. Releasing an already released device is not an error.
func (m *Manager) ReleaseOwnership(ctx context.Context, device, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.db.GetDB().ExecContext(ctx,
		`DELETE FROM ownership WHERE device = ? AND token = ?`, device, token)
	if err != nil {
		return fmt.Errorf("failed to release ownership: %w", err)
	}
	return nil
}

// ClearOwnership removes the record of device regardless of token
func (m *Manager) ClearOwnership(ctx context.Context, device string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.db.GetDB().ExecContext(ctx, `DELETE FROM ownership WHERE device = ?`, device); err != nil {
		return fmt.Errorf("failed to clear ownership: %w", err)
	}
	return nil
}
