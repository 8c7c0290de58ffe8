package store

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// Trajectory statuses.
const (
	StatusOpen     = "open"
	StatusClosed   = "closed"
	StatusArchived = "archived"
)

// Step is one recorded decision within a trajectory.
type Step struct {
	Route     string    `json:"route"`
	Embedding []float32 `json:"embedding,omitempty"`
	At        time.Time `json:"at"`
}

// Trajectory is an ordered record of steps closed with an outcome reward.
type Trajectory struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Reward    float64   `json:"reward"`
	Steps     []Step    `json:"steps"`
	CreatedAt time.Time `json:"createdAt"`
	ClosedAt  time.Time `json:"closedAt,omitzero"`
}

// encodeEmbedding converts a []float32 to a binary BLOB (4 bytes per float32).
func encodeEmbedding(vec []float32) []byte {
	if vec == nil {
		return nil
	}
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeEmbedding converts a binary BLOB back to []float32.
func decodeEmbedding(buf []byte) []float32 {
	if len(buf) == 0 {
		return nil
	}
	n := len(buf) / 4
	vec := make([]float32, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// CreateTrajectory inserts a new open trajectory.
func (db *DB) CreateTrajectory(t *Trajectory) error {
	_, err := db.Exec(`
		INSERT INTO trajectories (id, status, created_at) VALUES (?, 'open', ?)
	`, t.ID, t.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("create trajectory: %w", err)
	}
	return nil
}

// AppendStep records step number seq of an open trajectory.
func (db *DB) AppendStep(trajectoryID string, seq int, s Step) error {
	_, err := db.Exec(`
		INSERT INTO trajectory_steps (trajectory_id, seq, route, embedding, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, trajectoryID, seq, s.Route, encodeEmbedding(s.Embedding), s.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("append step: %w", err)
	}
	return nil
}

// CloseTrajectory sets the outcome reward of an open trajectory.
func (db *DB) CloseTrajectory(id string, reward float64, at time.Time) error {
	result, err := db.Exec(`
		UPDATE trajectories SET status = 'closed', reward = ?, closed_at = ?
		WHERE id = ? AND status = 'open'
	`, reward, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("close trajectory: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("no open trajectory found for %s", id)
	}
	return nil
}

// ArchiveTrajectories marks consumed trajectories archived, or deletes them
// when keep is false. All ids are handled in one transaction.
func (db *DB) ArchiveTrajectories(ids []string, keep bool, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin archive: %w", err)
	}
	for _, id := range ids {
		if keep {
			_, err = tx.Exec(`UPDATE trajectories SET status = 'archived', archived_at = ? WHERE id = ?`, at.UnixMilli(), id)
		} else {
			_, err = tx.Exec(`DELETE FROM trajectories WHERE id = ?`, id)
		}
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("archive trajectory %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive: %w", err)
	}
	return nil
}

// PendingTrajectories returns every open or closed trajectory with its steps,
// oldest first.
func (db *DB) PendingTrajectories() ([]Trajectory, error) {
	rows, err := db.Query(`
		SELECT id, status, COALESCE(reward, 0), created_at, closed_at
		FROM trajectories WHERE status IN ('open', 'closed')
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("pending trajectories: %w", err)
	}
	defer rows.Close()

	var out []Trajectory
	index := map[string]int{}
	for rows.Next() {
		var t Trajectory
		var created int64
		var closed sql.NullInt64
		if err := rows.Scan(&t.ID, &t.Status, &t.Reward, &created, &closed); err != nil {
			return nil, fmt.Errorf("scan trajectory: %w", err)
		}
		t.CreatedAt = time.UnixMilli(created)
		if closed.Valid {
			t.ClosedAt = time.UnixMilli(closed.Int64)
		}
		index[t.ID] = len(out)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}

	steps, err := db.Query(`
		SELECT s.trajectory_id, s.route, s.embedding, s.created_at
		FROM trajectory_steps s JOIN trajectories t ON t.id = s.trajectory_id
		WHERE t.status IN ('open', 'closed')
		ORDER BY s.trajectory_id, s.seq
	`)
	if err != nil {
		return nil, fmt.Errorf("pending steps: %w", err)
	}
	defer steps.Close()

	for steps.Next() {
		var id string
		var s Step
		var blob []byte
		var at int64
		if err := steps.Scan(&id, &s.Route, &blob, &at); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		s.Embedding = decodeEmbedding(blob)
		s.At = time.UnixMilli(at)
		if i, ok := index[id]; ok {
			out[i].Steps = append(out[i].Steps, s)
		}
	}
	return out, steps.Err()
}

// TrajectoryCounts returns the number of trajectories per status.
func (db *DB) TrajectoryCounts() (map[string]int, error) {
	rows, err := db.Query(`SELECT status, COUNT(*) FROM trajectories GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("trajectory counts: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan trajectory count: %w", err)
		}
		counts[strings.ToLower(status)] = n
	}
	return counts, rows.Err()
}
