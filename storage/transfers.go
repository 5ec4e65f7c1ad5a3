package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Transfer directions.
const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

// Transfer statuses.
const (
	StatusStarted  = "started"
	StatusComplete = "complete"
	StatusFailed   = "failed"
	StatusCorrupt  = "corrupt"
)

// Transfer is one row of transfer history.
type Transfer struct {
	FileID     string
	Direction  string
	PeerAddr   string
	Filename   string
	Filesize   int64
	Checksum   string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time // zero until the transfer reaches a terminal status
}

// RecordTransfer inserts (or refreshes) the history row for a transfer.
// Re-recording the same file ID resets the row, which covers a sender
// retrying an interrupted transfer under the same ID.
func (s *Store) RecordTransfer(t Transfer) error {
	if t.FileID == "" {
		return errors.New("record transfer: empty file id")
	}
	status := t.Status
	if status == "" {
		status = StatusStarted
	}
	startedAt := t.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	_, err := s.db.Exec(`
INSERT INTO transfers (file_id, direction, peer_addr, filename, filesize, checksum, status, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
ON CONFLICT(file_id) DO UPDATE SET
  direction   = excluded.direction,
  peer_addr   = excluded.peer_addr,
  filename    = excluded.filename,
  filesize    = excluded.filesize,
  checksum    = excluded.checksum,
  status      = excluded.status,
  started_at  = excluded.started_at,
  finished_at = NULL;
`, t.FileID, t.Direction, t.PeerAddr, t.Filename, t.Filesize, t.Checksum, status, startedAt.Unix())
	if err != nil {
		return fmt.Errorf("record transfer %s: %w", t.FileID, err)
	}
	return nil
}

// UpdateTransferStatus moves a transfer to a new status. Terminal statuses
// also stamp the finish time.
func (s *Store) UpdateTransferStatus(fileID, status string) error {
	var finishedAt any
	switch status {
	case StatusComplete, StatusFailed, StatusCorrupt:
		finishedAt = time.Now().Unix()
	case StatusStarted:
		finishedAt = nil
	default:
		return fmt.Errorf("update transfer %s: unknown status %q", fileID, status)
	}

	result, err := s.db.Exec(
		`UPDATE transfers SET status = ?, finished_at = ? WHERE file_id = ?;`,
		status, finishedAt, fileID,
	)
	if err != nil {
		return fmt.Errorf("update transfer %s: %w", fileID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update transfer %s: %w", fileID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTransferByID fetches one history row.
func (s *Store) GetTransferByID(fileID string) (Transfer, error) {
	row := s.db.QueryRow(`
SELECT file_id, direction, peer_addr, filename, filesize, checksum, status, started_at, finished_at
FROM transfers WHERE file_id = ?;
`, fileID)

	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Transfer{}, ErrNotFound
	}
	if err != nil {
		return Transfer{}, fmt.Errorf("get transfer %s: %w", fileID, err)
	}
	return t, nil
}

// ListTransfers returns history rows, newest first. An empty direction
// lists both directions.
func (s *Store) ListTransfers(direction string) ([]Transfer, error) {
	query := `
SELECT file_id, direction, peer_addr, filename, filesize, checksum, status, started_at, finished_at
FROM transfers`
	var args []any
	if direction != "" {
		query += ` WHERE direction = ?`
		args = append(args, direction)
	}
	query += ` ORDER BY started_at DESC, file_id;`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var transfers []Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("list transfers: %w", err)
		}
		transfers = append(transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	return transfers, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (Transfer, error) {
	var (
		t          Transfer
		startedAt  int64
		finishedAt sql.NullInt64
	)
	err := row.Scan(
		&t.FileID, &t.Direction, &t.PeerAddr, &t.Filename,
		&t.Filesize, &t.Checksum, &t.Status, &startedAt, &finishedAt,
	)
	if err != nil {
		return Transfer{}, err
	}
	t.StartedAt = time.Unix(startedAt, 0)
	if finishedAt.Valid {
		t.FinishedAt = time.Unix(finishedAt.Int64, 0)
	}
	return t, nil
}
