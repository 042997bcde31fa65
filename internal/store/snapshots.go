package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/formdbg/internal/merkle"
)

// ErrNotFound is returned when a requested snapshot or plan does not exist.
var ErrNotFound = errors.New("not found")

// ErrSnapshotExists is returned when a snapshot sequence number or root
// hash is already stored.
var ErrSnapshotExists = errors.New("snapshot already stored")

// WriteSnapshot appends a sealed snapshot to the chain. The snapshot must
// extend the stored head: genesis (seq 0) on an empty store, head.Seq+1
// otherwise.
//
// The snapshot is stored as given. It is not verified here.
func (s *Store) WriteSnapshot(ctx context.Context, snap *merkle.Snapshot) error {
	stateJSON, err := marshalState(snap.State)
	if err != nil {
		return fmt.Errorf("write snapshot %s: %w", snap.ID(), err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write snapshot %s: begin tx: %w", snap.ID(), err)
	}
	defer tx.Rollback() // No-op if committed

	var head sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM snapshots`).Scan(&head); err != nil {
		return fmt.Errorf("write snapshot %s: read head: %w", snap.ID(), err)
	}
	want := uint64(0)
	if head.Valid {
		if snap.Seq <= uint64(head.Int64) {
			return fmt.Errorf("write snapshot %s: %w", snap.ID(), ErrSnapshotExists)
		}
		want = uint64(head.Int64) + 1
	}
	if snap.Seq != want {
		return fmt.Errorf("write snapshot %s: chain head expects seq %d", snap.ID(), want)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots
		(seq, scheme, journal_seq, parent_hash, content_root, root_hash, state)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		snap.Seq,
		snap.Scheme,
		snap.JournalSeq,
		marshalDigestPtr(snap.ParentHash),
		snap.ContentRoot.String(),
		snap.RootHash.String(),
		stateJSON,
	)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("write snapshot %s: %w", snap.ID(), ErrSnapshotExists)
		}
		return fmt.Errorf("write snapshot %s: %w", snap.ID(), err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write snapshot %s: commit: %w", snap.ID(), err)
	}
	return nil
}

// isConstraint reports whether err is a SQLite constraint violation.
func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

const snapshotColumns = `seq, scheme, journal_seq, parent_hash, content_root, root_hash, state`

// Snapshots returns the stored chain, oldest first.
// Returns an empty slice (not nil) for an empty store.
func (s *Store) Snapshots(ctx context.Context) ([]*merkle.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	snaps := []*merkle.Snapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snaps, nil
}

// Snapshot returns the snapshot with the given sequence number.
func (s *Store) Snapshot(ctx context.Context, seq uint64) (*merkle.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE seq = ?
	`, seq)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot S%d: %w", seq, ErrNotFound)
	}
	return snap, err
}

// Head returns the newest stored snapshot; ok is false for an empty store.
func (s *Store) Head(ctx context.Context) (snap *merkle.Snapshot, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		ORDER BY seq DESC
		LIMIT 1
	`)
	snap, err = scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return snap, true, nil
}

// PruneSnapshots deletes all but the newest keep snapshots and returns how
// many were removed. keep <= 0 keeps everything. The oldest retained
// snapshot becomes the anchor callers verify the rest of the chain from.
func (s *Store) PruneSnapshots(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE seq NOT IN (SELECT seq FROM snapshots ORDER BY seq DESC LIMIT ?)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(r rowScanner) (*merkle.Snapshot, error) {
	var (
		snap              merkle.Snapshot
		parent            sql.NullString
		content, root, st string
	)
	if err := r.Scan(&snap.Seq, &snap.Scheme, &snap.JournalSeq, &parent, &content, &root, &st); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}

	var err error
	if snap.ParentHash, err = unmarshalDigestPtr("parent_hash", parent); err != nil {
		return nil, fmt.Errorf("snapshot S%d: %w", snap.Seq, err)
	}
	if snap.ContentRoot, err = unmarshalDigest("content_root", content); err != nil {
		return nil, fmt.Errorf("snapshot S%d: %w", snap.Seq, err)
	}
	if snap.RootHash, err = unmarshalDigest("root_hash", root); err != nil {
		return nil, fmt.Errorf("snapshot S%d: %w", snap.Seq, err)
	}
	if snap.State, err = unmarshalState(st); err != nil {
		return nil, fmt.Errorf("snapshot S%d: %w", snap.Seq, err)
	}
	return &snap, nil
}

// Quarantine moves every snapshot with Seq >= fromSeq out of the chain
// into quarantined_snapshots and returns how many were moved. Nothing is
// deleted: quarantined rows stay available for inspection.
func (s *Store) Quarantine(ctx context.Context, fromSeq uint64, reason string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("quarantine from S%d: begin tx: %w", fromSeq, err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO quarantined_snapshots
		(seq, scheme, journal_seq, parent_hash, content_root, root_hash, state, reason)
		SELECT `+snapshotColumns+`, ?
		FROM snapshots
		WHERE seq >= ?
		ORDER BY seq ASC
	`, reason, fromSeq); err != nil {
		return 0, fmt.Errorf("quarantine from S%d: %w", fromSeq, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE seq >= ?`, fromSeq)
	if err != nil {
		return 0, fmt.Errorf("quarantine from S%d: %w", fromSeq, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("quarantine from S%d: %w", fromSeq, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("quarantine from S%d: commit: %w", fromSeq, err)
	}
	return n, nil
}

// Quarantined returns the sequence numbers of quarantined snapshots in the
// order they were moved.
func (s *Store) Quarantined(ctx context.Context) ([]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq FROM quarantined_snapshots ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query quarantined snapshots: %w", err)
	}
	defer rows.Close()

	seqs := []uint64{}
	for rows.Next() {
		var seq uint64
		if err := rows.Scan(&seq); err != nil {
			return nil, fmt.Errorf("scan quarantined snapshot: %w", err)
		}
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quarantined snapshots: %w", err)
	}
	return seqs, nil
}
