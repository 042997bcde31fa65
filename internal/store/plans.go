package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/formdbg/internal/ir"
	"github.com/roach88/formdbg/internal/recovery"
)

var _ recovery.Ledger = (*Store)(nil)

// PlanRecord is the persisted view of a recovery plan.
type PlanRecord struct {
	ID            string
	Status        recovery.Status
	Target        recovery.Target
	BaseSeq       uint64
	ResultSeq     uint64
	ParentSeq     *uint64
	PredictedRoot ir.Digest
	Digest        ir.Digest
	Summary       ir.Object // recovery.Plan.Summary at proposal time
	Reason        string
}

// PlanEvent is one status change in a plan's history.
type PlanEvent struct {
	Status recovery.Status
	Reason string
}

// Propose records a new plan in status Proposed. A plan identity that was
// ever proposed, whatever its current status, is refused with
// recovery.ErrPlanExists.
//
// Store implements recovery.Ledger.
func (s *Store) Propose(ctx context.Context, p *recovery.Plan) error {
	digest, err := p.Digest()
	if err != nil {
		return fmt.Errorf("propose %s: %w", p.ID, err)
	}
	summary, err := ir.MarshalCanonical(p.Summary())
	if err != nil {
		return fmt.Errorf("propose %s: marshal summary: %w", p.ID, err)
	}
	var parentSeq sql.NullInt64
	if p.Parent != nil {
		parentSeq = sql.NullInt64{Int64: int64(p.Parent.Seq), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("propose %s: begin tx: %w", p.ID, err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		INSERT INTO plans
		(id, status, target, base_seq, result_seq, parent_seq, predicted_root, digest, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID,
		string(recovery.StatusProposed),
		string(p.Target),
		p.BaseSeq,
		p.ResultSeq,
		parentSeq,
		p.PredictedRoot.String(),
		digest.String(),
		string(summary),
	)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("propose %s: %w", p.ID, recovery.ErrPlanExists)
		}
		return fmt.Errorf("propose %s: %w", p.ID, err)
	}
	if err := insertEvent(ctx, tx, p.ID, recovery.StatusProposed, ""); err != nil {
		return fmt.Errorf("propose %s: %w", p.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("propose %s: commit: %w", p.ID, err)
	}
	return nil
}

// Resolve moves a plan from Proposed to Verified or Rejected. Any other
// transition returns *recovery.InvalidTransition and changes nothing.
func (s *Store) Resolve(ctx context.Context, id string, to recovery.Status, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("resolve %s: begin tx: %w", id, err)
	}
	defer tx.Rollback() // No-op if committed

	var from string
	err = tx.QueryRowContext(ctx, `SELECT status FROM plans WHERE id = ?`, id).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("resolve %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("resolve %s: %w", id, err)
	}
	if recovery.Status(from) != recovery.StatusProposed || !to.Terminal() {
		return &recovery.InvalidTransition{PlanID: id, From: recovery.Status(from), To: to}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE plans SET status = ?, reason = ? WHERE id = ?
	`, string(to), reason, id); err != nil {
		return fmt.Errorf("resolve %s: %w", id, err)
	}
	if err := insertEvent(ctx, tx, id, to, reason); err != nil {
		return fmt.Errorf("resolve %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("resolve %s: commit: %w", id, err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, id string, status recovery.Status, reason string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO plan_events (plan_id, status, reason) VALUES (?, ?, ?)
	`, id, string(status), reason)
	if err != nil {
		return fmt.Errorf("insert plan event: %w", err)
	}
	return nil
}

const planColumns = `id, status, target, base_seq, result_seq, parent_seq, predicted_root, digest, summary, reason`

// Plan returns the stored plan with the given identity.
func (s *Store) Plan(ctx context.Context, id string) (PlanRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id)
	rec, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PlanRecord{}, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// Plans returns stored plans in proposal order. An empty status returns
// every plan.
func (s *Store) Plans(ctx context.Context, status recovery.Status) ([]PlanRecord, error) {
	query := `SELECT ` + planColumns + ` FROM plans`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	defer rows.Close()

	plans := []PlanRecord{}
	for rows.Next() {
		rec, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plans: %w", err)
	}
	return plans, nil
}

// PlanEvents returns the status history of a plan, oldest first.
func (s *Store) PlanEvents(ctx context.Context, id string) ([]PlanEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, reason FROM plan_events
		WHERE plan_id = ?
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query plan events: %w", err)
	}
	defer rows.Close()

	events := []PlanEvent{}
	for rows.Next() {
		var ev PlanEvent
		var status string
		if err := rows.Scan(&status, &ev.Reason); err != nil {
			return nil, fmt.Errorf("scan plan event: %w", err)
		}
		ev.Status = recovery.Status(status)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plan events: %w", err)
	}
	return events, nil
}

func scanPlan(r rowScanner) (PlanRecord, error) {
	var (
		rec                           PlanRecord
		status, target                string
		parent                        sql.NullInt64
		predicted, digest, summaryRaw string
	)
	err := r.Scan(&rec.ID, &status, &target, &rec.BaseSeq, &rec.ResultSeq, &parent,
		&predicted, &digest, &summaryRaw, &rec.Reason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan plan: %w", err)
	}
	rec.Status, rec.Target = recovery.Status(status), recovery.Target(target)
	if parent.Valid {
		seq := uint64(parent.Int64)
		rec.ParentSeq = &seq
	}
	if rec.PredictedRoot, err = unmarshalDigest("predicted_root", predicted); err != nil {
		return rec, fmt.Errorf("plan %s: %w", rec.ID, err)
	}
	if rec.Digest, err = unmarshalDigest("digest", digest); err != nil {
		return rec, fmt.Errorf("plan %s: %w", rec.ID, err)
	}
	summary, err := ir.DecodeJSON([]byte(summaryRaw))
	if err != nil {
		return rec, fmt.Errorf("plan %s: summary: %w", rec.ID, err)
	}
	obj, ok := summary.(ir.Object)
	if !ok {
		return rec, fmt.Errorf("plan %s: summary is %T, not an object", rec.ID, summary)
	}
	rec.Summary = obj
	return rec, nil
}
