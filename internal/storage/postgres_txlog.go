package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/av-fleet/internal/models"
)

// PostgresTxLog stores one row per transaction. State transitions are
// guarded inside a SELECT ... FOR UPDATE so a replayed append can never
// regress a terminal record. The coordinator blocks on Append returning,
// which gives the write-ahead ordering the protocol depends on.
type PostgresTxLog struct {
	db *sql.DB
}

func NewPostgresTxLog(dsn string) (*PostgresTxLog, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &PostgresTxLog{db: db}, nil
}

func (l *PostgresTxLog) Close() error { return l.db.Close() }

func (l *PostgresTxLog) Append(ctx context.Context, rec *models.TxRecord) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM transactions WHERE tx_id=$1 FOR UPDATE`, rec.TxID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := l.insert(ctx, tx, rec); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		if !models.TxState(current).CanAdvance(rec.State) {
			return fmt.Errorf("%w: %s -> %s", ErrStateConflict, current, rec.State)
		}
		if err := l.update(ctx, tx, rec); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (l *PostgresTxLog) insert(ctx context.Context, tx *sql.Tx, rec *models.TxRecord) error {
	snapshot, err := marshalSnapshot(rec.RideSnapshot)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO transactions(tx_id, ride_id, source, target, state,
			source_vote, target_vote, started_at, prepared_at, committed_at,
			aborted_at, error, ride_snapshot)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		rec.TxID, rec.RideID, rec.Source, rec.Target, string(rec.State),
		string(rec.SourceVote), string(rec.TargetVote), rec.StartedAt,
		rec.PreparedAt, rec.CommittedAt, rec.AbortedAt, rec.Error, snapshot)
	return err
}

func (l *PostgresTxLog) update(ctx context.Context, tx *sql.Tx, rec *models.TxRecord) error {
	snapshot, err := marshalSnapshot(rec.RideSnapshot)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE transactions SET state=$2, source_vote=$3, target_vote=$4,
			prepared_at=COALESCE($5, prepared_at),
			committed_at=COALESCE($6, committed_at),
			aborted_at=COALESCE($7, aborted_at),
			error=$8,
			ride_snapshot=COALESCE($9, ride_snapshot)
		 WHERE tx_id=$1`,
		rec.TxID, string(rec.State), string(rec.SourceVote), string(rec.TargetVote),
		rec.PreparedAt, rec.CommittedAt, rec.AbortedAt, rec.Error, snapshot)
	return err
}

func (l *PostgresTxLog) Get(ctx context.Context, txID string) (*models.TxRecord, error) {
	row := l.db.QueryRowContext(ctx, txColumnsQuery+` WHERE tx_id=$1`, txID)
	return scanTxRecord(row)
}

func (l *PostgresTxLog) Scan(ctx context.Context, states ...models.TxState) ([]models.TxRecord, error) {
	q := txColumnsQuery
	var args []any
	if len(states) > 0 {
		placeholders := make([]string, 0, len(states))
		for _, s := range states {
			args = append(args, string(s))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		q += ` WHERE state IN (` + strings.Join(placeholders, ",") + `)`
	}
	q += ` ORDER BY started_at ASC`
	return l.query(ctx, q, args...)
}

func (l *PostgresTxLog) Recent(ctx context.Context, limit int) ([]models.TxRecord, error) {
	return l.query(ctx, txColumnsQuery+` ORDER BY started_at DESC LIMIT $1`, limit)
}

const txColumnsQuery = `SELECT tx_id, ride_id, source, target, state,
	source_vote, target_vote, started_at, prepared_at, committed_at,
	aborted_at, error, ride_snapshot FROM transactions`

func (l *PostgresTxLog) query(ctx context.Context, q string, args ...any) ([]models.TxRecord, error) {
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	out := make([]models.TxRecord, 0)
	for rows.Next() {
		rec, err := scanTxRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanTxRecord(row rowScanner) (*models.TxRecord, error) {
	var rec models.TxRecord
	var state, sourceVote, targetVote string
	var preparedAt, committedAt, abortedAt sql.NullTime
	var snapshot []byte
	err := row.Scan(&rec.TxID, &rec.RideID, &rec.Source, &rec.Target, &state,
		&sourceVote, &targetVote, &rec.StartedAt, &preparedAt, &committedAt,
		&abortedAt, &rec.Error, &snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.State = models.TxState(state)
	rec.SourceVote = models.Vote(sourceVote)
	rec.TargetVote = models.Vote(targetVote)
	rec.PreparedAt = nullTimePtr(preparedAt)
	rec.CommittedAt = nullTimePtr(committedAt)
	rec.AbortedAt = nullTimePtr(abortedAt)
	if len(snapshot) > 0 {
		var ride models.Ride
		if err := json.Unmarshal(snapshot, &ride); err != nil {
			return nil, fmt.Errorf("corrupt ride snapshot for %s: %w", rec.TxID, err)
		}
		rec.RideSnapshot = &ride
	}
	return &rec, nil
}

func marshalSnapshot(r *models.Ride) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	return json.Marshal(r)
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
