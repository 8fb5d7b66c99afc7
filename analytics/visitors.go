package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/eringen/folio/database"
	"github.com/jmoiron/sqlx"
)

// SessionGap is the idle time after which a visitor's next hit starts a
// new session.
const SessionGap = 30 * time.Minute

// Touch is the outcome of recording a hit against a visitor.
type Touch struct {
	NewVisitor bool
	Session    int // 1-based session number for this visitor
}

// nextSession reports which session a hit at now belongs to, given the
// visitor's previous hit and session count.
func nextSession(lastSeen time.Time, sessions int, now time.Time) int {
	if sessions < 1 {
		return 1
	}
	if now.Sub(lastSeen) > SessionGap {
		return sessions + 1
	}
	return sessions
}

// TouchVisitor records a hit for fingerprint at now and reports whether the
// visitor is new and which session the hit belongs to.
func (s *Store) TouchVisitor(ctx context.Context, fingerprint string, now time.Time) (Touch, error) {
	ts := database.Timestamp(now)
	var out Touch
	err := database.Tx(ctx, s.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO visitors (fingerprint, first_seen, last_seen, sessions, visits)
			VALUES (?, ?, ?, 1, 1)
			ON CONFLICT (fingerprint) DO NOTHING`), fingerprint, ts, ts)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			out = Touch{NewVisitor: true, Session: 1}
			return nil
		}

		var row struct {
			LastSeen string `db:"last_seen"`
			Sessions int    `db:"sessions"`
		}
		err = tx.GetContext(ctx, &row, tx.Rebind(`SELECT last_seen, sessions FROM visitors WHERE fingerprint = ?`), fingerprint)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("visitor %s vanished", fingerprint)
		}
		if err != nil {
			return err
		}
		out.Session = nextSession(database.ParseTimestamp(row.LastSeen), row.Sessions, now)
		// last_seen only moves forward so out-of-order beacons can't reopen a session.
		last := row.LastSeen
		if ts > last {
			last = ts
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE visitors SET last_seen = ?, sessions = ?, visits = visits + 1
			WHERE fingerprint = ?`), last, out.Session, fingerprint)
		return err
	})
	if err != nil {
		return Touch{}, fmt.Errorf("touch visitor: %w", err)
	}
	return out, nil
}
