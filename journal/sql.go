package journal

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/korylprince/agentstream/invocation"
)

//Schema creates the journal tables
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS agent_sessions (
	id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
	client_id VARCHAR(255) NOT NULL,
	name VARCHAR(255) NOT NULL,
	remote_addr VARCHAR(255) NOT NULL,
	connected_at DATETIME(3) NOT NULL,
	closed_at DATETIME(3) NULL,
	reason VARCHAR(64) NULL,
	INDEX client_idx (client_id, connected_at)
);`,
	`CREATE TABLE IF NOT EXISTS invocations (
	session_id BIGINT NOT NULL,
	invocation_id VARCHAR(255) NOT NULL,
	name VARCHAR(255) NOT NULL,
	state VARCHAR(32) NOT NULL,
	chunked BOOLEAN NOT NULL,
	args JSON NULL,
	result TEXT NULL,
	error TEXT NULL,
	opened_at DATETIME(3) NOT NULL,
	completed_at DATETIME(3) NULL,
	resolved_at DATETIME(3) NULL,
	PRIMARY KEY (session_id, invocation_id)
);`,
}

//SQLStore is a Store backed by a database/sql database using MySQL syntax
type SQLStore struct {
	db *sql.DB
}

//Open opens the database with the given driver and DSN. mysql DSNs must set parseTime=true.
func Open(driver, dsn string) (*SQLStore, error) {
	if driver == "mysql" {
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, &Error{Description: "Could not parse DSN", Err: err}
		}
		if !cfg.ParseTime {
			return nil, &Error{Description: "Could not use DSN", Err: errors.New("mysql DSN must contain parseTime=true")}
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, &Error{Description: "Could not open database", Err: err}
	}
	return NewSQLStore(db), nil
}

//NewSQLStore returns a SQLStore using db
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

//Migrate creates missing tables
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &Error{Description: "Could not create table", Err: err}
		}
	}
	return nil
}

//OpenSession inserts rec and returns its ID
func (s *SQLStore) OpenSession(ctx context.Context, rec *SessionRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx, "INSERT INTO agent_sessions(client_id, name, remote_addr, connected_at) VALUES(?, ?, ?, ?);",
		rec.ClientID,
		rec.Name,
		rec.RemoteAddr,
		rec.ConnectedAt,
	)
	if err != nil {
		return 0, &Error{Description: "Could not insert session", Err: err}
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, &Error{Description: "Could not fetch session id", Err: err}
	}
	rec.ID = id
	return id, nil
}

//CloseSession marks the session closed and abandons its live invocations
func (s *SQLStore) CloseSession(ctx context.Context, id int64, closedAt time.Time, reason string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &Error{Description: "Could not begin transaction", Err: err}
	}
	defer func() {
		if err != nil {
			if rErr := tx.Rollback(); rErr != nil && rErr != sql.ErrTxDone {
				err = &Error{Description: "Could not rollback transaction", Err: rErr}
			}
		}
	}()

	if _, err = tx.ExecContext(ctx, "UPDATE agent_sessions SET closed_at=?, reason=? WHERE id=?;", closedAt, reason, id); err != nil {
		return &Error{Description: "Could not update session", Err: err}
	}

	if _, err = tx.ExecContext(ctx, "UPDATE invocations SET state=? WHERE session_id=? AND state IN (?, ?, ?);",
		invocation.StateAbandoned.String(),
		id,
		invocation.StateOpened.String(),
		invocation.StateAccumulating.String(),
		invocation.StateComplete.String(),
	); err != nil {
		return &Error{Description: "Could not abandon invocations", Err: err}
	}

	if err = tx.Commit(); err != nil {
		return &Error{Description: "Could not commit transaction", Err: err}
	}
	return nil
}

//RecordInvocation inserts or updates the invocation under the session with the given ID
func (s *SQLStore) RecordInvocation(ctx context.Context, sessionID int64, inv invocation.Invocation) error {
	var args, result, errText interface{}
	if len(inv.Args) > 0 {
		args = string(inv.Args)
	}
	if !inv.Result.IsZero() {
		data, err := inv.Result.MarshalJSON()
		if err != nil {
			return &Error{Description: "Could not marshal result", Err: err}
		}
		result = string(data)
	}
	if inv.Err != "" {
		errText = inv.Err
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO invocations(session_id, invocation_id, name, state, chunked, args, result, error, opened_at, completed_at, resolved_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE name=VALUES(name), state=VALUES(state), args=VALUES(args), result=VALUES(result), error=VALUES(error), completed_at=VALUES(completed_at), resolved_at=VALUES(resolved_at);`,
		sessionID,
		inv.ID,
		inv.Name,
		inv.State.String(),
		inv.Chunked,
		args,
		result,
		errText,
		inv.OpenedAt,
		nullTime(inv.CompletedAt),
		nullTime(inv.ResolvedAt),
	)
	if err != nil {
		return &Error{Description: "Could not record invocation", Err: err}
	}
	return nil
}

//ReadSessions returns the most recent sessions for clientID, newest first
func (s *SQLStore) ReadSessions(ctx context.Context, clientID string, limit int) ([]*SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT s.id, s.client_id, s.name, s.remote_addr, s.connected_at, s.closed_at, s.reason, COUNT(i.invocation_id)
FROM agent_sessions AS s LEFT JOIN invocations AS i ON i.session_id = s.id
WHERE s.client_id=? GROUP BY s.id ORDER BY s.connected_at DESC LIMIT ?;`, clientID, limit)
	if err != nil {
		return nil, &Error{Description: "Could not query sessions", Err: err}
	}
	defer rows.Close()

	var records []*SessionRecord
	for rows.Next() {
		rec := new(SessionRecord)
		var closedAt sql.NullTime
		var reason sql.NullString
		if err := rows.Scan(&(rec.ID), &(rec.ClientID), &(rec.Name), &(rec.RemoteAddr), &(rec.ConnectedAt), &closedAt, &reason, &(rec.Invocations)); err != nil {
			return nil, &Error{Description: "Could not scan session", Err: err}
		}
		if closedAt.Valid {
			t := closedAt.Time
			rec.ClosedAt = &t
		}
		rec.Reason = reason.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Description: "Could not read sessions", Err: err}
	}
	return records, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
