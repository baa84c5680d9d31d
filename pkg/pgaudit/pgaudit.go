// Package pgaudit persists audit events to PostgreSQL.
package pgaudit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/weberc2/mfs/pkg/security"
	. "github.com/weberc2/mfs/pkg/types"
)

const DuplicateEventErr ConstError = "duplicate audit event"

// Sink is a `security.Sink` writing to the `mfs_audit` table.
type Sink sql.DB

var _ security.Sink = (*Sink)(nil)

// OpenEnv connects using the PG_* environment variables and pings the
// database.
func OpenEnv() (*Sink, error) {
	db, err := sql.Open(
		"postgres",
		fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			getEnv("PG_HOST", "localhost"),
			getEnv("PG_PORT", "5432"),
			getEnv("PG_USER", "postgres"),
			getEnv("PG_PASS", ""),
			getEnv("PG_DB_NAME", "postgres"),
			getEnv("PG_SSL_MODE", "disable"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("opening postgres database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging postgres database: %w", err)
	}

	return (*Sink)(db), nil
}

func getEnv(env, def string) string {
	x := os.Getenv(env)
	if x == "" {
		return def
	}
	return x
}

func (sink *Sink) Close() error { return (*sql.DB)(sink).Close() }

func (sink *Sink) EnsureTable() error {
	if _, err := (*sql.DB)(sink).Exec(
		"CREATE TABLE IF NOT EXISTS mfs_audit (" +
			"id UUID NOT NULL PRIMARY KEY, " +
			"uid INTEGER NOT NULL, " +
			"gid INTEGER NOT NULL, " +
			"ino BIGINT NOT NULL, " +
			"audit_id BIGINT NOT NULL, " +
			"op VARCHAR(32) NOT NULL, " +
			"allowed BOOLEAN NOT NULL, " +
			"time TIMESTAMPTZ NOT NULL)",
	); err != nil {
		return fmt.Errorf("creating `mfs_audit` postgres table: %w", err)
	}
	return nil
}

func (sink *Sink) DropTable() error {
	if _, err := (*sql.DB)(sink).Exec(
		"DROP TABLE IF EXISTS mfs_audit",
	); err != nil {
		return fmt.Errorf("dropping table `mfs_audit`: %w", err)
	}
	return nil
}

func (sink *Sink) ClearTable() error {
	if _, err := (*sql.DB)(sink).Exec("DELETE FROM mfs_audit"); err != nil {
		return fmt.Errorf("clearing `mfs_audit` postgres table: %w", err)
	}
	return nil
}

func (sink *Sink) ResetTable() error {
	if err := sink.DropTable(); err != nil {
		return err
	}
	return sink.EnsureTable()
}

func (sink *Sink) Audit(ctx context.Context, event *security.Event) error {
	if _, err := (*sql.DB)(sink).ExecContext(
		ctx,
		"INSERT INTO mfs_audit "+
			"(id, uid, gid, ino, audit_id, op, allowed, time) "+
			"VALUES($1, $2, $3, $4, $5, $6, $7, $8)",
		event.ID.String(),
		int64(event.UID),
		int64(event.GID),
		int64(event.Ino),
		int64(event.AuditID),
		event.Op.String(),
		event.Allowed,
		event.Time,
	); err != nil {
		const errUniqueViolation = "23505"
		if err, ok := err.(*pq.Error); ok && err.Code == errUniqueViolation {
			return fmt.Errorf("inserting event `%s`: %w", event.ID, DuplicateEventErr)
		}
		return fmt.Errorf("inserting audit event into postgres: %w", err)
	}
	return nil
}

// Record is a stored audit event.
type Record struct {
	ID      uuid.UUID
	UID     uint16
	GID     uint16
	Ino     Ino
	AuditID uint64
	Op      string
	Allowed bool
	Time    time.Time
}

// List returns the events recorded since `since`, oldest first.
func (sink *Sink) List(ctx context.Context, since time.Time) ([]Record, error) {
	records := []Record{}
	rows, err := (*sql.DB)(sink).QueryContext(
		ctx,
		"SELECT id, uid, gid, ino, audit_id, op, allowed, time "+
			"FROM mfs_audit WHERE time >= $1 ORDER BY time, id",
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit events from postgres: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			record       Record
			id           string
			uid, gid     int64
			ino, auditID int64
		)
		if err := rows.Scan(
			&id,
			&uid,
			&gid,
			&ino,
			&auditID,
			&record.Op,
			&record.Allowed,
			&record.Time,
		); err != nil {
			return nil, fmt.Errorf("querying audit events from postgres: %w", err)
		}
		if record.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parsing audit event id `%s`: %w", id, err)
		}
		record.UID, record.GID = uint16(uid), uint16(gid)
		record.Ino, record.AuditID = Ino(ino), uint64(auditID)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying audit events from postgres: %w", err)
	}
	return records, nil
}
