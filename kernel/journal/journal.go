// Package journal keeps a durable log of ring instance and client
// lifecycle events in SQLite, so a node can tell after a restart which
// instances it created and never deleted.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nmxmxh/dsplink/kernel/ringio"
	"github.com/nmxmxh/dsplink/kernel/sab"
	"github.com/nmxmxh/dsplink/kernel/utils"
)

var ErrClosed = errors.New("journal closed")

const schema = `
CREATE TABLE IF NOT EXISTS ring_events (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	at    INTEGER NOT NULL,
	kind  TEXT    NOT NULL,
	name  TEXT    NOT NULL,
	peer  INTEGER NOT NULL,
	proc  INTEGER NOT NULL,
	role  INTEGER
);
CREATE INDEX IF NOT EXISTS ring_events_name ON ring_events(name, id);
`

type Config struct {
	Path   string
	Logger *utils.Logger
}

func DefaultConfig() Config {
	return Config{Path: "ringio-journal.db"}
}

// Record is one stored event.
type Record struct {
	ID   int64
	At   time.Time
	Kind ringio.EventKind
	Name string
	Peer sab.ProcessorID
	Proc sab.ProcessorID
	// HasRole is false for instance events, which carry no client role.
	HasRole bool
	Role    ringio.Role
}

type Journal struct {
	db     *sql.DB
	insert *sql.Stmt
	logger *utils.Logger

	mu     sync.Mutex
	closed bool
}

func Open(cfg Config) (*Journal, error) {
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("journal")
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("journal: empty path")
	}
	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, utils.WrapError(err, "open journal")
	}
	// A :memory: database lives and dies with its connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, utils.WrapError(err, "create journal schema")
	}
	insert, err := db.Prepare(`INSERT INTO ring_events (at, kind, name, peer, proc, role) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, utils.WrapError(err, "prepare journal insert")
	}
	cfg.Logger.Info("journal opened", utils.String("path", cfg.Path))
	return &Journal{db: db, insert: insert, logger: cfg.Logger}, nil
}

// Record appends ev.
func (j *Journal) Record(ctx context.Context, ev ringio.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	var role sql.NullInt64
	if ev.Kind == ringio.EventOpen || ev.Kind == ringio.EventClose {
		role = sql.NullInt64{Int64: int64(ev.Role), Valid: true}
	}
	_, err := j.insert.ExecContext(ctx, at.UnixNano(), string(ev.Kind), ev.Name,
		int64(ev.Peer), int64(ev.Proc), role)
	if err != nil {
		return utils.WrapErrorf(err, "record %s %s", ev.Kind, ev.Name)
	}
	return nil
}

// Observe has the shape of ringio.Config.Observer. Failures are logged,
// never returned to the ring operation that produced the event.
func (j *Journal) Observe(ev ringio.Event) {
	if err := j.Record(context.Background(), ev); err != nil {
		j.logger.Warn("journal record failed",
			utils.String("kind", string(ev.Kind)),
			utils.String("name", ev.Name),
			utils.Err(err))
	}
}

// History returns the events for name, oldest first.
func (j *Journal) History(ctx context.Context, name string) ([]Record, error) {
	return j.query(ctx, `SELECT id, at, kind, name, peer, proc, role FROM ring_events WHERE name = ? ORDER BY id`, name)
}

// Recent returns the last limit events, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Record, error) {
	return j.query(ctx, `SELECT id, at, kind, name, peer, proc, role FROM ring_events ORDER BY id DESC LIMIT ?`, limit)
}

// Live lists instances created through this journal and not deleted since.
func (j *Journal) Live(ctx context.Context) ([]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, ErrClosed
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT e.name FROM ring_events e
		WHERE e.kind = 'create' AND e.id = (
			SELECT MAX(id) FROM ring_events
			WHERE name = e.name AND kind IN ('create', 'delete'))
		ORDER BY e.name`)
	if err != nil {
		return nil, utils.WrapError(err, "query live instances")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (j *Journal) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, ErrClosed
	}
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, utils.WrapError(err, "query journal")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r          Record
			at         int64
			kind       string
			peer, proc int64
			role       sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &at, &kind, &r.Name, &peer, &proc, &role); err != nil {
			return nil, err
		}
		r.At = time.Unix(0, at)
		r.Kind = ringio.EventKind(kind)
		r.Peer = sab.ProcessorID(peer)
		r.Proc = sab.ProcessorID(proc)
		if role.Valid {
			r.HasRole = true
			r.Role = ringio.Role(role.Int64)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return utils.CloseAll(j.insert, j.db)
}
