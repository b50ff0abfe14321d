package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DB wraps *sql.DB with domain helpers. It persists the node registry
// and received text messages so a restarted client starts with a warm
// view of the mesh.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the SQLite file at path with WAL journal mode
// and applies the schema.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// Limit writer concurrency to 1; SQLite WAL allows concurrent readers.
	raw.SetMaxOpenConns(1)

	db := &DB{raw}
	if err := db.migrate(); err != nil {
		raw.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrate() error {
	for _, stmt := range []string{ddlNodes, ddlMessages} {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// UpsertNode writes a node snapshot.
func (db *DB) UpsertNode(n *Node) error {
	_, err := db.Exec(`
		INSERT INTO nodes (num, node_id, long_name, short_name, hw_model,
		                   last_heard, lat, lon, alt, battery_level)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(num) DO UPDATE
		  SET node_id       = excluded.node_id,
		      long_name     = excluded.long_name,
		      short_name    = excluded.short_name,
		      hw_model      = excluded.hw_model,
		      last_heard    = excluded.last_heard,
		      lat           = excluded.lat,
		      lon           = excluded.lon,
		      alt           = excluded.alt,
		      battery_level = excluded.battery_level`,
		n.Num, n.ID, n.LongName, n.ShortName, n.HwModel,
		n.LastHeard.Unix(), n.Lat, n.Lon, n.Alt, n.BatteryLevel,
	)
	return err
}

// LoadNodes reads the whole node table.
func (db *DB) LoadNodes() ([]*Node, error) {
	rows, err := db.Query(`
		SELECT num, node_id, long_name, short_name, hw_model,
		       last_heard, lat, lon, alt, battery_level
		FROM nodes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Node
	for rows.Next() {
		var (
			n         Node
			lastHeard int64
		)
		if err := rows.Scan(&n.Num, &n.ID, &n.LongName, &n.ShortName,
			&n.HwModel, &lastHeard, &n.Lat, &n.Lon, &n.Alt,
			&n.BatteryLevel); err != nil {
			return nil, err
		}
		if lastHeard > 0 {
			n.LastHeard = time.Unix(lastHeard, 0).UTC()
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// Message is a received or sent text message.
type Message struct {
	ID         int64
	PacketID   uint32
	FromNode   string
	ToNode     string
	Channel    uint32
	Text       string
	ReceivedAt time.Time
}

// InsertMessage persists a text message and returns its row id.
func (db *DB) InsertMessage(m *Message) (int64, error) {
	res, err := db.Exec(`
		INSERT INTO messages (packet_id, from_node, to_node, channel, body, received_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.PacketID, m.FromNode, m.ToNode, m.Channel, m.Text,
		m.ReceivedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert message: %w", err)
	}
	return res.LastInsertId()
}

// ListMessages returns the n most recent messages, newest first.
func (db *DB) ListMessages(n int) ([]*Message, error) {
	rows, err := db.Query(`
		SELECT id, packet_id, from_node, to_node, channel, body, received_at
		FROM messages ORDER BY received_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var (
			m  Message
			ts int64
		)
		if err := rows.Scan(&m.ID, &m.PacketID, &m.FromNode, &m.ToNode,
			&m.Channel, &m.Text, &ts); err != nil {
			return nil, err
		}
		m.ReceivedAt = time.UnixMilli(ts).UTC()
		out = append(out, &m)
	}
	return out, rows.Err()
}

// ── DDL statements ────────────────────────────────────────────────────────

const ddlNodes = `
CREATE TABLE IF NOT EXISTS nodes (
    num           INTEGER PRIMARY KEY,       -- numeric node id
    node_id       TEXT    NOT NULL,          -- "!hex" form
    long_name     TEXT    NOT NULL DEFAULT '',
    short_name    TEXT    NOT NULL DEFAULT '',
    hw_model      INTEGER NOT NULL DEFAULT 0,
    last_heard    INTEGER NOT NULL DEFAULT 0, -- Unix seconds
    lat           REAL    NOT NULL DEFAULT 0,
    lon           REAL    NOT NULL DEFAULT 0,
    alt           INTEGER NOT NULL DEFAULT 0,
    battery_level INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_nodes_node_id ON nodes (node_id);
`

const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    packet_id   INTEGER NOT NULL,
    from_node   TEXT    NOT NULL,
    to_node     TEXT    NOT NULL DEFAULT 'broadcast',
    channel     INTEGER NOT NULL DEFAULT 0,
    body        TEXT    NOT NULL,
    received_at INTEGER NOT NULL              -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_messages_received_at ON messages (received_at DESC);
`
