package dispatch

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// History persists command results and issued license tokens. Best-effort:
// the dispatcher keeps working when appends fail.
type History struct {
	db *sql.DB
}

// OpenHistory opens (and migrates) the history database at dsn.
func OpenHistory(dsn string) (*History, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	h := &History{db: db}
	if err := h.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

func (h *History) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS command_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			command_id TEXT NOT NULL,
			dn TEXT,
			cmd_type TEXT,
			status TEXT NOT NULL,
			error TEXT,
			body TEXT NOT NULL,
			issued_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_command_results_dn ON command_results(dn)`,
		`CREATE TABLE IF NOT EXISTS licenses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			token TEXT NOT NULL,
			device_code TEXT NOT NULL,
			tier TEXT NOT NULL,
			expiry TEXT NOT NULL,
			generated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := h.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate history: %w", err)
		}
	}
	return nil
}

func (h *History) Close() error { return h.db.Close() }

// Append records one command result envelope.
func (h *History) Append(res *Result, cmdType string) error {
	body, err := json.Marshal(res)
	if err != nil {
		return err
	}
	_, err = h.db.Exec(
		"INSERT INTO command_results (command_id, dn, cmd_type, status, error, body, issued_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		res.CommandID, res.DN, cmdType, res.Status, res.Error, string(body),
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// HistoryEntry is one stored result row.
type HistoryEntry struct {
	CommandID string          `json:"command_id"`
	DN        string          `json:"dn"`
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	Error     string          `json:"error,omitempty"`
	Body      json.RawMessage `json:"body"`
	IssuedAt  string          `json:"issued_at"`
}

// Recent returns the latest n results, newest first.
func (h *History) Recent(n int) ([]HistoryEntry, error) {
	rows, err := h.db.Query(
		"SELECT command_id, dn, cmd_type, status, COALESCE(error,''), body, issued_at FROM command_results ORDER BY id DESC LIMIT ?", n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// LatestFor returns the most recent result for dn, or nil.
func (h *History) LatestFor(dn string) (*HistoryEntry, error) {
	rows, err := h.db.Query(
		"SELECT command_id, dn, cmd_type, status, COALESCE(error,''), body, issued_at FROM command_results WHERE dn = ? ORDER BY id DESC LIMIT 1", dn)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

func scanEntries(rows *sql.Rows) ([]HistoryEntry, error) {
	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var body string
		if err := rows.Scan(&e.CommandID, &e.DN, &e.Type, &e.Status, &e.Error, &body, &e.IssuedAt); err != nil {
			return nil, err
		}
		e.Body = json.RawMessage(body)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LicenseEntry is one issued token.
type LicenseEntry struct {
	Token       string `json:"token"`
	DeviceCode  string `json:"device_code"`
	Tier        string `json:"tier"`
	Expiry      string `json:"expiry"`
	GeneratedAt string `json:"generated_at"`
}

// AppendLicense records a generated token.
func (h *History) AppendLicense(e LicenseEntry) error {
	_, err := h.db.Exec(
		"INSERT INTO licenses (token, device_code, tier, expiry, generated_at) VALUES (?, ?, ?, ?, ?)",
		e.Token, e.DeviceCode, e.Tier, e.Expiry, time.Now().UTC().Format(time.RFC3339))
	return err
}

// Licenses returns every issued token, newest first.
func (h *History) Licenses() ([]LicenseEntry, error) {
	rows, err := h.db.Query(
		"SELECT token, device_code, tier, expiry, generated_at FROM licenses ORDER BY id DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LicenseEntry
	for rows.Next() {
		var e LicenseEntry
		if err := rows.Scan(&e.Token, &e.DeviceCode, &e.Tier, &e.Expiry, &e.GeneratedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
