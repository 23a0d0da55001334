// Package memory implements the Memory Index: a SQLite-backed chunked store
// with an FTS5 virtual table (LIKE fallback when FTS5 is unavailable),
// mtime-gated file ingest, and scope+global retrieval.
package memory

import (
	"crypto/sha256"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	minChunkChars = 12
	maxChunkChars = 1000
	maxQueryTokens = 16
)

// Entry is one retrieved or stored memory record.
type Entry struct {
	ID         int64
	Scope      string
	SourceKind string
	SourceKey  string
	Content    string
	ContentHash string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Index is the process-wide, internally-synchronized Memory Index.
type Index struct {
	db        *sql.DB
	mu        sync.Mutex // serializes write-heavy ingest; reads use SQLite's own WAL concurrency
	ftsOK     bool
	tokenizer *regexp.Regexp
}

// Open opens (creating if necessary) the SQLite database at path, configures
// WAL journaling with a busy timeout for concurrent access, and attempts to
// create the FTS5 virtual table + sync triggers. If FTS5 is unavailable the
// index silently falls back to LIKE queries.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer, WAL lets readers through

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	idx := &Index{db: db, tokenizer: regexp.MustCompile(`[A-Za-z0-9]+`)}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) Close() error { return idx.db.Close() }

func (idx *Index) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memory_sources (
			scope TEXT NOT NULL,
			source TEXT NOT NULL,
			source_key TEXT NOT NULL,
			mtime_ns INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (scope, source, source_key)
		)`,
		`CREATE TABLE IF NOT EXISTS memory_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scope TEXT NOT NULL,
			source TEXT NOT NULL,
			source_key TEXT NOT NULL,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(scope, source, source_key, content_hash)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_entries_scope ON memory_entries(scope)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_entries_source ON memory_entries(scope, source, source_key)`,
	}
	for _, s := range stmts {
		if _, err := idx.db.Exec(s); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	if _, err := idx.db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS memory_entries_fts USING fts5(
		content, scope UNINDEXED, content='memory_entries', content_rowid='id'
	)`); err != nil {
		slog.Warn("memory.fts5_unavailable", "error", err)
		idx.ftsOK = false
		return nil
	}
	idx.ftsOK = true

	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS memory_entries_ai AFTER INSERT ON memory_entries BEGIN
			INSERT INTO memory_entries_fts(rowid, content, scope) VALUES (new.id, new.content, new.scope);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memory_entries_ad AFTER DELETE ON memory_entries BEGIN
			INSERT INTO memory_entries_fts(memory_entries_fts, rowid, content, scope) VALUES('delete', old.id, old.content, old.scope);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memory_entries_au AFTER UPDATE ON memory_entries BEGIN
			INSERT INTO memory_entries_fts(memory_entries_fts, rowid, content, scope) VALUES('delete', old.id, old.content, old.scope);
			INSERT INTO memory_entries_fts(rowid, content, scope) VALUES (new.id, new.content, new.scope);
		END`,
	}
	for _, t := range triggers {
		if _, err := idx.db.Exec(t); err != nil {
			slog.Warn("memory.fts5_trigger_failed", "error", err)
			idx.ftsOK = false
			break
		}
	}
	return nil
}

// Chunk splits text into paragraphs on blank lines, drops fragments shorter
// than minChunkChars, and caps each chunk at maxChunkChars.
func Chunk(text string) []string {
	paras := strings.Split(text, "\n\n")
	out := make([]string, 0, len(paras))
	for _, p := range paras {
		p = strings.TrimSpace(p)
		if len(p) < minChunkChars {
			continue
		}
		if len(p) > maxChunkChars {
			p = p[:maxChunkChars]
		}
		out = append(out, p)
	}
	return out
}

func hashContent(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h)
}

// IngestFileIfChanged chunks the file at path and (re)indexes it under
// (scope, "file", sourceKey) only if the file's mtime differs from the
// stored mtime_ns — a no-op otherwise (testable property: no writes when
// mtime is unchanged).
func (idx *Index) IngestFileIfChanged(scope, sourceKey, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	mtimeNs := info.ModTime().UnixNano()

	idx.mu.Lock()
	defer idx.mu.Unlock()

	var storedMtime int64
	err = idx.db.QueryRow(`SELECT mtime_ns FROM memory_sources WHERE scope=? AND source=? AND source_key=?`,
		scope, "file", sourceKey).Scan(&storedMtime)
	if err == nil && storedMtime == mtimeNs {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return idx.reingestLocked(scope, "file", sourceKey, mtimeNs, Chunk(string(data)))
}

// IngestText (re)indexes arbitrary content chunks under (scope, sourceKind,
// sourceKey) unconditionally — used for non-file sources that have no mtime.
func (idx *Index) IngestText(scope, sourceKind, sourceKey string, chunks []string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.reingestLocked(scope, sourceKind, sourceKey, time.Now().UnixNano(), chunks)
}

func (idx *Index) reingestLocked(scope, sourceKind, sourceKey string, mtimeNs int64, chunks []string) error {
	tx, err := idx.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM memory_entries WHERE scope=? AND source=? AND source_key=?`, scope, sourceKind, sourceKey); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	for _, c := range chunks {
		hash := hashContent(c)
		if _, err := tx.Exec(`INSERT OR IGNORE INTO memory_entries
			(scope, source, source_key, content, content_hash, created_at, updated_at) VALUES (?,?,?,?,?,?,?)`,
			scope, sourceKind, sourceKey, c, hash, now, now); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`INSERT INTO memory_sources (scope, source, source_key, mtime_ns, updated_at) VALUES (?,?,?,?,?)
		ON CONFLICT(scope, source, source_key) DO UPDATE SET mtime_ns=excluded.mtime_ns, updated_at=excluded.updated_at`,
		scope, sourceKind, sourceKey, mtimeNs, now); err != nil {
		return err
	}
	return tx.Commit()
}

// tokens extracts up to maxQueryTokens alphanumeric tokens of length >= 2.
func (idx *Index) tokens(query string) []string {
	raw := idx.tokenizer.FindAllString(query, -1)
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		if len(t) < 2 {
			continue
		}
		out = append(out, t)
		if len(out) >= maxQueryTokens {
			break
		}
	}
	return out
}

// Search returns up to limit entries in scope matching query_text. Ordered
// by bm25 rank on the FTS5 path; deterministic with respect to inputs.
func (idx *Index) Search(scope, queryText string, limit int) ([]Entry, error) {
	toks := idx.tokens(queryText)
	if len(toks) == 0 {
		return nil, nil
	}
	if idx.ftsOK {
		return idx.searchFTS(scope, toks, limit)
	}
	return idx.searchLike(scope, toks, limit)
}

func (idx *Index) searchFTS(scope string, toks []string, limit int) ([]Entry, error) {
	quoted := make([]string, len(toks))
	for i, t := range toks {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, ``) + `"`
	}
	matchQuery := strings.Join(quoted, " OR ")

	rows, err := idx.db.Query(`
		SELECT e.id, e.scope, e.source, e.source_key, e.content, e.content_hash, e.created_at, e.updated_at
		FROM memory_entries_fts f
		JOIN memory_entries e ON e.id = f.rowid
		WHERE f.content MATCH ? AND e.scope = ?
		ORDER BY bm25(f)
		LIMIT ?`, matchQuery, scope, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (idx *Index) searchLike(scope string, toks []string, limit int) ([]Entry, error) {
	var clauses []string
	args := []interface{}{scope}
	for _, t := range toks {
		clauses = append(clauses, "content LIKE ?")
		args = append(args, "%"+t+"%")
	}
	args = append(args, limit)

	q := fmt.Sprintf(`SELECT id, scope, source, source_key, content, content_hash, created_at, updated_at
		FROM memory_entries WHERE scope = ? AND (%s) ORDER BY updated_at DESC LIMIT ?`, strings.Join(clauses, " OR "))
	rows, err := idx.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var createdMs, updatedMs int64
		if err := rows.Scan(&e.ID, &e.Scope, &e.SourceKind, &e.SourceKey, &e.Content, &e.ContentHash, &createdMs, &updatedMs); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(createdMs)
		e.UpdatedAt = time.UnixMilli(updatedMs)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SearchGlobalAndScope queries both the "global" scope and the given active
// scope, de-duplicating by content. See DESIGN.md Open Question (c).
func (idx *Index) SearchGlobalAndScope(activeScope, queryText string, limit int) ([]Entry, error) {
	global, err := idx.Search("global", queryText, limit)
	if err != nil {
		return nil, err
	}
	if activeScope == "global" || activeScope == "" {
		return global, nil
	}
	scoped, err := idx.Search(activeScope, queryText, limit)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(global))
	out := make([]Entry, 0, len(global)+len(scoped))
	for _, e := range global {
		if seen[e.Content] {
			continue
		}
		seen[e.Content] = true
		out = append(out, e)
	}
	for _, e := range scoped {
		if seen[e.Content] {
			continue
		}
		seen[e.Content] = true
		out = append(out, e)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
