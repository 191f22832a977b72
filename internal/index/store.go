// Package index keeps a SQLite inverted index of fetched pages so callers can
// look documents up by keyword.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/egress-fetcher/internal/egress"
)

// Store is a SQLite-backed inverted index.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// Open opens or creates the index at path.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("index path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, logger: logger.Named("index"), now: func() time.Time { return time.Now().UTC() }}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close index: %w", err)
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT UNIQUE NOT NULL,
		title TEXT,
		content TEXT,
		last_crawl TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS keywords (
		keyword_id INTEGER PRIMARY KEY AUTOINCREMENT,
		word TEXT UNIQUE NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS inverted_index (
		keyword_id INTEGER,
		doc_id INTEGER,
		frequency INTEGER,
		positions TEXT,
		FOREIGN KEY (keyword_id) REFERENCES keywords (keyword_id),
		FOREIGN KEY (doc_id) REFERENCES documents (id),
		PRIMARY KEY (keyword_id, doc_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_url ON documents(url)`,
	`CREATE INDEX IF NOT EXISTS idx_word ON keywords(word)`,
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure index schema: %w", err)
		}
	}
	return nil
}

// IndexResponse stores the page fetched from rawURL and replaces its
// postings. It returns the document id.
func (s *Store) IndexResponse(ctx context.Context, rawURL string, resp egress.Response) (int64, error) {
	doc := Extract(resp)
	postings := Tokenize(doc.Content)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin index tx: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("index rollback failed", zap.Error(rbErr))
		}
	}()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO documents (url, title, content, last_crawl) VALUES (?, ?, ?, ?)
ON CONFLICT(url) DO UPDATE SET
	title = excluded.title,
	content = excluded.content,
	last_crawl = excluded.last_crawl`,
		rawURL, doc.Title, doc.Content, s.now(),
	); err != nil {
		return 0, fmt.Errorf("upsert document: %w", err)
	}

	var docID int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM documents WHERE url = ?`, rawURL).Scan(&docID); err != nil {
		return 0, fmt.Errorf("lookup document id: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM inverted_index WHERE doc_id = ?`, docID); err != nil {
		return 0, fmt.Errorf("clear postings: %w", err)
	}

	for word, positions := range postings {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO keywords (word) VALUES (?) ON CONFLICT(word) DO NOTHING`, word); err != nil {
			return 0, fmt.Errorf("insert keyword: %w", err)
		}
		var keywordID int64
		if err := tx.QueryRowContext(ctx,
			`SELECT keyword_id FROM keywords WHERE word = ?`, word).Scan(&keywordID); err != nil {
			return 0, fmt.Errorf("lookup keyword id: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO inverted_index (keyword_id, doc_id, frequency, positions) VALUES (?, ?, ?, ?)`,
			keywordID, docID, len(positions), joinPositions(positions),
		); err != nil {
			return 0, fmt.Errorf("insert posting: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit index tx: %w", err)
	}
	s.logger.Debug("document indexed",
		zap.String("url", rawURL),
		zap.Int64("doc_id", docID),
		zap.Int("keywords", len(postings)),
	)
	return docID, nil
}

// Hit is one document matching a keyword.
type Hit struct {
	DocID     int64  `json:"doc_id"`
	URL       string `json:"url"`
	Title     string `json:"title"`
	Frequency int    `json:"frequency"`
	Positions []int  `json:"positions"`
}

// Search returns the documents containing word, most frequent first.
func (s *Store) Search(ctx context.Context, word string) ([]Hit, error) {
	word = strings.ToLower(strings.TrimSpace(word))
	if word == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT d.id, d.url, COALESCE(d.title, ''), ii.frequency, COALESCE(ii.positions, '')
FROM keywords k
JOIN inverted_index ii ON ii.keyword_id = k.keyword_id
JOIN documents d ON d.id = ii.doc_id
WHERE k.word = ?
ORDER BY ii.frequency DESC, d.id ASC`, word)
	if err != nil {
		return nil, fmt.Errorf("query keyword: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []Hit
	for rows.Next() {
		var (
			h         Hit
			positions string
		)
		if err := rows.Scan(&h.DocID, &h.URL, &h.Title, &h.Frequency, &positions); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		h.Positions = splitPositions(positions)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hits: %w", err)
	}
	return hits, nil
}

func joinPositions(positions []int) string {
	parts := make([]string, len(positions))
	for i, p := range positions {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

func splitPositions(raw string) []int {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}
