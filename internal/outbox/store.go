// Package outbox persists newsletter submissions captured while offline so the
// background sync handler can deliver them later. Entries are removed only
// after a delivery attempt reaches a final answer; delivery is at-least-once.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// 定宽格式保证按字符串排序即按时间排序。
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotFound 表示指定 ID 的待同步条目不存在。
var ErrNotFound = errors.New("outbox entry not found")

// Submission 是一条待同步的订阅请求。
type Submission struct {
	ID          string    `json:"id"`
	Tag         string    `json:"tag"`
	Email       string    `json:"email"`
	CreatedAt   time.Time `json:"created_at"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
}

const schema = `
CREATE TABLE IF NOT EXISTS submissions (
	id           TEXT PRIMARY KEY,
	tag          TEXT NOT NULL,
	email        TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	last_attempt TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_submissions_tag_created ON submissions(tag, created_at);
`

// Store 是基于 SQLite 的待同步队列。
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open 打开（必要时创建）path 指向的数据库文件。
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("outbox path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create outbox dir: %w", err)
	}

	dsn := cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单连接避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply outbox schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close 关闭底层数据库。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Add 追加一条待同步记录，返回带 ID 的副本。
func (s *Store) Add(ctx context.Context, tag, email string) (Submission, error) {
	tag = strings.TrimSpace(tag)
	email = strings.TrimSpace(email)
	if tag == "" {
		return Submission{}, fmt.Errorf("tag is required")
	}
	if email == "" {
		return Submission{}, fmt.Errorf("email is required")
	}

	sub := Submission{
		ID:        uuid.NewString(),
		Tag:       tag,
		Email:     email,
		CreatedAt: s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions (id, tag, email, created_at) VALUES (?, ?, ?, ?)`,
		sub.ID, sub.Tag, sub.Email, sub.CreatedAt.Format(timeFormat),
	)
	if err != nil {
		return Submission{}, fmt.Errorf("insert submission: %w", err)
	}
	return sub, nil
}

// Pending 按创建顺序返回 tag 下的全部待同步记录；tag 为空时返回所有记录。
func (s *Store) Pending(ctx context.Context, tag string) ([]Submission, error) {
	query := `SELECT id, tag, email, created_at, attempts, last_error, last_attempt FROM submissions`
	var args []any
	if tag != "" {
		query += ` WHERE tag = ?`
		args = append(args, tag)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var result []Submission
	for rows.Next() {
		var sub Submission
		var createdAt, lastError, lastAttempt string
		if err := rows.Scan(&sub.ID, &sub.Tag, &sub.Email, &createdAt, &sub.Attempts, &lastError, &lastAttempt); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		sub.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		if lastAttempt != "" {
			sub.LastAttempt, _ = time.Parse(timeFormat, lastAttempt)
		}
		sub.LastError = lastError
		result = append(result, sub)
	}
	return result, rows.Err()
}

// Remove 删除已送达的记录。
func (s *Store) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM submissions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete submission: %w", err)
	}
	return expectOneRow(res)
}

// MarkAttempt 记录一次失败的投递，记录保留到下次同步。
func (s *Store) MarkAttempt(ctx context.Context, id string, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET attempts = attempts + 1, last_error = ?, last_attempt = ? WHERE id = ?`,
		reason, s.now().UTC().Format(timeFormat), id,
	)
	if err != nil {
		return fmt.Errorf("update submission: %w", err)
	}
	return expectOneRow(res)
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
