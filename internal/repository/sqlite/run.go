package sqlite

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"
	"golang.org/x/crypto/blake2b"

	"github.com/sakif/codeflow/internal/apperror"
	"github.com/sakif/codeflow/internal/executor"
	"github.com/sakif/codeflow/internal/model"
	"github.com/sakif/codeflow/internal/repository"
)

var _ repository.RunRepository = (*DB)(nil)

const runColumns = `id, session_id, snippet_id, language, code, code_digest,
	stdout_zst, stderr_zst, exit_code, duration_ns, success, stage, truncated,
	error_kind, error_message, created_at`

// CodeDigest is the hex BLAKE2b-256 of code.
func CodeDigest(code string) string {
	sum := blake2b.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// CreateRun records run, assigning ID, digest and CreatedAt in place.
func (db *DB) CreateRun(ctx context.Context, run *model.Run) error {
	run.ID = xid.New().String()
	run.CodeDigest = CodeDigest(run.Code)
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.SessionID,
		run.SnippetID,
		string(run.Language),
		run.Code,
		run.CodeDigest,
		db.compress(run.Stdout),
		db.compress(run.Stderr),
		run.ExitCode,
		int64(run.Duration),
		run.Success,
		string(run.Stage),
		run.Truncated,
		run.ErrorKind,
		run.ErrorMessage,
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating run: %w", err)
	}
	return nil
}

func (db *DB) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := db.scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: getting run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns runs newest first, filtered by language and session when set.
func (db *DB) ListRuns(ctx context.Context, opts repository.RunListOptions) ([]model.Run, error) {
	limit, offset := pageBounds(opts.ListOptions)

	var where []string
	var args []any
	if opts.Language != "" {
		where = append(where, "language = ?")
		args = append(args, string(opts.Language))
	}
	if opts.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, opts.SessionID)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing runs: %w", err)
	}
	defer rows.Close()

	runs := make([]model.Run, 0, limit)
	for rows.Next() {
		run, err := db.scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning run row: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating runs: %w", err)
	}
	return runs, nil
}

func (db *DB) scanRun(row rowScanner) (*model.Run, error) {
	var (
		r                model.Run
		lang, stage      string
		stdoutZ, stderrZ []byte
		durationNs       int64
	)
	err := row.Scan(
		&r.ID, &r.SessionID, &r.SnippetID, &lang, &r.Code, &r.CodeDigest,
		&stdoutZ, &stderrZ, &r.ExitCode, &durationNs, &r.Success, &stage, &r.Truncated,
		&r.ErrorKind, &r.ErrorMessage, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Language = executor.Language(lang)
	r.Stage = executor.Stage(stage)
	r.Duration = time.Duration(durationNs)

	if r.Stdout, err = db.decompress(stdoutZ); err != nil {
		return nil, fmt.Errorf("run %s stdout: %w", r.ID, err)
	}
	if r.Stderr, err = db.decompress(stderrZ); err != nil {
		return nil, fmt.Errorf("run %s stderr: %w", r.ID, err)
	}
	return &r, nil
}

// compress returns nil for empty output so the column stays NULL.
func (db *DB) compress(s string) []byte {
	if s == "" {
		return nil
	}
	return db.enc.EncodeAll([]byte(s), nil)
}

func (db *DB) decompress(b []byte) (string, error) {
	if len(b) == 0 {
		return "", nil
	}
	out, err := db.dec.DecodeAll(b, nil)
	if err != nil {
		return "", fmt.Errorf("decompressing output: %w", err)
	}
	return string(out), nil
}
