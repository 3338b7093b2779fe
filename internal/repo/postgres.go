package repo

import (
    "context"
    "database/sql"
    "errors"
    "net"
    "net/url"
    "os"
    "time"

    _ "github.com/jackc/pgx/v5/stdlib"

    "github.com/google/uuid"
    "github.com/tinoosan/fetchd/internal/data"
    "github.com/tinoosan/fetchd/internal/fp"
)

// PostgresHistory implements HistoryRepo backed by PostgreSQL.
type PostgresHistory struct {
    db *sql.DB
}

var _ HistoryRepo = (*PostgresHistory)(nil)

// NewPostgresHistory constructs a repository using the provided DSN.
func NewPostgresHistory(dsn string) (*PostgresHistory, error) {
    db, err := sql.Open("pgx", dsn)
    if err != nil {
        return nil, err
    }
    // Verify connection
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    if err := db.PingContext(ctx); err != nil {
        _ = db.Close()
        return nil, err
    }
    r := &PostgresHistory{db: db}
    if err := r.ensureSchema(ctx); err != nil {
        _ = db.Close()
        return nil, err
    }
    return r, nil
}

// PostgresDSNFromEnv builds a DSN from component env vars.
// Recognized envs (with defaults):
//   POSTGRES_HOST (postgres), POSTGRES_PORT (5432), POSTGRES_DB (fetchd),
//   POSTGRES_USER (fetchd), POSTGRES_PASSWORD (empty), POSTGRES_SSLMODE (disable)
// Credentials and db name are URL-encoded to handle special characters safely.
func PostgresDSNFromEnv() string {
    host := getenv("POSTGRES_HOST", "postgres")
    port := getenv("POSTGRES_PORT", "5432")
    db := getenv("POSTGRES_DB", "fetchd")
    user := getenv("POSTGRES_USER", "fetchd")
    pass := getenv("POSTGRES_PASSWORD", "")
    ssl := getenv("POSTGRES_SSLMODE", "disable")

    u := &url.URL{
        Scheme: "postgres",
        User:   url.UserPassword(user, pass),
        Host:   net.JoinHostPort(host, port),
        Path:   "/" + db,
    }
    q := url.Values{}
    q.Set("sslmode", ssl)
    u.RawQuery = q.Encode()
    return u.String()
}

func getenv(k, def string) string {
    if v := os.Getenv(k); v != "" {
        return v
    }
    return def
}

func (r *PostgresHistory) Close() error { return r.db.Close() }

func (r *PostgresHistory) ensureSchema(ctx context.Context) error {
    _, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS download_history (
    id UUID PRIMARY KEY,
    source TEXT NOT NULL,
    target_path TEXT NOT NULL,
    progress INTEGER NOT NULL,
    outcome TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    fingerprint TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS download_history_fingerprint_idx ON download_history (fingerprint);
`)
    return err
}

// List implements HistoryReader.List
func (r *PostgresHistory) List(ctx context.Context) (data.Records, error) {
    rows, err := r.db.QueryContext(ctx, `SELECT id,source,target_path,progress,outcome,error,created_at,finished_at FROM download_history ORDER BY finished_at ASC`)
    if err != nil { return nil, err }
    defer rows.Close()
    out := data.Records{}
    for rows.Next() {
        rec, err := scanRecord(rows)
        if err != nil { return nil, err }
        out = append(out, rec)
    }
    return out, rows.Err()
}

// Get implements HistoryReader.Get
func (r *PostgresHistory) Get(ctx context.Context, id string) (*data.Record, error) {
    row := r.db.QueryRowContext(ctx, `SELECT id,source,target_path,progress,outcome,error,created_at,finished_at FROM download_history WHERE id=$1`, id)
    rec, err := scanRecord(row)
    if err != nil {
        if errors.Is(err, sql.ErrNoRows) { return nil, data.ErrNotFound }
        return nil, err
    }
    return rec, nil
}

// Add implements HistoryWriter.Add. Records with an existing ID are left untouched.
func (r *PostgresHistory) Add(ctx context.Context, rec *data.Record) (*data.Record, error) {
    cp := rec.Clone()
    if cp.ID == "" {
        cp.ID = uuid.NewString()
    }
    _, err := r.db.ExecContext(ctx, `INSERT INTO download_history (id,source,target_path,progress,outcome,error,fingerprint,created_at,finished_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) ON CONFLICT (id) DO NOTHING`,
        cp.ID, cp.Source, cp.TargetPath, cp.Progress, string(cp.Outcome), cp.Error, fp.Fingerprint(cp.Source, cp.TargetPath), cp.CreatedAt, cp.FinishedAt)
    if err != nil { return nil, err }
    return cp, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanRecord(rs rowScanner) (*data.Record, error) {
    var (
        rec     data.Record
        outcome string
    )
    if err := rs.Scan(&rec.ID, &rec.Source, &rec.TargetPath, &rec.Progress, &outcome, &rec.Error, &rec.CreatedAt, &rec.FinishedAt); err != nil {
        return nil, err
    }
    rec.Outcome = data.Outcome(outcome)
    return &rec, nil
}
