package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "github.com/matthewnbrown/roc-massrecruit/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the SQLite store, creating the file and schema as needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serializes ClaimNext/Release without an extra
	// process-level mutex; SQLite prefers few writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if log.IsZero() {
		log = logx.Nop()
	}
	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ReplaceCredentials(ctx context.Context, creds []Credential) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM credentials`); err != nil {
		return 0, err
	}

	now := time.Now().Unix()
	n := 0
	for _, c := range creds {
		if strings.TrimSpace(c.Username) == "" || c.Password == "" {
			continue
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO credentials(username, password, email, updated_at) VALUES(?,?,?,?)
			 ON CONFLICT(username) DO UPDATE SET password=excluded.password, email=excluded.email, updated_at=excluded.updated_at`,
			c.Username, c.Password, c.Email, now,
		)
		if err != nil {
			return 0, err
		}
		n++
	}

	// Schedule rows follow credentials; sessions are keyed by username and
	// harmless to retain for pruned accounts.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schedule WHERE username NOT IN (SELECT username FROM credentials)`,
	); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *sqliteStore) GetSession(ctx context.Context, username string) ([]byte, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT cookies FROM sessions WHERE username = ?`, username,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return blob, true, nil
}

func (s *sqliteStore) PutSession(ctx context.Context, username string, blob []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(username, cookies, updated_at) VALUES(?,?,?)
		 ON CONFLICT(username) DO UPDATE SET cookies=excluded.cookies, updated_at=excluded.updated_at`,
		username, blob, time.Now().Unix(),
	)
	return err
}

// ClaimNext performs selection and lease-set in one transaction. Lease
// expiry is checked inline (lazy expiry), so no sweeper is needed: a crashed
// worker blocks an account for at most leaseTimeout.
func (s *sqliteStore) ClaimNext(ctx context.Context, now time.Time, leaseTimeout time.Duration) (*Credential, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	nowTS := now.Unix()
	expiredBefore := now.Add(-leaseTimeout).Unix()

	var c Credential
	err = tx.QueryRowContext(ctx,
		`SELECT c.username, c.password, c.email
		 FROM credentials c
		 LEFT JOIN schedule s ON s.username = c.username
		 WHERE COALESCE(s.next_eligible_at, 0) <= ?
		   AND (s.lease_since IS NULL OR s.lease_since < ?)
		 ORDER BY COALESCE(s.next_eligible_at, 0) ASC, c.username ASC
		 LIMIT 1`,
		nowTS, expiredBefore,
	).Scan(&c.Username, &c.Password, &c.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Only lease_since is touched; next_eligible_at must survive the claim.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO schedule(username, next_eligible_at, lease_since, updated_at) VALUES(?,0,?,?)
		 ON CONFLICT(username) DO UPDATE SET lease_since=excluded.lease_since, updated_at=excluded.updated_at`,
		c.Username, nowTS, nowTS,
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *sqliteStore) Release(ctx context.Context, username string, out Outcome) error {
	now := time.Now().Unix()
	if out.Unchanged() {
		_, err := s.db.ExecContext(ctx,
			`UPDATE schedule SET lease_since=NULL, updated_at=? WHERE username = ?`,
			now, username,
		)
		return err
	}
	// MAX keeps the schedule monotonic; a stale success can't pull an
	// account's unlock time backwards.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule(username, next_eligible_at, lease_since, updated_at) VALUES(?,?,NULL,?)
		 ON CONFLICT(username) DO UPDATE SET
		   next_eligible_at=MAX(schedule.next_eligible_at, excluded.next_eligible_at),
		   lease_since=NULL, updated_at=excluded.updated_at`,
		username, out.NextEligibleAt.Unix(), now,
	)
	return err
}

func (s *sqliteStore) NextAvailable(ctx context.Context, now time.Time) (time.Time, bool, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(s.next_eligible_at)
		 FROM schedule s
		 JOIN credentials c ON c.username = s.username
		 WHERE s.next_eligible_at > ?`,
		now.Unix(),
	).Scan(&ts)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ts.Valid || ts.Int64 <= 0 {
		return time.Time{}, false, nil
	}
	return time.Unix(ts.Int64, 0), true, nil
}

func (s *sqliteStore) Counts(ctx context.Context) (int, int, error) {
	var accounts, scheduled int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM credentials`).Scan(&accounts); err != nil {
		return 0, 0, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schedule`).Scan(&scheduled); err != nil {
		return 0, 0, err
	}
	return accounts, scheduled, nil
}
