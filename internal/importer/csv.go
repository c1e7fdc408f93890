// Package importer loads account credentials from a CSV file into storage.
// The file is the operator-facing source of truth; the database is synced to
// it at startup and optionally on a schedule.
package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/matthewnbrown/roc-massrecruit/internal/storage"
	logx "github.com/matthewnbrown/roc-massrecruit/pkg/logx"
)

// ErrNoFile reports that the credentials file does not exist.
var ErrNoFile = errors.New("credentials file not found")

type Importer struct {
	path  string
	store storage.Store
	log   logx.Logger
}

func New(path string, store storage.Store, log logx.Logger) *Importer {
	if path == "" {
		path = "accounts.csv"
	}
	return &Importer{path: path, store: store, log: log}
}

func (im *Importer) Path() string { return im.path }

// Sync reads the CSV and replaces the stored credential set with it.
// Accounts no longer listed are removed along with their schedule; saved
// sessions survive a re-import. Returns the number of accounts loaded.
func (im *Importer) Sync(ctx context.Context) (int, error) {
	creds, err := im.read()
	if err != nil {
		return 0, err
	}
	n, err := im.store.ReplaceCredentials(ctx, creds)
	if err != nil {
		return 0, fmt.Errorf("replace credentials: %w", err)
	}
	im.log.Info("credentials synced", logx.String("file", im.path), logx.Int("accounts", n))
	return n, nil
}

func (im *Importer) read() ([]storage.Credential, error) {
	f, err := os.Open(im.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoFile, im.path)
		}
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%s: empty file", im.path)
		}
		return nil, fmt.Errorf("%s: read header: %w", im.path, err)
	}

	col := map[string]int{}
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	userIdx, ok := col["user"]
	if !ok {
		return nil, fmt.Errorf("%s: missing %q column", im.path, "user")
	}
	passIdx, ok := col["pass"]
	if !ok {
		return nil, fmt.Errorf("%s: missing %q column", im.path, "pass")
	}
	emailIdx, hasEmail := col["email"]

	var creds []storage.Credential
	line := 1
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			// Malformed rows are skipped, not fatal; one bad line must not
			// take the rest of the roster with it.
			im.log.Warn("skipping malformed row", logx.Int("line", line), logx.Err(err))
			continue
		}

		c := storage.Credential{
			Username: field(rec, userIdx),
			Password: field(rec, passIdx),
		}
		if hasEmail {
			c.Email = field(rec, emailIdx)
		}
		if c.Username == "" || c.Password == "" {
			im.log.Warn("skipping row with missing credentials", logx.Int("line", line))
			continue
		}
		creds = append(creds, c)
	}
	return creds, nil
}

func field(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

// WriteExample creates a template credentials file for the operator to fill
// in. It refuses to overwrite an existing file.
func (im *Importer) WriteExample() error {
	f, err := os.OpenFile(im.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	_ = w.Write([]string{"user", "pass", "email"})
	_ = w.Write([]string{"example_user", "example_pass", "example@email.com"})
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
