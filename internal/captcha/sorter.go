package captcha

import (
	"fmt"
	"os"
	"path/filepath"

	logx "github.com/matthewnbrown/roc-massrecruit/pkg/logx"
)

// Bucket classifies how an attempt ended, for offline review and retraining.
type Bucket string

const (
	BucketCorrect       Bucket = "correct"
	BucketFailed        Bucket = "failed"
	BucketLowConfidence Bucket = "low_confidence"
	BucketError         Bucket = "error"
)

// Sorter writes challenge artifacts into per-bucket directories. All
// operations are best-effort: sorting is observability, never correctness,
// so failures are logged and swallowed. A nil Sorter discards everything.
type Sorter struct {
	dirs map[Bucket]string
	log  logx.Logger
}

func NewSorter(errorDir, failedDir, lowConfidenceDir, correctDir string, log logx.Logger) *Sorter {
	dirs := map[Bucket]string{}
	for b, d := range map[Bucket]string{
		BucketError:         errorDir,
		BucketFailed:        failedDir,
		BucketLowConfidence: lowConfidenceDir,
		BucketCorrect:       correctDir,
	} {
		if d != "" {
			dirs[b] = d
		}
	}
	if len(dirs) == 0 {
		return nil
	}
	return &Sorter{dirs: dirs, log: log}
}

// SaveImage stores a challenge image as <label>_<hash>.png in the bucket's
// directory.
func (s *Sorter) SaveImage(bucket Bucket, label, hash string, data []byte) {
	if s == nil || len(data) == 0 {
		return
	}
	s.write(bucket, fmt.Sprintf("%s_%s.png", safeName(label), safeName(hash)), data)
}

// SavePage stores an unexpected page body for debugging.
func (s *Sorter) SavePage(name string, body string) {
	if s == nil || body == "" {
		return
	}
	s.write(BucketError, safeName(name)+".html", []byte(body))
}

func (s *Sorter) write(bucket Bucket, name string, data []byte) {
	dir, ok := s.dirs[bucket]
	if !ok {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Warn("sorter: mkdir failed", logx.String("dir", dir), logx.Err(err))
		return
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.log.Warn("sorter: write failed", logx.String("path", path), logx.Err(err))
	}
}

func safeName(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "unnamed"
	}
	return string(out)
}
