package captcha

import (
	"os"
	"path/filepath"
	"testing"

	logx "github.com/matthewnbrown/roc-massrecruit/pkg/logx"
)

func TestSorterBucketsImages(t *testing.T) {
	dir := t.TempDir()
	s := NewSorter(
		filepath.Join(dir, "error"),
		filepath.Join(dir, "failed"),
		filepath.Join(dir, "low"),
		filepath.Join(dir, "correct"),
		logx.Nop(),
	)

	s.SaveImage(BucketCorrect, "3", "abc", []byte("img"))
	s.SavePage("weird_user", "<html>broken</html>")

	b, err := os.ReadFile(filepath.Join(dir, "correct", "3_abc.png"))
	if err != nil || string(b) != "img" {
		t.Fatalf("correct image not written: %v", err)
	}
	if _, err := os.ReadFile(filepath.Join(dir, "error", "weird_user.html")); err != nil {
		t.Fatalf("error page not written: %v", err)
	}
}

func TestSorterSanitizesNames(t *testing.T) {
	dir := t.TempDir()
	s := NewSorter("", filepath.Join(dir, "failed"), "", "", logx.Nop())

	s.SaveImage(BucketFailed, "../3", "a/b", []byte("img"))
	if _, err := os.ReadFile(filepath.Join(dir, "failed", "___3_a_b.png")); err != nil {
		t.Fatalf("sanitized image missing: %v", err)
	}

	// Buckets without a directory are silently dropped.
	s.SaveImage(BucketCorrect, "1", "h", []byte("img"))
}

func TestNilSorterIsSafe(t *testing.T) {
	var s *Sorter
	s.SaveImage(BucketCorrect, "1", "h", []byte("img"))
	s.SavePage("x", "body")

	if NewSorter("", "", "", "", logx.Nop()) != nil {
		t.Fatal("all-empty sorter should be nil")
	}
}
