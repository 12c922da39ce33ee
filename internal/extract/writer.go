package extract

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// countingWriter counts bytes passed through it.
type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// WriteArtifact writes a delimited artifact to path and returns its size and sha256.
// A nil header writes rows only.
func WriteArtifact(path string, header []string, rows [][]string, delimiter rune) (size int64, checksum string, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, "", fmt.Errorf("create work dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, "", fmt.Errorf("create artifact: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close artifact: %w", cerr)
		}
	}()

	h := sha256.New()
	counter := &countingWriter{}
	w := csv.NewWriter(io.MultiWriter(f, h, counter))
	w.Comma = delimiter

	if header != nil {
		if err := w.Write(header); err != nil {
			return 0, "", fmt.Errorf("write header: %w", err)
		}
	}
	if err := w.WriteAll(rows); err != nil {
		return 0, "", fmt.Errorf("write rows: %w", err)
	}
	return counter.n, hex.EncodeToString(h.Sum(nil)), nil
}
