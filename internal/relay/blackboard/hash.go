package blackboard

import (
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// Missing stands in for the hash of an absent file.
const Missing = "MISSING"

// HashBytes returns the hex blake3 digest of data.
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashFile returns the content hash of path. An absent file is not an error:
// it reports present=false.
func HashFile(path string) (hash string, present bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", false, err
	}
	return hex.EncodeToString(h.Sum(nil)), true, nil
}

// Digest folds a path->hash mapping into one hash. Paths are visited in sorted
// order so the result does not depend on enumeration order; an empty hash is
// recorded as MISSING.
func Digest(hashes map[string]string) string {
	paths := make([]string, 0, len(hashes))
	for p := range hashes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	var b strings.Builder
	for _, p := range paths {
		h := hashes[p]
		if h == "" {
			h = Missing
		}
		b.WriteString(p)
		b.WriteByte(':')
		b.WriteString(h)
		b.WriteByte('\n')
	}
	return HashBytes([]byte(b.String()))
}

// HashPaths hashes each rel path on the board; absent files map to "".
func (b *Board) HashPaths(paths []string) (map[string]string, error) {
	out := make(map[string]string, len(paths))
	for _, rel := range paths {
		h, ok, err := HashFile(b.Path(rel))
		if err != nil {
			return nil, err
		}
		if !ok {
			h = ""
		}
		out[rel] = h
	}
	return out, nil
}

// DigestFiles reads and digests the given board paths.
func (b *Board) DigestFiles(paths []string) (string, error) {
	hashes, err := b.HashPaths(paths)
	if err != nil {
		return "", err
	}
	return Digest(hashes), nil
}
