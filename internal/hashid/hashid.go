// Package hashid computes git-blob-style content identifiers and tracks
// the shortest hex prefix length that uniquely identifies every live
// identifier, mirroring spec.md §4.1.
package hashid

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/go-git/go-git/v5/plumbing"
)

// ID is a full 40-hex-character identifier (or content hash).
type ID string

// OfBytes returns the canonical hash of b: SHA1("blob " + len(b) + "\x00" + b).
// go-git's plumbing package already implements the git blob object hash,
// so it is reused here rather than hand-rolling the header format.
func OfBytes(b []byte) ID {
	h := plumbing.ComputeHash(plumbing.BlobObject, b)
	return ID(h.String())
}

// OfFile returns the canonical hash of a file's bytes.
func OfFile(path string) (ID, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hashid: open %s: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("hashid: read %s: %w", path, err)
	}

	return OfBytes(data), nil
}

// OfEntity returns the canonical hash of v's sorted-key, 4-space-indented
// JSON serialization. v must marshal to a JSON object (a map or a struct);
// it is round-tripped through a generic map[string]any before encoding,
// so keys come out sorted regardless of struct field order.
func OfEntity(v any) (ID, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hashid: marshal entity: %w", err)
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("hashid: normalize entity: %w", err)
	}

	canonical, err := canonicalJSON(generic)
	if err != nil {
		return "", err
	}

	return OfBytes(canonical), nil
}

// canonicalJSON renders v with sorted object keys and a 4-space indent.
// encoding/json already sorts map[string]any keys on encode; the encoder's
// SetIndent gives the 4-space indentation spec.md §4.1 requires for a stable
// cross-implementation byte representation.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "    ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("hashid: encode canonical json: %w", err)
	}
	// json.Encoder.Encode appends a trailing newline; MarshalIndent does not.
	// Trim it so OfEntity is stable regardless of which stdlib path is used.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// minPrefixLen is the floor spec.md §4.1 mandates, rounded up to even.
const minPrefixLen = 6

// PrefixTracker computes the smallest even prefix length (>= 6) such that
// every identifier currently registered has a unique prefix of that length.
// It is not safe for concurrent use; callers serialize access (the entity
// store's global mutex, per spec.md §5).
type PrefixTracker struct {
	ids   map[ID]struct{}
	dirty bool
	cache int
}

func NewPrefixTracker() *PrefixTracker {
	return &PrefixTracker{ids: make(map[ID]struct{}), dirty: true}
}

// Add registers an identifier and invalidates the cached length.
func (p *PrefixTracker) Add(id ID) {
	if _, ok := p.ids[id]; ok {
		return
	}
	p.ids[id] = struct{}{}
	p.dirty = true
}

// Len returns the current minimum unique prefix length, recomputing lazily
// if any Add happened since the last call.
func (p *PrefixTracker) Len() int {
	if !p.dirty {
		return p.cache
	}

	p.cache = p.compute()
	p.dirty = false
	return p.cache
}

func (p *PrefixTracker) compute() int {
	for l := minPrefixLen; l <= 40; l += 2 {
		if p.uniqueAt(l) {
			return l
		}
	}
	return 40
}

func (p *PrefixTracker) uniqueAt(l int) bool {
	seen := make(map[string]struct{}, len(p.ids))
	for id := range p.ids {
		s := string(id)
		n := l
		if len(s) < n {
			n = len(s)
		}
		prefix := s[:n]
		if _, dup := seen[prefix]; dup {
			return false
		}
		seen[prefix] = struct{}{}
	}
	return true
}

// Short returns the first Len() characters of id.
func (p *PrefixTracker) Short(id ID) string {
	l := p.Len()
	if len(id) < l {
		return string(id)
	}
	return string(id)[:l]
}

// Resolve finds the unique element of ids whose string form starts with
// prefix. Zero matches and multiple matches are both errors, per spec.md §4.1.
func Resolve(ids []ID, prefix string) (ID, error) {
	var match ID
	count := 0
	for _, id := range ids {
		if len(string(id)) >= len(prefix) && string(id)[:len(prefix)] == prefix {
			match = id
			count++
		}
	}
	switch count {
	case 0:
		return "", fmt.Errorf("hashid: no identifier matches prefix %q", prefix)
	case 1:
		return match, nil
	default:
		return "", fmt.Errorf("hashid: prefix %q matches %d identifiers, not unique", prefix, count)
	}
}

// RandomID returns a synthetic 20-byte random value hex-encoded to the same
// 40-character shape as a real content hash, for Data entities registered
// with hash_flag=false (spec.md §3, §4.3).
func RandomID() (ID, error) {
	buf := make([]byte, 20)
	if _, err := readRandom(buf); err != nil {
		return "", fmt.Errorf("hashid: generate random id: %w", err)
	}
	return ID(fmt.Sprintf("%x", buf)), nil
}
