package sync

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"remotecell/internal/config"
)

// Entry records one file as last confirmed extracted on the remote side.
type Entry struct {
	Hash string `cbor:"hash"`
	Size int64  `cbor:"size"`
}

// Manifest maps forward-slash relative paths to their confirmed remote
// state. It must only ever be persisted after the remote side confirms
// extraction; an optimistic write would let local and remote state diverge
// silently.
type Manifest map[string]Entry

// encMode uses core deterministic encoding so identical manifests always
// produce identical bytes.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("sync: CBOR encoder initialization failed: " + err.Error())
	}
}

// HashFile computes the BLAKE3 content digest of one file.
func HashFile(path string) (digest string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := blake3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Store persists the manifest for one source root and session. Concurrent
// sessions get independent files so they never interfere.
type Store struct {
	path string
}

// NewStore places the manifest inside the source root's metadata directory,
// keyed by session id.
func NewStore(root, sessionID string) *Store {
	return &Store{path: filepath.Join(root, config.MetadataDirName, "manifest-"+sessionID+".cbor")}
}

// Path returns the manifest file location.
func (s *Store) Path() string { return s.path }

// Load reads the persisted manifest. A missing file is an empty manifest;
// everything will classify as added on the next scan.
func (s *Store) Load() (Manifest, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Manifest{}, nil
	}
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", s.path, err)
	}
	if m == nil {
		m = Manifest{}
	}
	return m, nil
}

// Save atomically replaces the manifest: write to a temp file in the same
// directory, fsync, then rename. A crash mid-write leaves the previous
// manifest intact, so the worst case is a redundant re-upload, never a
// manifest claiming files were synced when they were not.
func (s *Store) Save(m Manifest) error {
	data, err := encMode.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".manifest-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

// Remove deletes the persisted manifest (shutdown cleanup).
func (s *Store) Remove() error {
	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
