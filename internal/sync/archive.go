package sync

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"
)

// BuildArchive packs the current bytes of every added and modified path
// into a single zip. Entries are written in lexicographic path order with
// zeroed timestamps and fixed modes, so packaging an identical plan over
// unchanged contents is byte-for-byte reproducible. Removed paths are not
// represented here; they travel to the extraction step as an explicit list.
func BuildArchive(root string, plan Plan) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, rel := range plan.Upload() {
		hdr := &zip.FileHeader{
			Name:   rel,
			Method: zip.Deflate,
		}
		hdr.SetMode(0o644)
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			_ = zw.Close()
			return nil, fmt.Errorf("archive %s: %w", rel, err)
		}
		f, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			_ = zw.Close()
			return nil, fmt.Errorf("archive %s: %w", rel, err)
		}
		_, err = io.Copy(w, f)
		_ = f.Close()
		if err != nil {
			_ = zw.Close()
			return nil, fmt.Errorf("archive %s: %w", rel, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
