package sync

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
)

// Plan is the computed change set for one sync attempt. Added and Modified
// are disjoint; Removed is exactly the previous manifest's keys that the
// walk no longer visited. Paths are sorted for deterministic downstream
// packaging.
type Plan struct {
	Added    []string
	Modified []string
	Removed  []string

	// TotalBytes is the byte count of added+modified content.
	TotalBytes int64
}

// Empty reports whether nothing changed since the last confirmed sync.
func (p Plan) Empty() bool {
	return len(p.Added) == 0 && len(p.Modified) == 0 && len(p.Removed) == 0
}

// Upload returns the added and modified paths in lexicographic order.
func (p Plan) Upload() []string {
	out := make([]string, 0, len(p.Added)+len(p.Modified))
	out = append(out, p.Added...)
	out = append(out, p.Modified...)
	sort.Strings(out)
	return out
}

// Limits bounds a scan. Zero values disable the corresponding limit.
type Limits struct {
	MaxFileBytes  int64
	MaxTotalBytes int64
}

// LimitsFromMB converts the configuration's megabyte settings.
func LimitsFromMB(maxSizeMB, maxFileSizeMB float64) Limits {
	l := Limits{}
	if maxSizeMB > 0 {
		l.MaxTotalBytes = int64(maxSizeMB * 1024 * 1024)
	}
	if maxFileSizeMB > 0 {
		l.MaxFileBytes = int64(maxFileSizeMB * 1024 * 1024)
	}
	return l
}

// SizeLimitError aborts a scan before any network interaction. It names
// either the offending file or the aggregate total so the user can adjust
// exclusions or limits and retry.
type SizeLimitError struct {
	Path  string // offending file; empty for an aggregate violation
	Bytes int64
	Limit int64
}

func (e *SizeLimitError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("sync aborted: %s is %d bytes, over the per-file limit of %d", e.Path, e.Bytes, e.Limit)
	}
	return fmt.Sprintf("sync aborted: included files total %d bytes, over the limit of %d", e.Bytes, e.Limit)
}

// Scan walks the source tree under the exclusion rules, hashes included
// files, and diffs against the previous manifest. The returned manifest
// candidate covers every included file with fresh hashes; the caller must
// not persist it until remote extraction is confirmed. The first size-limit
// violation aborts the scan; partial plans are never returned.
func Scan(root string, rules *RuleSet, prev Manifest, limits Limits) (Plan, Manifest, error) {
	plan := Plan{}
	next := Manifest{}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if rules.Excluded(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || rules.Excluded(rel, false) {
			return nil
		}

		// Stat before hashing so an oversized file is rejected without
		// reading it.
		if limits.MaxFileBytes > 0 {
			info, ierr := d.Info()
			if ierr != nil {
				return ierr
			}
			if info.Size() > limits.MaxFileBytes {
				return &SizeLimitError{Path: rel, Bytes: info.Size(), Limit: limits.MaxFileBytes}
			}
		}
		digest, size, herr := HashFile(path)
		if herr != nil {
			return fmt.Errorf("hash %s: %w", rel, herr)
		}
		next[rel] = Entry{Hash: digest, Size: size}

		prevEntry, existed := prev[rel]
		switch {
		case !existed:
			plan.Added = append(plan.Added, rel)
		case prevEntry.Hash != digest:
			plan.Modified = append(plan.Modified, rel)
		default:
			return nil // unchanged; not part of the plan
		}
		plan.TotalBytes += size
		if limits.MaxTotalBytes > 0 && plan.TotalBytes > limits.MaxTotalBytes {
			return &SizeLimitError{Bytes: plan.TotalBytes, Limit: limits.MaxTotalBytes}
		}
		return nil
	})
	if err != nil {
		return Plan{}, nil, err
	}

	for path := range prev {
		if _, ok := next[path]; !ok {
			plan.Removed = append(plan.Removed, path)
		}
	}
	sort.Strings(plan.Added)
	sort.Strings(plan.Modified)
	sort.Strings(plan.Removed)
	return plan, next, nil
}
