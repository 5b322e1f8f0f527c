package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"remotecell/internal/channel"
	"remotecell/internal/config"
)

// StagingRoot is the root of all remote state. Staging and workspace paths
// are namespaced under the session id so concurrent sessions never collide
// and cleanup is a prefix delete.
const StagingRoot = "/tmp/remotecell"

// Executor runs a program in the session's remote execution context. The
// coordinator uses it for the extraction step; reconnect handling is the
// caller's concern, not the coordinator's.
type Executor func(ctx context.Context, code string) (*channel.Result, error)

// Uploader is the slice of the transport the coordinator needs.
type Uploader interface {
	Upload(ctx context.Context, remotePath string, data []byte) error
	Delete(ctx context.Context, remotePath string, recursive bool) error
}

// Coordinator owns the sync pipeline for one session: change detection,
// packaging, upload, remote extraction, and the manifest two-phase commit.
type Coordinator struct {
	root      string
	sessionID string
	cfg       config.SyncConfig
	limits    Limits
	store     *Store
	up        Uploader
	exec      Executor
	log       *slog.Logger
}

// NewCoordinator wires a coordinator for one source root and session.
func NewCoordinator(root, sessionID string, cfg config.SyncConfig, up Uploader, exec Executor, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		root:      root,
		sessionID: sessionID,
		cfg:       cfg,
		limits:    LimitsFromMB(cfg.MaxSizeMB, cfg.MaxFileSizeMB),
		store:     NewStore(root, sessionID),
		up:        up,
		exec:      exec,
		log:       logger,
	}
}

func (c *Coordinator) stagingDir() string {
	return StagingRoot + "/" + c.sessionID
}

func (c *Coordinator) archivePath() string {
	return c.stagingDir() + "/project.zip"
}

// WorkspaceDir is the remote directory the session imports code from.
func (c *Coordinator) WorkspaceDir() string {
	return StagingRoot + "/" + c.sessionID + "/workspace"
}

// Sync ships pending local changes to the cluster. With force=false and no
// changes it returns (false, nil) without any network call. The manifest is
// persisted only after the remote extraction program reports success; on
// any earlier failure the manifest is untouched and the next attempt
// recomputes the identical plan.
func (c *Coordinator) Sync(ctx context.Context, force bool) (bool, error) {
	if !c.cfg.SyncEnabled() {
		return false, nil
	}
	prev, err := c.store.Load()
	if err != nil {
		return false, fmt.Errorf("load manifest: %w", err)
	}
	if force {
		// The remote workspace is assumed gone. Planning against an empty
		// manifest classifies every included file as added, so the archive
		// carries the whole project; the extraction step clears whatever is
		// left of the old workspace before unpacking.
		prev = Manifest{}
	}
	rules := CompileRules(c.root, c.cfg.GitignoreEnabled(), c.cfg.Exclude, c.log)
	plan, next, err := Scan(c.root, rules, prev, c.limits)
	if err != nil {
		return false, err
	}
	if plan.Empty() && !force {
		return false, nil
	}
	c.log.Info("syncing files",
		"added", len(plan.Added),
		"modified", len(plan.Modified),
		"removed", len(plan.Removed),
		"bytes", plan.TotalBytes,
	)

	archive, err := BuildArchive(c.root, plan)
	if err != nil {
		return false, err
	}
	if err := c.up.Upload(ctx, c.archivePath(), archive); err != nil {
		return false, fmt.Errorf("upload archive: %w", err)
	}

	res, err := c.exec(ctx, extractionProgram(c.archivePath(), c.WorkspaceDir(), plan.Removed, force))
	if err != nil {
		return false, fmt.Errorf("remote extraction: %w", err)
	}
	if res.Status != channel.StatusOK {
		return false, fmt.Errorf("remote extraction failed: %s", res.Cause)
	}

	if err := c.store.Save(next); err != nil {
		return false, fmt.Errorf("persist manifest: %w", err)
	}
	return true, nil
}

// Cleanup removes the session's remote staging prefix, best-effort removes
// the remote workspace, and deletes the local manifest. Failures are logged,
// never raised: shutdown must not hang or crash the host. withWorkspace is
// false when no execution context exists; running the removal program would
// then pointlessly create one.
func (c *Coordinator) Cleanup(ctx context.Context, withWorkspace bool) {
	if withWorkspace && c.exec != nil {
		if res, err := c.exec(ctx, cleanupProgram(c.WorkspaceDir())); err != nil {
			c.log.Debug("workspace cleanup failed", "err", err)
		} else if res.Status != channel.StatusOK {
			c.log.Debug("workspace cleanup failed", "cause", res.Cause)
		}
	}
	if err := c.up.Delete(ctx, c.stagingDir(), true); err != nil {
		c.log.Debug("staging cleanup failed", "path", c.stagingDir(), "err", err)
	}
	if err := c.store.Remove(); err != nil {
		c.log.Debug("manifest cleanup failed", "path", c.store.Path(), "err", err)
	}
}

// extractionProgram generates the code run inside the execution context to
// make uploaded files visible to the interpreter: copy the archive out of
// staging, unpack it into the session workspace, delete removed paths, and
// put the workspace on the import path. With reset the stale workspace is
// removed first, so a full re-ship never runs against leftover files.
func extractionProgram(archivePath, workspaceDir string, removed []string, reset bool) string {
	removedJSON, _ := json.Marshal(removed)
	var b strings.Builder
	fmt.Fprintf(&b, `
import json, os, shutil, sys, zipfile

_ws = %q
_zip_remote = "dbfs:" + %q
_removed = json.loads(%q)

if %s and os.path.isdir(_ws):
    shutil.rmtree(_ws, ignore_errors=True)
os.makedirs(_ws, exist_ok=True)
_local_zip = os.path.join(_ws, ".incoming.zip")
dbutils.fs.cp(_zip_remote, "file:" + _local_zip)
with zipfile.ZipFile(_local_zip) as _zf:
    _zf.extractall(_ws)
os.remove(_local_zip)

for _p in _removed:
    _t = os.path.join(_ws, _p)
    if os.path.isfile(_t):
        os.remove(_t)
        _d = os.path.dirname(_t)
        while _d != _ws and os.path.isdir(_d) and not os.listdir(_d):
            os.rmdir(_d)
            _d = os.path.dirname(_d)

if _ws not in sys.path:
    sys.path.insert(0, _ws)

del _ws, _zip_remote, _removed, _local_zip
`, workspaceDir, archivePath, string(removedJSON), pyBool(reset))
	return b.String()
}

func pyBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}

func cleanupProgram(workspaceDir string) string {
	return fmt.Sprintf(`
import os, shutil
if os.path.isdir(%q):
    shutil.rmtree(%q, ignore_errors=True)
`, workspaceDir, workspaceDir)
}
