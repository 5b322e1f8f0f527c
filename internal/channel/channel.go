// Package channel is the transport boundary to the cluster execution API:
// allocate remote execution contexts, run code in them, and move file
// archives to cluster storage.
package channel

import (
	"context"
	"fmt"
)

// Status is the terminal outcome of one remote command.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// ChunkKind tags one piece of command output.
type ChunkKind string

const (
	ChunkStdout ChunkKind = "stdout"
	ChunkStderr ChunkKind = "stderr"
	ChunkRich   ChunkKind = "rich"
	ChunkError  ChunkKind = "error"
)

// MimeTable marks rich chunks carrying tabular data as JSON
// ({"schema": [...], "rows": [...]}).
const MimeTable = "application/vnd.remotecell.table+json"

// Chunk is one ordered piece of execution output. Text chunks use Text;
// rich chunks carry Data plus a Mime type.
type Chunk struct {
	Kind ChunkKind
	Text string
	Data []byte
	Mime string
}

// Result is the outcome of one Run call.
type Result struct {
	Status Status
	Chunks []Chunk

	// Cause and Traceback are set when the user's code failed remotely.
	// They are passed through verbatim; a remote code failure is not a
	// transport fault.
	Cause     string
	Traceback []string

	// Reconnected is set by the session facade when this result was
	// produced after a context recreation, so the adapter can tell the
	// user that prior in-memory state was lost.
	Reconnected bool
}

// Channel is the remote transport. Implementations must block until the
// operation completes or ctx expires.
type Channel interface {
	// CreateContext allocates a remote execution context on the cluster
	// and returns its id once the remote side reports it ready.
	CreateContext(ctx context.Context, clusterID string) (string, error)

	// Run executes code in the given context and returns its output.
	// Remote user-code failures come back as a Result with StatusError,
	// not as a Go error.
	Run(ctx context.Context, contextID, code string) (*Result, error)

	// Upload writes data to a remote staging path, replacing any
	// previous content.
	Upload(ctx context.Context, remotePath string, data []byte) error

	// Delete removes a remote path. Used for staging cleanup.
	Delete(ctx context.Context, remotePath string, recursive bool) error

	// DestroyContext tears down an execution context. Best-effort:
	// callers log failures and move on.
	DestroyContext(ctx context.Context, contextID string) error
}

// TransportError wraps network or protocol failures that are not part of a
// normal command result. It deliberately does not cover remote error
// payloads; those surface as APIError so their text stays classifiable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// APIError is a structured error payload returned by the execution API.
// The remote side reports context loss inside these payloads as ordinary
// error text, so Message must be preserved verbatim for classification.
type APIError struct {
	HTTPStatus int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("api error (http %d): %s", e.HTTPStatus, e.Message)
}
