package channel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Environment variables for the execution API endpoint.
const (
	EnvHost  = "REMOTECELL_HOST"
	EnvToken = "REMOTECELL_TOKEN"
)

const (
	// uploadBlockSize bounds one storage add-block call; payloads are
	// base64 in JSON so blocks stay comfortably under API limits.
	uploadBlockSize = 1 << 20

	defaultPollInterval = time.Second
)

type restChannel struct {
	http *http.Client
	base *url.URL
	tok  string
	log  *slog.Logger

	poll time.Duration
}

// RESTOption adjusts the REST channel.
type RESTOption func(*restChannel)

// WithPollInterval overrides the status poll interval (tests).
func WithPollInterval(d time.Duration) RESTOption {
	return func(c *restChannel) {
		if d > 0 {
			c.poll = d
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) RESTOption {
	return func(c *restChannel) {
		if h != nil {
			c.http = h
		}
	}
}

// NewREST builds a Channel speaking the cluster command-execution REST API.
// Host and token are required; both typically come from the environment.
func NewREST(host, token string, logger *slog.Logger, opts ...RESTOption) (Channel, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(host), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("%s is required", EnvHost)
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	base, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", EnvHost, err)
	}
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("%s is required", EnvToken)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	c := &restChannel{
		http: &http.Client{Timeout: 2 * time.Minute},
		base: base,
		tok:  token,
		log:  logger,
		poll: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewRESTFromEnv resolves host and token from the environment.
func NewRESTFromEnv(logger *slog.Logger, opts ...RESTOption) (Channel, error) {
	return NewREST(os.Getenv(EnvHost), os.Getenv(EnvToken), logger, opts...)
}

type apiErrorBody struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Error     string `json:"error"`
}

func (c *restChannel) call(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	u := c.base.ResolveReference(&url.URL{Path: path})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &TransportError{Op: method + " " + path, Err: err}
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return &TransportError{Op: method + " " + path, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return &TransportError{Op: method + " " + path, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb apiErrorBody
		_ = json.Unmarshal(b, &eb)
		msg := strings.TrimSpace(eb.Message)
		if msg == "" {
			msg = strings.TrimSpace(eb.Error)
		}
		if msg == "" {
			msg = strings.TrimSpace(string(b))
		}
		return &APIError{HTTPStatus: resp.StatusCode, Code: eb.ErrorCode, Message: msg}
	}
	if out != nil {
		if err := json.Unmarshal(b, out); err != nil {
			return &TransportError{Op: method + " " + path + " decode", Err: err}
		}
	}
	return nil
}

// ensureClusterRunning starts the cluster if it reports TERMINATED and waits
// for it to come up. Polling is bounded by ctx.
func (c *restChannel) ensureClusterRunning(ctx context.Context, clusterID string) error {
	var state struct {
		State string `json:"state"`
	}
	q := url.Values{"cluster_id": {clusterID}}
	if err := c.call(ctx, http.MethodGet, "/api/2.0/clusters/get", q, nil, &state); err != nil {
		return err
	}
	if state.State != "TERMINATED" {
		return nil
	}
	c.log.Info("cluster is terminated, starting", "cluster_id", clusterID)
	if err := c.call(ctx, http.MethodPost, "/api/2.0/clusters/start", nil,
		map[string]string{"cluster_id": clusterID}, nil); err != nil {
		return err
	}
	for {
		if err := c.call(ctx, http.MethodGet, "/api/2.0/clusters/get", q, nil, &state); err != nil {
			return err
		}
		switch state.State {
		case "RUNNING":
			c.log.Info("cluster is now running", "cluster_id", clusterID)
			return nil
		case "ERROR", "UNKNOWN":
			return &APIError{Message: fmt.Sprintf("cluster %s entered state %s during start", clusterID, state.State)}
		}
		select {
		case <-ctx.Done():
			return &TransportError{Op: "wait cluster running", Err: ctx.Err()}
		case <-time.After(c.poll):
		}
	}
}

func (c *restChannel) CreateContext(ctx context.Context, clusterID string) (string, error) {
	if err := c.ensureClusterRunning(ctx, clusterID); err != nil {
		return "", err
	}
	var created struct {
		ID string `json:"id"`
	}
	err := c.call(ctx, http.MethodPost, "/api/1.2/contexts/create", nil, map[string]string{
		"clusterId": clusterID,
		"language":  "python",
	}, &created)
	if err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", &APIError{Message: "context create returned no id"}
	}

	// The context starts Pending; wait until the remote side reports it
	// Running before handing it to the session.
	q := url.Values{"clusterId": {clusterID}, "contextId": {created.ID}}
	for {
		var st struct {
			Status string `json:"status"`
		}
		if err := c.call(ctx, http.MethodGet, "/api/1.2/contexts/status", q, nil, &st); err != nil {
			return "", err
		}
		switch st.Status {
		case "Running":
			return qualifyContextID(clusterID, created.ID), nil
		case "Error":
			return "", &APIError{Message: "execution context entered error state during creation"}
		}
		select {
		case <-ctx.Done():
			return "", &TransportError{Op: "wait context ready", Err: ctx.Err()}
		case <-time.After(c.poll):
		}
	}
}

type commandResults struct {
	ResultType string          `json:"resultType"`
	Data       json.RawMessage `json:"data"`
	Schema     json.RawMessage `json:"schema"`
	Cause      string          `json:"cause"`
	Summary    string          `json:"summary"`
	FileName   string          `json:"fileName"`
	FileNames  []string        `json:"fileNames"`
}

type commandStatus struct {
	ID      string          `json:"id"`
	Status  string          `json:"status"`
	Results *commandResults `json:"results"`
}

func (c *restChannel) Run(ctx context.Context, contextID, code string) (*Result, error) {
	clusterID, rawID, err := splitContextID(contextID)
	if err != nil {
		return nil, err
	}
	var started struct {
		ID string `json:"id"`
	}
	err = c.call(ctx, http.MethodPost, "/api/1.2/commands/execute", nil, map[string]string{
		"clusterId": clusterID,
		"contextId": rawID,
		"language":  "python",
		"command":   code,
	}, &started)
	if err != nil {
		return nil, err
	}

	q := url.Values{"clusterId": {clusterID}, "contextId": {rawID}, "commandId": {started.ID}}
	for {
		var st commandStatus
		if err := c.call(ctx, http.MethodGet, "/api/1.2/commands/status", q, nil, &st); err != nil {
			return nil, err
		}
		switch st.Status {
		case "Finished", "Error":
			return c.toResult(ctx, st.Results)
		case "Cancelled":
			return &Result{Status: StatusError, Cause: "command was cancelled remotely",
				Chunks: []Chunk{{Kind: ChunkError, Text: "command was cancelled remotely"}}}, nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, ctx.Err()
			}
			// A command deadline is surfaced as a timeout result, not an
			// invalidation signal: the context is assumed still alive.
			return &Result{Status: StatusTimeout,
				Chunks: []Chunk{{Kind: ChunkError, Text: "command execution timed out"}}}, nil
		case <-time.After(c.poll):
		}
	}
}

// toResult maps the API's result payload to ordered output chunks.
func (c *restChannel) toResult(ctx context.Context, res *commandResults) (*Result, error) {
	if res == nil {
		return &Result{Status: StatusOK}, nil
	}
	if res.Cause != "" {
		out := &Result{Status: StatusError, Cause: res.Cause}
		if res.Summary != "" {
			out.Traceback = strings.Split(res.Summary, "\n")
		}
		out.Chunks = append(out.Chunks, Chunk{Kind: ChunkError, Text: res.Cause})
		return out, nil
	}

	out := &Result{Status: StatusOK}
	switch res.ResultType {
	case "image":
		if res.FileName != "" {
			if ch, ok := c.imageChunk(ctx, res.FileName); ok {
				out.Chunks = append(out.Chunks, ch)
			}
		}
	case "images":
		for _, name := range res.FileNames {
			if ch, ok := c.imageChunk(ctx, name); ok {
				out.Chunks = append(out.Chunks, ch)
			}
		}
	case "table":
		payload, err := json.Marshal(map[string]json.RawMessage{
			"schema": nonNullRaw(res.Schema),
			"rows":   nonNullRaw(res.Data),
		})
		if err == nil {
			out.Chunks = append(out.Chunks, Chunk{Kind: ChunkRich, Data: payload, Mime: MimeTable})
		}
	default:
		var text string
		if len(res.Data) > 0 {
			if err := json.Unmarshal(res.Data, &text); err != nil {
				text = string(res.Data)
			}
		} else {
			text = res.Summary
		}
		if text != "" {
			out.Chunks = append(out.Chunks, Chunk{Kind: ChunkStdout, Text: text})
		}
	}
	return out, nil
}

func nonNullRaw(r json.RawMessage) json.RawMessage {
	if len(r) == 0 {
		return json.RawMessage("null")
	}
	return r
}

// imageChunk resolves one image reference to a rich chunk. References are
// either inline data URLs or remote file-store paths that need a download.
func (c *restChannel) imageChunk(ctx context.Context, ref string) (Chunk, bool) {
	if strings.HasPrefix(ref, "data:") {
		mime, data, ok := parseDataURL(ref)
		if !ok {
			return Chunk{}, false
		}
		return Chunk{Kind: ChunkRich, Data: data, Mime: mime}, true
	}
	data, err := c.download(ctx, "/FileStore"+ref)
	if err != nil {
		c.log.Warn("image download failed", "path", ref, "err", err)
		return Chunk{}, false
	}
	return Chunk{Kind: ChunkRich, Data: data, Mime: mimeForPath(ref)}, true
}

func (c *restChannel) download(ctx context.Context, remotePath string) ([]byte, error) {
	var buf bytes.Buffer
	offset := int64(0)
	for {
		var out struct {
			BytesRead int64  `json:"bytes_read"`
			Data      string `json:"data"`
		}
		q := url.Values{
			"path":   {remotePath},
			"offset": {fmt.Sprintf("%d", offset)},
			"length": {fmt.Sprintf("%d", int64(uploadBlockSize))},
		}
		if err := c.call(ctx, http.MethodGet, "/api/2.0/dbfs/read", q, nil, &out); err != nil {
			return nil, err
		}
		if out.BytesRead == 0 {
			return buf.Bytes(), nil
		}
		chunk, err := base64.StdEncoding.DecodeString(out.Data)
		if err != nil {
			return nil, &TransportError{Op: "decode download block", Err: err}
		}
		buf.Write(chunk)
		offset += out.BytesRead
	}
}

func (c *restChannel) Upload(ctx context.Context, remotePath string, data []byte) error {
	var handle struct {
		Handle int64 `json:"handle"`
	}
	err := c.call(ctx, http.MethodPost, "/api/2.0/dbfs/create", nil, map[string]any{
		"path":      remotePath,
		"overwrite": true,
	}, &handle)
	if err != nil {
		return err
	}
	for off := 0; off < len(data); off += uploadBlockSize {
		end := off + uploadBlockSize
		if end > len(data) {
			end = len(data)
		}
		err := c.call(ctx, http.MethodPost, "/api/2.0/dbfs/add-block", nil, map[string]any{
			"handle": handle.Handle,
			"data":   base64.StdEncoding.EncodeToString(data[off:end]),
		}, nil)
		if err != nil {
			_ = c.call(ctx, http.MethodPost, "/api/2.0/dbfs/close", nil,
				map[string]any{"handle": handle.Handle}, nil)
			return err
		}
	}
	return c.call(ctx, http.MethodPost, "/api/2.0/dbfs/close", nil,
		map[string]any{"handle": handle.Handle}, nil)
}

func (c *restChannel) Delete(ctx context.Context, remotePath string, recursive bool) error {
	return c.call(ctx, http.MethodPost, "/api/2.0/dbfs/delete", nil, map[string]any{
		"path":      remotePath,
		"recursive": recursive,
	}, nil)
}

func (c *restChannel) DestroyContext(ctx context.Context, contextID string) error {
	clusterID, rawID, err := splitContextID(contextID)
	if err != nil {
		return err
	}
	return c.call(ctx, http.MethodPost, "/api/1.2/contexts/destroy", nil, map[string]string{
		"clusterId": clusterID,
		"contextId": rawID,
	}, nil)
}

// Context ids are qualified with their cluster ("cluster/context") so every
// later call can address the right cluster without extra state.
func qualifyContextID(clusterID, contextID string) string {
	return clusterID + "/" + contextID
}

func splitContextID(qualified string) (clusterID, contextID string, err error) {
	cluster, raw, ok := strings.Cut(qualified, "/")
	if !ok || cluster == "" || raw == "" {
		return "", "", &TransportError{Op: "resolve context", Err: fmt.Errorf("malformed context id %q", qualified)}
	}
	return cluster, raw, nil
}

func parseDataURL(u string) (mime string, data []byte, ok bool) {
	rest, found := strings.CutPrefix(u, "data:")
	if !found {
		return "", nil, false
	}
	header, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", nil, false
	}
	mime, _, _ = strings.Cut(header, ";")
	if mime == "" {
		mime = "application/octet-stream"
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, false
	}
	return mime, decoded, true
}

func mimeForPath(p string) string {
	switch {
	case strings.HasSuffix(p, ".png"):
		return "image/png"
	case strings.HasSuffix(p, ".jpg"), strings.HasSuffix(p, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(p, ".gif"):
		return "image/gif"
	case strings.HasSuffix(p, ".svg"):
		return "image/svg+xml"
	default:
		return "image/png"
	}
}
