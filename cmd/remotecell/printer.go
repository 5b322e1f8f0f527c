package main

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"text/tabwriter"

	"remotecell/internal/channel"
)

// printResult renders an execution result for a terminal: text chunks go to
// the matching streams, tables are rendered inline, and binary rich output
// is written to files whose paths are printed. A result with error status
// comes back as an error so the process exits nonzero.
func printResult(out, errOut io.Writer, res *channel.Result) error {
	if res.Reconnected {
		fmt.Fprintln(errOut, "note: execution context was recreated and the project re-synced")
	}
	for i, chunk := range res.Chunks {
		switch chunk.Kind {
		case channel.ChunkStdout:
			fmt.Fprint(out, chunk.Text)
		case channel.ChunkStderr:
			fmt.Fprint(errOut, chunk.Text)
		case channel.ChunkError:
			fmt.Fprintln(errOut, chunk.Text)
			for _, line := range res.Traceback {
				fmt.Fprintln(errOut, line)
			}
		case channel.ChunkRich:
			if chunk.Mime == channel.MimeTable {
				if err := printTable(out, chunk.Data); err != nil {
					fmt.Fprintf(errOut, "table render failed: %v\n", err)
				}
				continue
			}
			path, err := saveRich(i, chunk)
			if err != nil {
				fmt.Fprintf(errOut, "rich output save failed: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "[%s output written to %s]\n", chunk.Mime, path)
		}
	}
	if res.Status == channel.StatusTimeout {
		return fmt.Errorf("execution timed out")
	}
	if res.Status == channel.StatusError {
		return fmt.Errorf("execution failed: %s", res.Cause)
	}
	return nil
}

func printTable(out io.Writer, data []byte) error {
	var table struct {
		Schema []struct {
			Name string `json:"name"`
		} `json:"schema"`
		Rows [][]any `json:"rows"`
	}
	if err := json.Unmarshal(data, &table); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	for i, col := range table.Schema {
		if i > 0 {
			fmt.Fprint(tw, "\t")
		}
		fmt.Fprint(tw, col.Name)
	}
	fmt.Fprintln(tw)
	for _, row := range table.Rows {
		for i, cell := range row {
			if i > 0 {
				fmt.Fprint(tw, "\t")
			}
			fmt.Fprintf(tw, "%v", cell)
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

func saveRich(idx int, chunk channel.Chunk) (string, error) {
	ext := ".bin"
	if exts, _ := mime.ExtensionsByType(chunk.Mime); len(exts) > 0 {
		ext = exts[0]
	}
	f, err := os.CreateTemp("", fmt.Sprintf("remotecell-output-%d-*%s", idx, ext))
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(chunk.Data); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return filepath.Clean(f.Name()), nil
}
