package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// runRclone executes one rclone invocation and folds the tail of its
// output into the returned error, since rclone puts the useful diagnosis
// on stderr.
func (s *Syncer) runRclone(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, s.opts.RcloneBinary, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		tail := lastLines(string(out), 5)
		if ctx.Err() != nil {
			return fmt.Errorf("rclone %s: %w", args[0], ctx.Err())
		}
		if tail != "" {
			return fmt.Errorf("rclone %s: %w: %s", args[0], err, tail)
		}
		return fmt.Errorf("rclone %s: %w", args[0], err)
	}
	log.Printf("sync: rclone %s completed", args[0])
	return nil
}

func lastLines(out string, n int) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "; "))
}

// writeRecordFile writes the status record atomically so a concurrent
// health probe never observes a half-written file.
func writeRecordFile(path string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadRecordFile loads a previously written status record.
func ReadRecordFile(path string) (Record, error) {
	var rec Record
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}
