// Package statefile provides atomic JSON sidecar persistence.
//
// Components that keep live in-memory state (session budgets, router outcome
// tables, tier overrides) snapshot it to JSON sidecar files. Writes follow a
// write-to-temp + rename protocol with read-back validation so a crash mid-write
// can never leave a torn file behind:
//
//  1. Marshal to `<path>.tmp.<random>`
//  2. fsync the temp file
//  3. Read the temp back and verify it parses
//  4. Rename over the target
//  5. Re-parse the target as a last line of defense
//
// A failed read-back deletes the temp file and surfaces a State fault.
package statefile

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dshills/opencode-go/orch/fault"
)

// WriteJSON atomically persists v as indented JSON at path.
//
// Parent directories are created as needed. On any failure the target file is
// left untouched and a fault.Error with KindState is returned.
func WriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fault.Wrap(fault.KindState, "marshal_failed", "", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fault.Wrap(fault.KindState, "mkdir_failed", "", err)
		}
	}

	tmpPath := path + ".tmp." + randomSuffix()

	if err := writeAndSync(tmpPath, data); err != nil {
		_ = os.Remove(tmpPath)
		return fault.Wrap(fault.KindState, "write_failed", "", err)
	}

	// Read-back validation before the rename: if the bytes on disk do not
	// parse, the temp is discarded and the old target survives.
	readBack, err := os.ReadFile(tmpPath)
	if err != nil {
		_ = os.Remove(tmpPath)
		return fault.Wrap(fault.KindState, "readback_failed", "", err)
	}
	if !json.Valid(readBack) {
		_ = os.Remove(tmpPath)
		return fault.New(fault.KindState, "readback_invalid",
			fmt.Sprintf("temp file %s failed JSON validation", tmpPath))
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fault.Wrap(fault.KindState, "rename_failed", "", err)
	}

	// Re-parse the renamed target.
	final, err := os.ReadFile(path)
	if err != nil {
		return fault.Wrap(fault.KindState, "verify_failed", "", err)
	}
	if !json.Valid(final) {
		return fault.New(fault.KindState, "verify_invalid",
			fmt.Sprintf("renamed file %s failed JSON validation", path))
	}

	return nil
}

// ReadJSON loads JSON from path into v. A missing file returns os.ErrNotExist
// (via the wrapped cause) so callers can treat it as empty state.
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return err
		}
		return fault.Wrap(fault.KindState, "read_failed", "", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fault.Wrap(fault.KindState, "parse_failed", "", err)
	}
	return nil
}

// writeAndSync writes data to path and fsyncs before closing.
func writeAndSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// randomSuffix returns 8 hex characters for temp file uniqueness.
func randomSuffix() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Extremely unlikely; fall back to a fixed suffix rather than fail.
		return "00000000"
	}
	return hex.EncodeToString(b[:])
}
