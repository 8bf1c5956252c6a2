package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Per-session control directory entries.
const (
	ManifestFile  = "manifest.json"
	RecordingFile = "recording.log"
	SocketFile    = "ipc.sock"
	ActivityFile  = "activity.json"
)

// Manifest is the on-disk session record, rewritten on every durable
// state change so sessions survive server restarts.
type Manifest struct {
	ID         string    `json:"id"`
	Command    []string  `json:"command"`
	WorkingDir string    `json:"workingDir"`
	Name       string    `json:"name,omitempty"`
	Status     Status    `json:"status"`
	Pid        int       `json:"pid,omitempty"`
	Cols       uint16    `json:"cols"`
	Rows       uint16    `json:"rows"`
	CreatedAt  time.Time `json:"createdAt"`
	ExitCode   *int      `json:"exitCode,omitempty"`
	TitleMode  string    `json:"titleMode,omitempty"`
}

// writeManifest atomically replaces the manifest in dir.
func writeManifest(dir string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}

	tmp := filepath.Join(dir, ManifestFile+".tmp")
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, ManifestFile)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing manifest: %w", err)
	}
	return nil
}

// readManifest loads the manifest from dir.
func readManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parsing manifest: %w", err)
	}
	if m.ID == "" {
		return Manifest{}, fmt.Errorf("manifest in %s has no session id", dir)
	}
	return m, nil
}
