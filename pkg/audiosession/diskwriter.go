package audiosession

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DiskWriter writes rotated conversation audio to Dir, using the
// {timestamp}_{client_id}_{conversation_id}.wav naming convention from the
// original audio_jobs.py rotation logic.
type DiskWriter struct {
	Dir string
}

// WriteWAV implements FileWriter.
func (w DiskWriter) WriteWAV(clientID, conversationID string, wav []byte, rotatedAt time.Time) (string, error) {
	name := fmt.Sprintf("%d_%s_%s.wav", rotatedAt.Unix(), clientID, conversationID)
	path := filepath.Join(w.Dir, name)
	if err := os.WriteFile(path, wav, 0o644); err != nil {
		return "", fmt.Errorf("audiosession: write %q: %w", path, err)
	}
	return path, nil
}
