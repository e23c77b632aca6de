package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

const (
	StopActionQuit  = "quit"
	StopActionPause = "pause"
)

// StopFile records an explicit stop or pause. Its presence suppresses
// automatic restarts.
type StopFile struct {
	Action   string    `json:"action"`
	StopTime time.Time `json:"stop_time"`
}

func (d *Daemon) WriteStopFile(action string) error {
	data, err := json.Marshal(StopFile{Action: action, StopTime: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal stop file: %w", err)
	}
	if err := os.MkdirAll(d.Dir(), 0o755); err != nil {
		return fmt.Errorf("create daemon directory: %w", err)
	}
	if err := writeFileAtomic(d.StopPath(), data, 0o644); err != nil {
		return fmt.Errorf("write stop file: %w", err)
	}
	return nil
}

// ReadStopFile returns nil when no stop file exists or it cannot be parsed.
func (d *Daemon) ReadStopFile() *StopFile {
	data, err := os.ReadFile(d.StopPath())
	if err != nil {
		return nil
	}
	var sf StopFile
	if err := json.Unmarshal(data, &sf); err != nil {
		d.logger.Warn().Err(err).Str("daemon", d.ID).Msg("corrupted stop file ignored")
		return nil
	}
	return &sf
}

func (d *Daemon) RemoveStopFile() error {
	if err := os.Remove(d.StopPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stop file: %w", err)
	}
	return nil
}

// StopTime is when the daemon was last explicitly stopped or paused.
func (d *Daemon) StopTime() *time.Time {
	sf := d.ReadStopFile()
	if sf == nil {
		return nil
	}
	return &sf.StopTime
}
