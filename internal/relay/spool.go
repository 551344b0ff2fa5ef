package relay

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Spool is an append-only on-disk record of session transitions, kept for
// post-mortems after the process restarts. One JSON object per line; the
// file rotates once past maxBytes with a single .1 generation retained.
type Spool struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
}

func NewSpool(dir string, maxMB int) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if maxMB < 1 {
		maxMB = 16
	}
	return &Spool{
		path:     filepath.Join(dir, "sessions.jsonl"),
		maxBytes: int64(maxMB) * 1024 * 1024,
	}, nil
}

type SpoolRecord struct {
	Time   time.Time `json:"time"`
	Camera CameraRef `json:"camera"`
	State  State     `json:"state"`
	Detail string    `json:"detail,omitempty"`
}

func (s *Spool) Append(ref CameraRef, ev Event) error {
	line, err := json.Marshal(SpoolRecord{
		Time:   ev.Time,
		Camera: ref,
		State:  ev.State,
		Detail: ev.Detail,
	})
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if info, err := os.Stat(s.path); err == nil && info.Size()+int64(len(line)) > s.maxBytes {
		os.Rename(s.path, s.path+".1")
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(line)
	return err
}

// Recent reads back up to limit records, newest last.
func (s *Spool) Recent(limit int) ([]SpoolRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var records []SpoolRecord
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			if i > start {
				var rec SpoolRecord
				if json.Unmarshal(data[start:i], &rec) == nil {
					records = append(records, rec)
				}
			}
			start = i + 1
		}
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}
