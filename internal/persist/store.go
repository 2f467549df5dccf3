package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"pkt.systems/kernelq/schema"
	"pkt.systems/pslog"
)

// Transcript is the saved record history of a session.
type Transcript struct {
	Session schema.SessionSnapshot  `json:"session"`
	Records []schema.RecordSnapshot `json:"records"`
	SavedAt time.Time               `json:"saved_at"`
}

// Store persists session transcripts to disk, one JSON file per session.
type Store struct {
	dir string
	log pslog.Logger
	now func() time.Time
}

// NewStore constructs a transcript store at the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a transcript store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("transcript directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("transcript_dir", dir)
	}
	return &Store{dir: dir, log: logger, now: time.Now}, nil
}

// SaveTranscript writes the records of a session, replacing any previous
// transcript under the same name.
func (s *Store) SaveTranscript(session schema.SessionSnapshot, records []schema.RecordSnapshot) error {
	if records == nil {
		records = []schema.RecordSnapshot{}
	}
	transcript := Transcript{Session: session, Records: records, SavedAt: s.now().UTC()}
	data, err := json.MarshalIndent(transcript, "", "  ")
	if err != nil {
		s.warn("transcript save failed", session.Name, err)
		return err
	}
	if err := writeAtomic(s.pathFor(session.Name), data); err != nil {
		s.warn("transcript save failed", session.Name, err)
		return err
	}
	if s.log != nil {
		s.log.Debug("transcript save ok", "session", session.Name, "records", len(records))
	}
	return nil
}

// LoadTranscript reads the transcript saved for name. A missing transcript
// yields schema.ErrTranscriptNotFound.
func (s *Store) LoadTranscript(name schema.SessionName) (Transcript, error) {
	data, err := os.ReadFile(s.pathFor(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if s.log != nil {
				s.log.Debug("transcript load miss", "session", name)
			}
			return Transcript{}, schema.ErrTranscriptNotFound
		}
		s.warn("transcript load failed", name, err)
		return Transcript{}, err
	}
	var transcript Transcript
	if err := json.Unmarshal(data, &transcript); err != nil {
		s.warn("transcript load failed", name, err)
		return Transcript{}, fmt.Errorf("decode transcript %s: %w", name, err)
	}
	return transcript, nil
}

func (s *Store) warn(msg string, name schema.SessionName, err error) {
	if s.log != nil {
		s.log.Warn(msg, "session", name, "err", err)
	}
}

func (s *Store) pathFor(name schema.SessionName) string {
	base := sanitize(string(name))
	if base == "" {
		base = "unnamed"
	}
	return filepath.Join(s.dir, base+".json")
}

// writeAtomic replaces path with data through a synced temp file.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "transcript-*.json")
	if err != nil {
		return err
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if strings.Trim(out, ".") == "" {
		return ""
	}
	return out
}
