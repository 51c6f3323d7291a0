package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Pipeline stages as they appear in journal entries.
const (
	StageRun      = "run"
	StageSnapshot = "snapshot"
	StageDiff     = "diff"
	StageRisk     = "risk"
	StageWhatIf   = "whatif"
	StageExec     = "execution"
)

// Entry is one audit record. Every order decision and every order state
// transition writes one, so a run can be reconstructed from the journal
// alone.
type Entry struct {
	TS          time.Time `json:"ts"`
	RunID       string    `json:"run_id"`
	Stage       string    `json:"stage"`
	Symbol      string    `json:"symbol,omitempty"`
	InputDigest string    `json:"input_digest,omitempty"`
	Decision    string    `json:"decision"`
	Reason      string    `json:"reason,omitempty"`
	Details     any       `json:"details,omitempty"`
}

// Log is an append-only JSONL journal, one file per UTC day. A failed
// write is surfaced to the caller; the pipeline treats it as fatal for
// the run since an unjournaled action cannot be audited.
type Log struct {
	dir string
	log zerolog.Logger

	mu   sync.Mutex
	file *os.File
	day  string
}

func Open(dir string, log zerolog.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal dir: %w", err)
	}
	return &Log{
		dir: dir,
		log: log.With().Str("component", "journal").Logger(),
	}, nil
}

// Record appends one entry. The timestamp is set here when the caller
// left it zero.
func (l *Log) Record(e Entry) error {
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rotateLocked(e.TS); err != nil {
		return err
	}

	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode journal entry: %w", err)
	}
	if _, err := l.file.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	return l.file.Sync()
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Log) rotateLocked(ts time.Time) error {
	day := ts.UTC().Format("2006-01-02")
	if l.file != nil && day == l.day {
		return nil
	}
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			l.log.Warn().Err(err).Msg("failed to close previous journal file")
		}
	}
	path := filepath.Join(l.dir, fmt.Sprintf("journal-%s.jsonl", day))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal file: %w", err)
	}
	l.file = f
	l.day = day
	l.log.Debug().Str("path", path).Msg("journal file opened")
	return nil
}

// Digest fingerprints an input value so an entry can reference exactly
// what was decided on without embedding the whole payload.
func Digest(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
