package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/plinth/internal/observability"
	"github.com/harun/plinth/internal/tracing"
	"github.com/harun/plinth/pkg/core"
)

const archiveExt = ".jsonl"

// archiveLine is one JSONL record: a message or a truncation event.
type archiveLine struct {
	SessionID  string           `json:"session_id"`
	Kind       string           `json:"kind"` // message, truncation
	Message    *core.Message    `json:"message,omitempty"`
	Truncation *TruncationEvent `json:"truncation,omitempty"`
}

// Store archives sessions as JSONL files under a directory.
type Store struct {
	dir    string
	logger zerolog.Logger
}

// NewStore creates a session store rooted at dir.
func NewStore(dir string, logger zerolog.Logger) (*Store, error) {
	observability.EnsureRegistered()

	if dir == "" {
		return nil, fmt.Errorf("sessions dir is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	return &Store{
		dir:    dir,
		logger: logger.With().Str("component", "session_store").Logger(),
	}, nil
}

// ValidateID rejects session IDs that would escape the store directory.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("session id cannot contain '..'")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("session id cannot contain path separators")
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("session id cannot contain null bytes")
	}
	return nil
}

func (st *Store) path(id string) string {
	return filepath.Join(st.dir, id+archiveExt)
}

// Archive writes a snapshot of the session to disk. The write is atomic:
// a temp file is written, synced, then renamed over any previous archive.
func (st *Store) Archive(ctx context.Context, sess *Session) error {
	logger := tracing.LoggerFromContext(ctx, st.logger).With().Str("session_id", sess.ID()).Logger()
	start := time.Now()
	defer func() {
		observability.RecordSessionArchive(time.Since(start))
	}()

	if err := ValidateID(sess.ID()); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(st.dir, "archive-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp archive: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	encode := func(line archiveLine) error {
		data, err := json.Marshal(line)
		if err != nil {
			return fmt.Errorf("failed to marshal archive line: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("failed to write archive line: %w", err)
		}
		return nil
	}

	for _, msg := range sess.Messages() {
		m := msg
		if err := encode(archiveLine{SessionID: sess.ID(), Kind: "message", Message: &m}); err != nil {
			tmp.Close()
			return err
		}
	}
	for _, ev := range sess.Truncations() {
		e := ev
		if err := encode(archiveLine{SessionID: sess.ID(), Kind: "truncation", Truncation: &e}); err != nil {
			tmp.Close()
			return err
		}
	}

	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}

	if err := os.Rename(tmpName, st.path(sess.ID())); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}

	st.updateActiveSessionsMetric()

	logger.Debug().
		Int("messages", sess.Len()).
		Msg("Session archived")

	return nil
}

// Load rehydrates a session from its archive. Corrupt lines are skipped
// with a warning so one bad record does not strand the transcript.
func (st *Store) Load(ctx context.Context, id string) (*Session, error) {
	logger := tracing.LoggerFromContext(ctx, st.logger).With().Str("session_id", id).Logger()

	if err := ValidateID(id); err != nil {
		return nil, err
	}

	file, err := os.Open(st.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %s not found", id)
		}
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer file.Close()

	sess := New(id)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	lineNo := 0
	skipped := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var line archiveLine
		if err := json.Unmarshal(raw, &line); err != nil {
			skipped++
			logger.Warn().Int("line", lineNo).Err(err).Msg("Skipping corrupt archive line")
			continue
		}

		switch line.Kind {
		case "message":
			if line.Message != nil {
				if err := sess.Append(*line.Message); err != nil {
					return nil, err
				}
			}
		case "truncation":
			if line.Truncation != nil {
				if err := sess.RecordTruncation(*line.Truncation); err != nil {
					return nil, err
				}
			}
		default:
			skipped++
			logger.Warn().Int("line", lineNo).Str("kind", line.Kind).Msg("Skipping unknown archive line kind")
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}

	if skipped > 0 {
		logger.Warn().Int("skipped", skipped).Msg("Archive loaded with skipped lines")
	}

	return sess, nil
}

// List returns the IDs of all archived sessions.
func (st *Store) List() ([]string, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, archiveExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, archiveExt))
	}
	return ids, nil
}

// Delete removes a session archive.
func (st *Store) Delete(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := os.Remove(st.path(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("session %s not found", id)
		}
		return fmt.Errorf("failed to delete archive: %w", err)
	}
	st.updateActiveSessionsMetric()
	return nil
}

// Prune deletes archives whose last modification is older than maxAge.
// It returns the number of archives removed.
func (st *Store) Prune(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), archiveExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(st.dir, entry.Name())); err != nil {
				st.logger.Warn().Str("archive", entry.Name()).Err(err).Msg("Failed to prune archive")
				continue
			}
			removed++
		}
	}

	if removed > 0 {
		st.updateActiveSessionsMetric()
		st.logger.Info().Int("removed", removed).Msg("Pruned old session archives")
	}
	return removed, nil
}

func (st *Store) updateActiveSessionsMetric() {
	ids, err := st.List()
	if err != nil {
		return
	}
	observability.SetActiveSessions(len(ids))
}
