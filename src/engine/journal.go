package engine

// Mutations of the in-memory backend are written to the journal before they are
// applied to the tables. One journal file is kept per day.

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// JournalEntry represents a single entry in the journal.
type JournalEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	OperationID string    `json:"operationId"`
	Command     string    `json:"command"`
	Model       string    `json:"model"`
	Details     string    `json:"details"`
}

// Journal is an append-only log of mutations.
type Journal struct {
	mu           sync.Mutex
	logger       *zap.SugaredLogger
	fs           afero.Fs
	entries      []JournalEntry
	file         afero.File
	baseFilePath string    // base path for journal files, without date
	currentDate  time.Time // date of the open journal file
	now          func() time.Time
}

// NewJournal opens (or creates) today's journal file below journalFilePath.
func NewJournal(fs afero.Fs, journalFilePath string, logger *zap.SugaredLogger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	j := &Journal{
		logger:       logger,
		fs:           fs,
		baseFilePath: getBaseFilePath(journalFilePath),
		now:          time.Now,
	}
	if err := j.ensureCorrectFileOpen(); err != nil {
		return nil, err
	}
	return j, nil
}

var journalDatePattern = regexp.MustCompile(`_\d{4}-\d{2}-\d{2}$`)

// getBaseFilePath strips the extension and any date suffix from a journal path.
func getBaseFilePath(journalFilePath string) string {
	dir := filepath.Dir(journalFilePath)
	base := filepath.Base(journalFilePath)
	baseName := strings.TrimSuffix(base, filepath.Ext(base))
	baseName = journalDatePattern.ReplaceAllString(baseName, "")
	return filepath.Join(dir, baseName)
}

// FileName returns the journal file for the given day.
func (j *Journal) FileName(day time.Time) string {
	return fmt.Sprintf("%s_%s.journal", j.baseFilePath, day.Format("2006-01-02"))
}

// ensureCorrectFileOpen rolls over to a new file when the date changes. Callers hold j.mu.
func (j *Journal) ensureCorrectFileOpen() error {
	today := j.now().Truncate(24 * time.Hour)
	if j.file != nil && j.currentDate.Equal(today) {
		return nil
	}

	if j.file != nil {
		if err := j.file.Close(); err != nil {
			return fmt.Errorf("failed to close previous journal file: %w", err)
		}
		j.file = nil
	}

	fileName := j.FileName(today)
	if err := j.fs.MkdirAll(filepath.Dir(fileName), 0755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}
	file, err := j.fs.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open journal file %s: %w", fileName, err)
	}

	j.file = file
	j.currentDate = today
	j.logger.Debugw("Opened journal file", "file", fileName)
	return nil
}

// Record appends an entry. details is rendered as JSON.
func (j *Journal) Record(operationID, command, model string, details any) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to encode journal details: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.ensureCorrectFileOpen(); err != nil {
		return err
	}

	entry := JournalEntry{
		Timestamp:   j.now(),
		OperationID: operationID,
		Command:     command,
		Model:       model,
		Details:     string(payload),
	}
	line := fmt.Sprintf("%s | %s | %s | %s | %s\n",
		entry.Timestamp.Format(time.RFC3339), entry.OperationID, entry.Command, entry.Model, entry.Details)
	if _, err := j.file.WriteString(line); err != nil {
		return fmt.Errorf("failed to write to journal file: %w", err)
	}
	j.entries = append(j.entries, entry)
	return nil
}

// Entries returns the entries written through this journal instance.
func (j *Journal) Entries() []JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]JournalEntry, len(j.entries))
	copy(out, j.entries)
	return out
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil {
		if err := j.file.Close(); err != nil {
			return fmt.Errorf("failed to close journal file: %w", err)
		}
		j.file = nil
	}
	return nil
}
