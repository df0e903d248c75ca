package budget

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentmux/agentmux/internal/types"
)

const (
	usageDirName   = "usage"
	writeRetries   = 3
	writeBackoff   = 50 * time.Millisecond
	dayLayout      = "2006-01-02"
	usageFilePerms = 0644
	usageDirPerms  = 0755
)

// UsageLog persists usage records to one JSON array file per UTC day,
// written temp-then-rename so a crash never truncates a day.
type UsageLog struct {
	mu   sync.Mutex
	dir  string
	days map[string][]types.UsageRecord

	sleep func(time.Duration)
}

// NewUsageLog creates a log rooted at <home>/usage
func NewUsageLog(homeDir string) *UsageLog {
	return &UsageLog{
		dir:   filepath.Join(homeDir, usageDirName),
		days:  make(map[string][]types.UsageRecord),
		sleep: time.Sleep,
	}
}

// Append adds a record to its UTC day file. Write errors surface only
// after retrying with backoff.
func (l *UsageLog) Append(r types.UsageRecord) error {
	day := r.Timestamp.UTC().Format(dayLayout)

	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.loadDayLocked(day)
	if err != nil {
		return err
	}
	records = append(records, r)
	l.days[day] = records

	var lastErr error
	for attempt := 0; attempt < writeRetries; attempt++ {
		if lastErr = l.writeDayLocked(day, records); lastErr == nil {
			return nil
		}
		log.Printf("[BUDGET] Usage write failed (attempt %d): %v", attempt+1, lastErr)
		l.sleep(writeBackoff << attempt)
	}
	return fmt.Errorf("failed to persist usage for %s: %w", day, lastErr)
}

// Day returns the records for one UTC day
func (l *UsageLog) Day(day time.Time) ([]types.UsageRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	records, err := l.loadDayLocked(day.UTC().Format(dayLayout))
	if err != nil {
		return nil, err
	}
	out := make([]types.UsageRecord, len(records))
	copy(out, records)
	return out, nil
}

// Range returns all records with timestamps in [from, to)
func (l *UsageLog) Range(from, to time.Time) ([]types.UsageRecord, error) {
	var out []types.UsageRecord
	for day := from.UTC().Truncate(24 * time.Hour); day.Before(to); day = day.Add(24 * time.Hour) {
		records, err := l.Day(day)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			ts := r.Timestamp.UTC()
			if !ts.Before(from) && ts.Before(to) {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

// loadDayLocked reads a day file into the cache. Missing files are an
// empty day.
func (l *UsageLog) loadDayLocked(day string) ([]types.UsageRecord, error) {
	if records, ok := l.days[day]; ok {
		return records, nil
	}

	data, err := os.ReadFile(filepath.Join(l.dir, day+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			l.days[day] = nil
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read usage log for %s: %w", day, err)
	}

	var records []types.UsageRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("corrupt usage log for %s: %w", day, err)
	}
	l.days[day] = records
	return records, nil
}

// writeDayLocked writes the day file atomically
func (l *UsageLog) writeDayLocked(day string, records []types.UsageRecord) error {
	if err := os.MkdirAll(l.dir, usageDirPerms); err != nil {
		return err
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	final := filepath.Join(l.dir, day+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, usageFilePerms); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}
