package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventImport    EventType = "import"
	EventMatch     EventType = "match"
	EventMerge     EventType = "merge"
	EventSkip      EventType = "skip"
	EventReplicate EventType = "replicate"
	EventIndex     EventType = "index"
	EventError     EventType = "error"
)

// EventLevel represents the severity level
type EventLevel string

const (
	LevelDebug   EventLevel = "debug"
	LevelInfo    EventLevel = "info"
	LevelWarning EventLevel = "warning"
	LevelError   EventLevel = "error"
)

// levelPriority maps event levels to numeric priorities for comparison
var levelPriority = map[EventLevel]int{
	LevelDebug:   0,
	LevelInfo:    1,
	LevelWarning: 2,
	LevelError:   3,
}

// Event represents a single engine event
type Event struct {
	Timestamp     time.Time         `json:"ts"`
	Level         EventLevel        `json:"level"`
	Event         EventType         `json:"event"`
	SubmissionID  int64             `json:"submission_id,omitempty"`
	TrackID       int64             `json:"track_id,omitempty"`
	FingerprintID int64             `json:"fingerprint_id,omitempty"`
	MBID          string            `json:"mbid,omitempty"`
	Score         float64           `json:"score,omitempty"`
	Action        string            `json:"action,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Count         int               `json:"count,omitempty"`
	LSN           uint64            `json:"lsn,omitempty"`
	Duration      int64             `json:"duration_ms,omitempty"` // in milliseconds
	Error         string            `json:"error,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// EventLogger writes events to a JSONL file
type EventLogger struct {
	file     *os.File
	encoder  *json.Encoder
	mu       sync.Mutex
	path     string
	minLevel EventLevel
}

// NewEventLogger creates a new event logger with a minimum log level
// minLevel determines which events are written (e.g., LevelInfo skips LevelDebug)
func NewEventLogger(outputDir string, minLevel EventLevel) (*EventLogger, error) {
	// Create output directory if it doesn't exist
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	// Generate filename with timestamp
	timestamp := time.Now().Format("20060102-150405")
	filename := fmt.Sprintf("events-%s.jsonl", timestamp)
	path := filepath.Join(outputDir, filename)

	// Open file for writing
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create event log: %w", err)
	}

	return &EventLogger{
		file:     file,
		encoder:  json.NewEncoder(file),
		path:     path,
		minLevel: minLevel,
	}, nil
}

// Log writes an event to the JSONL file
func (l *EventLogger) Log(event *Event) error {
	if l == nil || l.file == nil {
		return nil // Silently ignore if logger not initialized
	}

	// Filter by minimum level
	if levelPriority[event.Level] < levelPriority[l.minLevel] {
		return nil // Skip events below minimum level
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if err := l.encoder.Encode(event); err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	return nil
}

// LogImport logs the outcome of an imported submission
func (l *EventLogger) LogImport(submissionID, trackID, fingerprintID int64, action string, score float64) error {
	return l.Log(&Event{
		Level:         LevelInfo,
		Event:         EventImport,
		SubmissionID:  submissionID,
		TrackID:       trackID,
		FingerprintID: fingerprintID,
		Action:        action,
		Score:         score,
	})
}

// LogMatch logs a search result
func (l *EventLogger) LogMatch(fingerprintID, trackID int64, score float64) error {
	return l.Log(&Event{
		Level:         LevelDebug,
		Event:         EventMatch,
		FingerprintID: fingerprintID,
		TrackID:       trackID,
		Score:         score,
	})
}

// LogSkip logs a submission that was not imported
func (l *EventLogger) LogSkip(submissionID int64, reason string) error {
	return l.Log(&Event{
		Level:        LevelInfo,
		Event:        EventSkip,
		SubmissionID: submissionID,
		Reason:       reason,
	})
}

// LogMerge logs a track merge
func (l *EventLogger) LogMerge(targetID int64, sourceIDs []int64) error {
	return l.Log(&Event{
		Level:   LevelWarning,
		Event:   EventMerge,
		TrackID: targetID,
		Action:  "merge_tracks",
		Count:   len(sourceIDs),
		Extra: map[string]string{
			"sources": joinIDs(sourceIDs),
		},
	})
}

// LogMBIDMerge logs the collapse of a redirected MBID into its target
func (l *EventLogger) LogMBIDMerge(oldMBID, newMBID string, tracks int) error {
	return l.Log(&Event{
		Level:  LevelInfo,
		Event:  EventMerge,
		MBID:   newMBID,
		Action: "merge_mbids",
		Count:  tracks,
		Extra: map[string]string{
			"old_mbid": oldMBID,
		},
	})
}

// LogReplicate logs a published batch of changes
func (l *EventLogger) LogReplicate(changes int, lsn uint64, snapshot bool) error {
	action := "stream"
	if snapshot {
		action = "snapshot"
	}
	return l.Log(&Event{
		Level:  LevelDebug,
		Event:  EventReplicate,
		Action: action,
		Count:  changes,
		LSN:    lsn,
	})
}

// LogIndex logs an applied index update batch
func (l *EventLogger) LogIndex(index string, changes int, duration time.Duration, err error) error {
	level := LevelDebug
	errMsg := ""
	if err != nil {
		level = LevelError
		errMsg = err.Error()
	}

	return l.Log(&Event{
		Level:    level,
		Event:    EventIndex,
		Action:   index,
		Count:    changes,
		Duration: duration.Milliseconds(),
		Error:    errMsg,
	})
}

// LogError logs an error event
func (l *EventLogger) LogError(event EventType, submissionID int64, err error) error {
	return l.Log(&Event{
		Level:        LevelError,
		Event:        event,
		SubmissionID: submissionID,
		Error:        err.Error(),
	})
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// Close closes the event log file
func (l *EventLogger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.file.Close()
}

// Path returns the path to the event log file
func (l *EventLogger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// NullLogger returns a no-op event logger
func NullLogger() *EventLogger {
	return nil
}
