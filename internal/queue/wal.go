package queue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// walEntry is one append-only log record. ENQUEUE marks intake, COMPLETE
// marks the job leaving the queue for good (success or terminal failure).
type walEntry struct {
	Action    string    `json:"action"` // "ENQUEUE" or "COMPLETE"
	Job       Job       `json:"job"`
	Timestamp time.Time `json:"timestamp"`
}

// wal persists queue intake so a crash between accept and execution does not
// silently lose signals. Jobs recovered on restart go back through the
// idempotency check before re-execution, so replay is safe.
type wal struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func openWAL(dir string) (*wal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create WAL directory: %w", err)
	}
	path := filepath.Join(dir, "signal_queue.wal")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open WAL file: %w", err)
	}
	return &wal{path: path, file: file}, nil
}

// append writes one entry. ENQUEUE entries are synced for durability;
// COMPLETE entries are not, accepting a possible duplicate replay on crash
// (the idempotency store absorbs it).
func (w *wal) append(entry walEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal WAL entry: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return fmt.Errorf("WAL closed")
	}
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write WAL entry: %w", err)
	}
	if entry.Action == "ENQUEUE" {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("sync WAL: %w", err)
		}
	}
	return nil
}

// pending replays the log and returns jobs enqueued but never completed.
func (w *wal) pending() ([]Job, error) {
	file, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open WAL for recovery: %w", err)
	}
	defer file.Close()

	enqueued := make(map[string]Job)
	completed := make(map[string]bool)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		var entry walEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			log.Printf("queue: WAL parse error (skipping): %v", err)
			continue
		}
		switch entry.Action {
		case "ENQUEUE":
			enqueued[entry.Job.ID] = entry.Job
		case "COMPLETE":
			completed[entry.Job.ID] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("WAL scan error: %w", err)
	}

	var jobs []Job
	for id, job := range enqueued {
		if !completed[id] {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// compact rewrites the log keeping only the given pending jobs.
func (w *wal) compact(pending []Job) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	tempPath := w.path + ".tmp"
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(tempFile)
	for _, job := range pending {
		entry := walEntry{Action: "ENQUEUE", Job: job, Timestamp: job.EnqueuedAt}
		if err := encoder.Encode(entry); err != nil {
			tempFile.Close()
			os.Remove(tempPath)
			return err
		}
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return err
	}
	tempFile.Close()

	w.file.Close()
	if err := os.Rename(tempPath, w.path); err != nil {
		return err
	}
	w.file, err = os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	return err
}

func (w *wal) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		w.file.Sync()
		w.file.Close()
		w.file = nil
	}
}
