package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const dayLayout = "2006-01-02"

// DayLog пишет события в append-only файлы audit_YYYY-MM-DD.jsonl (дата в UTC).
type DayLog struct {
	dir string
	mu  sync.Mutex
}

func NewDayLog(dir string) (*DayLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	return &DayLog{dir: dir}, nil
}

// FileFor — путь к файлу за день
func (d *DayLog) FileFor(day time.Time) string {
	return filepath.Join(d.dir, "audit_"+day.UTC().Format(dayLayout)+".jsonl")
}

func (d *DayLog) WriteBatch(_ context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	// Пачка может перейти через полночь
	byFile := make(map[string][]Event)
	order := make([]string, 0, 1)
	for _, e := range events {
		path := d.FileFor(e.Timestamp)
		if _, ok := byFile[path]; !ok {
			order = append(order, path)
		}
		byFile[path] = append(byFile[path], e)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, path := range order {
		if err := appendLines(path, byFile[path]); err != nil {
			return err
		}
	}
	return nil
}

func appendLines(path string, events []Event) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			f.Close()
			return fmt.Errorf("audit: encode event: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("audit: write %s: %w", path, err)
	}
	return f.Close()
}

// ReadDay читает события за день с необязательными фильтрами по агенту и action_id.
// Отсутствующий файл — пустой список.
func (d *DayLog) ReadDay(day time.Time, agentName, actionID string) ([]Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Event, 0)
	f, err := os.Open(d.FileFor(day))
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: open day log: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("audit: decode line: %w", err)
		}
		if agentName != "" && e.AgentName != agentName {
			continue
		}
		if actionID != "" && e.ActionID != actionID {
			continue
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan day log: %w", err)
	}
	return out, nil
}
