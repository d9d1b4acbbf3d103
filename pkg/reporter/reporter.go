// Package reporter writes scan results as a JSON report.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/natefinch/atomic"

	"github.com/imjasonh/itemcache/pkg/item"
	"github.com/imjasonh/itemcache/pkg/result"
)

// Report is the outcome of the latest scan pass.
type Report struct {
	// Identity
	ScanID   string `json:"scan_id"`
	Hostname string `json:"hostname,omitempty"`

	// Timing
	StartedAt     time.Time `json:"started_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	Passes        uint64    `json:"passes"`

	// Data
	Objects []Object `json:"objects"`

	// Stats
	UniqueItems    int64  `json:"unique_items"`
	DuplicateItems uint64 `json:"duplicate_items"`
}

// Object is the collected object of one check.
type Object struct {
	ID       string    `json:"id"`
	Flag     string    `json:"flag"`
	Messages []Message `json:"messages,omitempty"`
	Items    []Item    `json:"items"`
}

// Message is a diagnostic attached to an object.
type Message struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// Item is one collected item.
type Item struct {
	ID       string   `json:"id"`
	Kind     string   `json:"kind"`
	Status   string   `json:"status"`
	Entities []Entity `json:"entities"`
}

// Entity is one named value of an item.
type Entity struct {
	Name     string `json:"name"`
	Datatype string `json:"datatype"`
	Value    string `json:"value"`
	Status   string `json:"status,omitempty"`
}

// NewObject converts a collection into its report form.
func NewObject(c *result.Collection) Object {
	obj := Object{
		ID:    c.ObjectID,
		Flag:  c.Flag().String(),
		Items: []Item{},
	}
	for _, m := range c.Messages() {
		obj.Messages = append(obj.Messages, Message{Level: m.Level.String(), Text: m.Text})
	}
	for _, it := range c.Items() {
		obj.Items = append(obj.Items, newItem(it))
	}
	return obj
}

func newItem(it *item.Item) Item {
	out := Item{ID: it.ID(), Kind: it.Kind(), Status: it.Status().String()}
	for _, e := range it.Entities() {
		ent := Entity{Name: e.Name, Datatype: string(e.Datatype), Value: e.Value}
		if e.Status != item.StatusExists {
			ent.Status = e.Status.String()
		}
		out.Entities = append(out.Entities, ent)
	}
	return out
}

// Reporter defines the interface for report output.
type Reporter interface {
	// Update writes the current report state.
	Update(ctx context.Context, report *Report) error

	// Close flushes any pending data and releases resources.
	Close() error
}

// FileReporter writes reports to a JSON file using atomic writes.
type FileReporter struct {
	path string
}

// NewFileReporter creates a reporter that writes to the given file path.
func NewFileReporter(ctx context.Context, path string) *FileReporter {
	clog.FromContext(ctx).Infof("Initialized file reporter (path: %s)", path)
	return &FileReporter{path: path}
}

// Update writes the report to the file atomically. Objects are written in ID
// order.
func (r *FileReporter) Update(ctx context.Context, report *Report) error {
	log := clog.FromContext(ctx)

	reportCopy := *report
	reportCopy.Objects = append([]Object(nil), report.Objects...)
	sort.Slice(reportCopy.Objects, func(i, j int) bool {
		return reportCopy.Objects[i].ID < reportCopy.Objects[j].ID
	})
	if reportCopy.Objects == nil {
		reportCopy.Objects = []Object{}
	}
	reportCopy.LastUpdatedAt = time.Now()

	data, err := json.MarshalIndent(&reportCopy, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	log.Debugf("Marshaled report: %d bytes, %d objects", len(data), len(reportCopy.Objects))

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	if err := atomic.WriteFile(r.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing report %s: %w", r.path, err)
	}

	log.Debug("Report written successfully")
	return nil
}

// Close is a no-op for FileReporter.
func (r *FileReporter) Close() error {
	return nil
}

// Path returns the file path this reporter writes to.
func (r *FileReporter) Path() string {
	return r.path
}
