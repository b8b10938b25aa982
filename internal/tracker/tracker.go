// Package tracker persists one record per download attempt so interrupted
// batches can be inspected and resumed. State lives in a single JSON file that
// is rewritten on every mutation.
package tracker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Download statuses.
const (
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

const stateFileName = "download_state.json"

// ErrRecordNotFound is returned when an id has no record.
var ErrRecordNotFound = errors.New("download record not found")

// Record is the persisted state of one download attempt.
type Record struct {
	ID         string    `json:"id"`
	AnimeName  string    `json:"anime_name"`
	Episode    int       `json:"episode"`
	Slug       string    `json:"slug"`
	Status     string    `json:"status"`
	Path       string    `json:"path,omitempty"`
	Done       int64     `json:"done"`
	Total      int64     `json:"total"`
	Error      string    `json:"error,omitempty"`
	Audio      string    `json:"audio,omitempty"`
	Resolution string    `json:"resolution,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Tracker owns the state file. All methods are safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	path    string
	records map[string]*Record
}

// New loads (or initializes) the state file under dir.
func New(dir string) (*Tracker, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "create state dir")
	}
	t := &Tracker{
		path:    filepath.Join(dir, stateFileName),
		records: make(map[string]*Record),
	}

	data, err := os.ReadFile(t.path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read state file")
	}
	if len(data) == 0 {
		return t, nil
	}
	var records []*Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errors.Wrap(err, "decode state file")
	}
	for _, r := range records {
		t.records[r.ID] = r
	}
	return t, nil
}

// Add creates an in-progress record for a fresh attempt and returns its id.
func (t *Tracker) Add(animeName string, episode int, slug, audio, resolution string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	r := &Record{
		ID:         uuid.NewString(),
		AnimeName:  animeName,
		Episode:    episode,
		Slug:       slug,
		Status:     StatusInProgress,
		Audio:      audio,
		Resolution: resolution,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	t.records[r.ID] = r
	return r.ID, t.persistLocked()
}

// UpdateProgress stores the latest (done, total) snapshot for a record.
func (t *Tracker) UpdateProgress(id string, done, total int64) error {
	return t.mutate(id, func(r *Record) {
		r.Done = done
		r.Total = total
	})
}

// MarkCompleted finalizes a record with the finished file's path.
func (t *Tracker) MarkCompleted(id, path string) error {
	return t.mutate(id, func(r *Record) {
		r.Status = StatusCompleted
		r.Path = path
		r.Error = ""
	})
}

// MarkFailed finalizes a record with the failure reason.
func (t *Tracker) MarkFailed(id, reason string) error {
	return t.mutate(id, func(r *Record) {
		r.Status = StatusFailed
		r.Error = reason
	})
}

// MarkCancelled finalizes a record as cancelled by the user.
func (t *Tracker) MarkCancelled(id string) error {
	return t.mutate(id, func(r *Record) {
		r.Status = StatusCancelled
	})
}

// Get returns a copy of the record for id.
func (t *Tracker) Get(id string) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok {
		return Record{}, errors.Wrap(ErrRecordNotFound, id)
	}
	return *r, nil
}

// Incomplete returns every record that did not finish successfully, oldest
// first. These are the candidates a caller may offer to retry.
func (t *Tracker) Incomplete() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Record
	for _, r := range t.records {
		if r.Status != StatusCompleted {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Remove deletes one record.
func (t *Tracker) Remove(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[id]; !ok {
		return errors.Wrap(ErrRecordNotFound, id)
	}
	delete(t.records, id)
	return t.persistLocked()
}

// ClearCompleted drops every successfully finished record and reports how
// many were removed.
func (t *Tracker) ClearCompleted() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, r := range t.records {
		if r.Status == StatusCompleted {
			delete(t.records, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, t.persistLocked()
}

// ValidateFile reports whether a completed record's file still exists on
// disk. Records in any other status validate false.
func (t *Tracker) ValidateFile(id string) bool {
	r, err := t.Get(id)
	if err != nil || r.Status != StatusCompleted || r.Path == "" {
		return false
	}
	info, err := os.Stat(r.Path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

func (t *Tracker) mutate(id string, fn func(*Record)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok {
		return errors.Wrap(ErrRecordNotFound, id)
	}
	fn(r)
	r.UpdatedAt = time.Now()
	return t.persistLocked()
}

// persistLocked writes the state file; callers hold t.mu.
func (t *Tracker) persistLocked() error {
	records := make([]*Record, 0, len(t.records))
	for _, r := range t.records {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].StartedAt.Before(records[j].StartedAt) })

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode state")
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "write state file")
	}
	return errors.Wrap(os.Rename(tmp, t.path), "replace state file")
}
