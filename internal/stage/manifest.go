// Package stage tracks per-item progress of pipeline stages so that an
// interrupted run resumes where it stopped instead of redoing finished work.
package stage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paperflow-io/paperflow/internal/util"
)

// Status is the lifecycle state of a single manifest item.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Item records the outcome of one unit of work within a stage.
type Item struct {
	Status     Status    `json:"status"`
	Artifact   string    `json:"artifact,omitempty"`
	Error      string    `json:"error,omitempty"`
	UpdatedUTC time.Time `json:"updated_utc"`
}

// Manifest is the on-disk ledger for one stage of one batch date.
type Manifest struct {
	Date  string          `json:"date"`
	Stage string          `json:"stage"`
	Items map[string]Item `json:"items"`

	path string
	now  func() time.Time
}

// LoadManifest reads the manifest for a stage and date, creating an empty
// one when no file exists yet.
func LoadManifest(dir, date, stage string) (*Manifest, error) {
	m := &Manifest{
		Date:  date,
		Stage: stage,
		Items: make(map[string]Item),
		path:  filepath.Join(dir, fmt.Sprintf("%s.%s.manifest.json", date, stage)),
		now:   time.Now,
	}

	if err := util.ReadJSON(m.path, m); err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("load manifest %s: %w", m.path, err)
	}
	if m.Items == nil {
		m.Items = make(map[string]Item)
	}
	if m.Date != date || m.Stage != stage {
		return nil, fmt.Errorf("manifest %s belongs to %s/%s, expected %s/%s", m.path, m.Date, m.Stage, date, stage)
	}
	return m, nil
}

// Mark records the state of an item. Artifact and error message are stored
// as given; done items keep their artifact path for later stages.
func (m *Manifest) Mark(id string, status Status, artifact, errMsg string) {
	m.Items[id] = Item{
		Status:     status,
		Artifact:   artifact,
		Error:      errMsg,
		UpdatedUTC: m.now().UTC(),
	}
}

// Get returns the recorded item and whether it exists.
func (m *Manifest) Get(id string) (Item, bool) {
	it, ok := m.Items[id]
	return it, ok
}

// Save atomically replaces the manifest file.
func (m *Manifest) Save() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	if err := util.WriteJSONAtomic(m.path, m); err != nil {
		return fmt.Errorf("save manifest %s: %w", m.path, err)
	}
	return nil
}
