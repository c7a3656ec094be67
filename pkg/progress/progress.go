// Package progress projects model download progress onto observers: an
// in-process snapshot with subscribers, a longer-lived status surface, and
// a resume record that survives restarts.
package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/hypernetix/fullmoon-go/pkg/logging"
)

// Snapshot is the observable download state.
type Snapshot struct {
	ModelID     string  `json:"modelId,omitempty"`
	DisplayName string  `json:"displayName,omitempty"`
	Fraction    float64 `json:"fraction"`
	Status      string  `json:"status,omitempty"`
	Error       string  `json:"error,omitempty"`
	Active      bool    `json:"active"`
	Suspended   bool    `json:"suspended"`
	// Loaded latches true on completion and stays true until the next Begin
	// or Reset.
	Loaded bool `json:"loaded"`
}

// Percent returns the fraction as a whole percentage.
func (s Snapshot) Percent() int {
	return int(s.Fraction * 100)
}

// Surface is a status display outliving a single screen, such as a
// terminal progress bar. Methods are called with the tracker locked and
// must not call back into it.
type Surface interface {
	Begin(modelID, displayName string)
	Update(fraction float64, status string)
	End(status string)
}

// ResumeRecord lets a caller offer to resume an interrupted load.
type ResumeRecord struct {
	ModelID      string    `json:"modelId"`
	LastFraction float64   `json:"lastFraction"`
	Reason       string    `json:"reason,omitempty"`
	RecordedAt   time.Time `json:"recordedAt"`
}

// ResumeStore persists at most one ResumeRecord.
type ResumeStore interface {
	SaveResume(rec ResumeRecord) error
	LoadResume() (ResumeRecord, bool, error)
	ClearResume() error
}

// Tracker serializes progress publication. A nil surface or store is
// allowed.
type Tracker struct {
	mu            sync.Mutex
	snap          Snapshot
	surface       Surface
	store         ResumeStore
	logger        logging.Logger
	surfaceActive bool
	subscribers   map[int]chan Snapshot
	nextID        int
	now           func() time.Time
}

// NewTracker creates a tracker publishing to the given surface and store.
func NewTracker(surface Surface, store ResumeStore, logger logging.Logger) *Tracker {
	return &Tracker{
		surface:     surface,
		store:       store,
		logger:      logging.OrDefault(logger),
		subscribers: make(map[int]chan Snapshot),
		now:         time.Now,
	}
}

// DownloadingStatus formats the in-flight status line.
func DownloadingStatus(displayName string, fraction float64) string {
	return fmt.Sprintf("Downloading %s: %d%%", displayName, int(fraction*100))
}

// LoadedStatus formats the completion status line.
func LoadedStatus(displayName string) string {
	return "Loaded " + displayName
}

// Begin starts a new load attempt for the given model.
func (t *Tracker) Begin(modelID, displayName string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.snap = Snapshot{
		ModelID:     modelID,
		DisplayName: displayName,
		Active:      true,
		Status:      DownloadingStatus(displayName, 0),
	}
	if t.surface != nil {
		if t.surfaceActive {
			t.surface.End("")
		}
		t.surface.Begin(modelID, displayName)
		t.surfaceActive = true
	}
	t.publishLocked()
}

// Update records a new fraction. Regressions and updates after the
// attempt finished are ignored; values are clamped to [0,1].
func (t *Tracker) Update(fraction float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.snap.Active || t.snap.Loaded {
		return
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	if fraction < t.snap.Fraction {
		t.logger.Trace("Ignoring progress regression %.3f < %.3f for %s", fraction, t.snap.Fraction, t.snap.ModelID)
		return
	}
	t.snap.Fraction = fraction
	if !t.snap.Suspended {
		t.snap.Status = DownloadingStatus(t.snap.DisplayName, fraction)
	}
	if t.surface != nil && t.surfaceActive {
		t.surface.Update(fraction, t.snap.Status)
	}
	t.publishLocked()
}

// Suspend marks the attempt as paused with a user-facing status.
func (t *Tracker) Suspend(status string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.snap.Suspended = true
	t.snap.Status = status
	if t.surface != nil && t.surfaceActive {
		t.surface.Update(t.snap.Fraction, status)
	}
	t.publishLocked()
}

// Fail ends the attempt with err and records a resume point for modelID.
func (t *Tracker) Fail(modelID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg := "load failed"
	if err != nil {
		msg = err.Error()
	}
	t.snap.Active = false
	t.snap.Error = msg
	if !t.snap.Suspended {
		t.snap.Status = "Failed: " + msg
	}
	if t.store != nil {
		rec := ResumeRecord{
			ModelID:      modelID,
			LastFraction: t.snap.Fraction,
			Reason:       msg,
			RecordedAt:   t.now(),
		}
		if serr := t.store.SaveResume(rec); serr != nil {
			t.logger.Error("Failed to save resume record for %s: %v", modelID, serr)
		}
	}
	t.endSurfaceLocked(t.snap.Status)
	t.publishLocked()
}

// Complete latches the attempt as loaded and clears any resume record.
func (t *Tracker) Complete() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.snap.Active = false
	t.snap.Suspended = false
	t.snap.Loaded = true
	t.snap.Fraction = 1
	t.snap.Error = ""
	t.snap.Status = LoadedStatus(t.snap.DisplayName)
	if t.store != nil {
		if err := t.store.ClearResume(); err != nil {
			t.logger.Warn("Failed to clear resume record: %v", err)
		}
	}
	t.endSurfaceLocked(t.snap.Status)
	t.publishLocked()
}

// End dismisses the status surface. It is safe to call repeatedly and
// when nothing was started.
func (t *Tracker) End() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.endSurfaceLocked(t.snap.Status)
	if t.snap.Active {
		t.snap.Active = false
		t.publishLocked()
	}
}

// Reset returns the tracker to zero progress, as when switching models.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.endSurfaceLocked("")
	t.snap = Snapshot{}
	t.publishLocked()
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// PendingResume returns the persisted resume record, if any.
func (t *Tracker) PendingResume() (ResumeRecord, bool, error) {
	if t.store == nil {
		return ResumeRecord{}, false, nil
	}
	return t.store.LoadResume()
}

// Subscribe returns a channel carrying the latest snapshot after every
// change. Intermediate snapshots are dropped for slow readers.
func (t *Tracker) Subscribe() (<-chan Snapshot, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++
	ch := make(chan Snapshot, 1)
	t.subscribers[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			delete(t.subscribers, id)
			close(ch)
		})
	}
}

func (t *Tracker) endSurfaceLocked(status string) {
	if t.surface == nil || !t.surfaceActive {
		return
	}
	t.surfaceActive = false
	t.surface.End(status)
}

func (t *Tracker) publishLocked() {
	for _, ch := range t.subscribers {
		select {
		case ch <- t.snap:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- t.snap
		}
	}
}
