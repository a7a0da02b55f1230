package stream

import (
	"sync"
	"time"
)

// DefaultMaxChunks caps the frames held per participant.
const DefaultMaxChunks = 1000

// Record is the audio buffered for one participant since the last flush.
// It is safe for concurrent use.
type Record struct {
	UserID   string
	Username string

	mu           sync.Mutex
	chunks       [][]float32
	samples      int
	maxChunks    int
	dropped      int
	active       bool
	lastActivity time.Time
}

// NewRecord returns an empty record whose activity clock starts at now.
func NewRecord(userID string, maxChunks int, now time.Time) *Record {
	if maxChunks <= 0 {
		maxChunks = DefaultMaxChunks
	}
	return &Record{UserID: userID, maxChunks: maxChunks, lastActivity: now}
}

// Append adds chunk, dropping the oldest chunk when the record is full.
// active marks the chunk as containing speech and moves the activity clock;
// it also becomes the record's [Record.IsActive] state.
func (r *Record) Append(chunk []float32, active bool, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.chunks) >= r.maxChunks {
		r.samples -= len(r.chunks[0])
		r.chunks[0] = nil
		r.chunks = r.chunks[1:]
		r.dropped++
	}
	r.chunks = append(r.chunks, chunk)
	r.samples += len(chunk)
	r.active = active
	if active {
		r.lastActivity = now
	}
}

// Chunks returns the number of buffered chunks.
func (r *Record) Chunks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

// Samples returns the number of buffered samples.
func (r *Record) Samples() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.samples
}

// Duration returns the buffered length of mono audio at sampleRate.
func (r *Record) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(r.Samples()) * time.Second / time.Duration(sampleRate)
}

// Dropped returns how many chunks were discarded at the cap.
func (r *Record) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// IsActive reports whether the most recent chunk contained speech.
func (r *Record) IsActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// LastActivity returns when speech was last appended.
func (r *Record) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// SinceActivity returns the time from the last speech to now.
func (r *Record) SinceActivity(now time.Time) time.Duration {
	return now.Sub(r.LastActivity())
}

// Take returns the buffered audio as one slice and empties the record.
func (r *Record) Take() []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]float32, 0, r.samples)
	for _, c := range r.chunks {
		out = append(out, c...)
	}
	r.chunks = nil
	r.samples = 0
	return out
}

// Expired reports whether r has seen no speech for longer than maxAge.
func Expired(r *Record, now time.Time, maxAge time.Duration) bool {
	return r.SinceActivity(now) > maxAge
}

// Registry maps user IDs to records. It is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Get returns the record for userID.
func (g *Registry) Get(userID string) (*Record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.records[userID]
	return r, ok
}

// GetOrCreate returns the record for userID, creating it with create when
// missing.
func (g *Registry) GetOrCreate(userID string, create func() *Record) *Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.records[userID]; ok {
		return r
	}
	r := create()
	g.records[userID] = r
	return r
}

// Set stores r under r.UserID, replacing any previous record.
func (g *Registry) Set(r *Record) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records[r.UserID] = r
}

// Remove deletes the record for userID and reports whether one existed.
func (g *Registry) Remove(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.records[userID]
	delete(g.records, userID)
	return ok
}

// Len returns the number of records.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.records)
}

// All returns the records in no particular order.
func (g *Registry) All() []*Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Record, 0, len(g.records))
	for _, r := range g.records {
		out = append(out, r)
	}
	return out
}

// Sweep removes every record that is [Expired] at now and returns their
// user IDs.
func (g *Registry) Sweep(now time.Time, maxAge time.Duration) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var removed []string
	for id, r := range g.records {
		if Expired(r, now, maxAge) {
			delete(g.records, id)
			removed = append(removed, id)
		}
	}
	return removed
}
