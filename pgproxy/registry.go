package pgproxy

import (
	"fmt"
	"sort"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// SessionRecord is a bookkeeping entry tracked purely for diagnostics and
// orderly shutdown. It is never consulted by
// protocol logic.
type SessionRecord struct {
	ID        string
	PeerAddr  string
	StartedAt time.Time
	State     string
}

// registry tracks currently active sessions. Cancellation targets the
// session's own already-open backend link rather than a separate lookup by
// backend key data, so this is kept as a simple by-ID active-session set
// for logging and shutdown.
type registry struct {
	sessions cmap.ConcurrentMap[string, *SessionRecord]
}

func newRegistry() *registry {
	return &registry{sessions: cmap.New[*SessionRecord]()}
}

func (r *registry) add(rec *SessionRecord) {
	r.sessions.Set(rec.ID, rec)
}

func (r *registry) setState(id, state string) {
	if rec, ok := r.sessions.Get(id); ok {
		rec.State = state
	}
}

func (r *registry) remove(id string) {
	r.sessions.Remove(id)
}

func (r *registry) count() int {
	return r.sessions.Count()
}

// logActive logs the currently active sessions at debug level, sorted by age.
func (r *registry) logActive(logger Logger) {
	if r.sessions.Count() == 0 {
		logger.Debugf("Active sessions: 0.")
		return
	}

	records := make([]*SessionRecord, 0, r.sessions.Count())
	for _, rec := range r.sessions.Items() {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})

	msg := fmt.Sprintf("Active sessions: %d.", len(records))
	for _, rec := range records {
		msg += fmt.Sprintf(
			"\n    [%s] | Age: %-10s | State: %-10s | Src: %s",
			rec.ID,
			time.Since(rec.StartedAt).Round(time.Second),
			rec.State,
			rec.PeerAddr,
		)
	}
	logger.Debugf(msg)
}
