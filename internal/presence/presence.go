package presence

import (
	"sort"
	"sync"

	"overlay-chat/internal/envelope"
)

// Record maps a user to the server that owns their session. Advertise keeps
// the envelope that announced the fact so it can be replayed verbatim to
// servers that join later.
type Record struct {
	UserID      string
	Owner       string
	LastUpdated int64
	Advertise   *envelope.Envelope
}

// Directory is the mesh-wide view of where each user is connected. It is
// eventually consistent: servers may transiently disagree while gossip is in
// flight, and merges are last-writer-wins by timestamp so they commute.
type Directory struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewDirectory() *Directory {
	return &Directory{records: make(map[string]*Record)}
}

// Advertise merges a presence fact and reports whether local state changed,
// which is what decides re-gossip. A fact older than the stored one is
// ignored; a fact with the same owner and no newer information is a no-op.
func (d *Directory) Advertise(userID, owner string, ts int64, adv *envelope.Envelope) bool {
	if userID == "" || owner == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, ok := d.records[userID]
	if ok {
		if ts < existing.LastUpdated {
			return false
		}
		if ts == existing.LastUpdated && existing.Owner == owner {
			return false
		}
	}
	changed := !ok || existing.Owner != owner
	d.records[userID] = &Record{UserID: userID, Owner: owner, LastUpdated: ts, Advertise: adv}
	return changed
}

// Remove deletes the record for userID unless the stored fact is newer than
// the removal. Reports whether a record was deleted.
func (d *Directory) Remove(userID string, ts int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, ok := d.records[userID]
	if !ok || existing.LastUpdated > ts {
		return false
	}
	delete(d.records, userID)
	return true
}

// Lookup returns the owning server for userID.
func (d *Directory) Lookup(userID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.records[userID]
	if !ok {
		return "", false
	}
	return rec.Owner, true
}

// PurgeOwner drops every record owned by serverID and returns the affected
// users. Called when a peer is reaped so stale ownership never routes frames
// at a dead link.
func (d *Directory) PurgeOwner(serverID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var purged []string
	for userID, rec := range d.records {
		if rec.Owner == serverID {
			delete(d.records, userID)
			purged = append(purged, userID)
		}
	}
	sort.Strings(purged)
	return purged
}

// Snapshot returns all records sorted by user id.
func (d *Directory) Snapshot() []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Record, 0, len(d.records))
	for _, rec := range d.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Advertises returns the stored advertise envelopes, used to bring a newly
// joined peer up to date on current presence.
func (d *Directory) Advertises() []*envelope.Envelope {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*envelope.Envelope, 0, len(d.records))
	for _, rec := range d.records {
		if rec.Advertise != nil {
			out = append(out, rec.Advertise)
		}
	}
	return out
}
