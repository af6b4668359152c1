// Package handles implements the per-session handle table described in
// spec §4.C: a mapping from opaque server-chosen string ids to open
// files or directory enumerators. A Table is owned by a single SFTP
// session and accessed only by that session's goroutine (one channel,
// requests processed in order) so it does not need its own locking.
package handles

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Dir is the directory-enumerator half of the Handle variant: a cursor
// over a fixed snapshot of directory entries, advanced one at a time by
// readdir (spec §4.D, §9 open question 3). The snapshot is taken once,
// at opendir time, so enumeration order is stable even if the directory
// changes underneath a long-lived handle.
type Dir struct {
	Entries []os.FileInfo
	Pos     int
}

// Next returns the next entry and advances the cursor, or ok=false once
// the enumerator is exhausted.
func (d *Dir) Next() (os.FileInfo, bool) {
	if d.Pos >= len(d.Entries) {
		return nil, false
	}
	e := d.Entries[d.Pos]
	d.Pos++
	return e, true
}

// Handle is the tagged union from spec §3: either an open file or a
// directory enumerator, never both.
type Handle struct {
	File *os.File // non-nil for a file handle
	Dir  *Dir     // non-nil for a directory handle
}

// Table owns the live handles for one SFTP session.
type Table struct {
	entries map[string]Handle
}

// New returns an empty handle table.
func New() *Table {
	return &Table{entries: make(map[string]Handle)}
}

// Insert registers a handle under id. If id is already live, Insert
// mints a fresh id by suffixing id with a random token (spec §4.C open
// question: flux-sftp chooses "mint a unique id" over "reject the
// second open" so a client that reopens a path it forgot to close
// still works) rather than returning an error.
func (t *Table) Insert(id string, h Handle) string {
	if _, exists := t.entries[id]; !exists {
		t.entries[id] = h
		return id
	}
	unique := fmt.Sprintf("%s#%s", id, uuid.NewString())
	t.entries[unique] = h
	return unique
}

// Get returns the handle for id, or ok=false if it is not live.
func (t *Table) Get(id string) (Handle, bool) {
	h, ok := t.entries[id]
	return h, ok
}

// Remove deletes id from the table. Removing an id that is not present
// is not an error (spec §9 open question 4: close is tolerant).
func (t *Table) Remove(id string) {
	delete(t.entries, id)
}

// CloseAll closes every live file handle, dropping directory handles
// without action. Called when an SFTP session is destroyed (spec §5
// cancellation, scenario (vi)) so no descriptor is leaked on abrupt
// disconnect.
func (t *Table) CloseAll() {
	for id, h := range t.entries {
		if h.File != nil {
			_ = h.File.Close()
		}
		delete(t.entries, id)
	}
}
