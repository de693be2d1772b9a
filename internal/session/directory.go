// Package session maps live connections to the users they authenticated as.
//
// A user may hold several connections at once (one per tab or device); each
// is a separate session. Entries are ephemeral and die with the connection.
package session

import (
	"sort"
	"sync"
)

type Directory struct {
	mu     sync.RWMutex
	byConn map[string]string              // connectionID → userID
	byUser map[string]map[string]struct{} // userID → set of connectionIDs
}

func NewDirectory() *Directory {
	return &Directory{
		byConn: make(map[string]string),
		byUser: make(map[string]map[string]struct{}),
	}
}

// Bind attaches connectionID to userID, replacing any previous binding of the
// same connection.
func (d *Directory) Bind(connectionID, userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.byConn[connectionID]; ok {
		d.dropLocked(connectionID, prev)
	}
	d.byConn[connectionID] = userID
	if d.byUser[userID] == nil {
		d.byUser[userID] = make(map[string]struct{})
	}
	d.byUser[userID][connectionID] = struct{}{}
}

// Unbind removes the session for connectionID, if any.
func (d *Directory) Unbind(connectionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if userID, ok := d.byConn[connectionID]; ok {
		d.dropLocked(connectionID, userID)
	}
}

// Resolve returns the user bound to connectionID.
func (d *Directory) Resolve(connectionID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	userID, ok := d.byConn[connectionID]
	return userID, ok
}

// ConnectionsOf returns a sorted snapshot of userID's connections.
func (d *Directory) ConnectionsOf(userID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	conns := d.byUser[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]string, 0, len(conns))
	for c := range conns {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of live sessions.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byConn)
}

func (d *Directory) dropLocked(connectionID, userID string) {
	delete(d.byConn, connectionID)
	delete(d.byUser[userID], connectionID)
	if len(d.byUser[userID]) == 0 {
		delete(d.byUser, userID)
	}
}
