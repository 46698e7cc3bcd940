// Package responder dispatches PLDM file-I/O commands. Small payloads are
// answered directly; payloads beyond the direct-response capacity are
// handed off to the DMA chunked-transfer engine and answered asynchronously
// through the response sink.
package responder

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Entry maps a PLDM file handle to a path on the BMC filesystem.
type Entry struct {
	Handle uint32
	Path   string
}

// Registry is the file table backing the file-I/O commands: a handle to
// path mapping plus its wire encoding.
type Registry struct {
	mu      sync.RWMutex
	entries map[uint32]Entry
}

// NewRegistry creates an empty file registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[uint32]Entry)}
}

// Add registers an entry, replacing any previous entry with the same handle.
func (r *Registry) Add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.Handle] = e
	logrus.WithFields(logrus.Fields{
		"function": "Add",
		"handle":   e.Handle,
		"path":     e.Path,
	}).Debug("File registry entry added")
}

// Lookup resolves a file handle to its entry.
func (r *Registry) Lookup(handle uint32) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[handle]
	return e, ok
}

// Len returns the number of registered entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Table encodes the file attribute table: for each entry the handle, name
// length, name, current size, and traits, followed by a CRC-32 of the
// preceding bytes. Entries whose backing file cannot be stat'ed are encoded
// with zero size rather than omitted, so handles stay stable for the host.
func (r *Registry) Table() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var table []byte
	for _, e := range sortedEntries(r.entries) {
		name := []byte(e.Path)
		if len(name) > 0xFFFF {
			return nil, fmt.Errorf("file path too long for table: %s", e.Path)
		}
		var size uint32
		if fi, err := os.Stat(e.Path); err == nil {
			size = uint32(fi.Size())
		} else {
			logrus.WithFields(logrus.Fields{
				"function": "Table",
				"handle":   e.Handle,
				"path":     e.Path,
				"error":    err.Error(),
			}).Warn("File table entry is not stat-able, encoding zero size")
		}

		fixed := make([]byte, 6)
		binary.LittleEndian.PutUint32(fixed[0:4], e.Handle)
		binary.LittleEndian.PutUint16(fixed[4:6], uint16(len(name)))
		table = append(table, fixed...)
		table = append(table, name...)

		tail := make([]byte, 8)
		binary.LittleEndian.PutUint32(tail[0:4], size)
		table = append(table, tail...)
	}

	sum := make([]byte, 4)
	binary.LittleEndian.PutUint32(sum, crc32.ChecksumIEEE(table))
	return append(table, sum...), nil
}

func sortedEntries(entries map[uint32]Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}
