package registry

import (
	"maps"
	"slices"
	"strings"

	"github.com/roach88/sqlpoint/internal/compiler"
	"github.com/roach88/sqlpoint/internal/ir"
)

// Snapshot is an immutable, versioned view of the compiled endpoints.
// A published Snapshot is never modified; writers build a new one.
type Snapshot struct {
	version   int64
	endpoints map[string]*ir.Endpoint
	files     map[string][]string
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		endpoints: map[string]*ir.Endpoint{},
		files:     map[string][]string{},
	}
}

// Version increases by one with every published snapshot.
func (s *Snapshot) Version() int64 {
	return s.version
}

// Lookup returns the endpoint registered under name.
func (s *Snapshot) Lookup(name string) (*ir.Endpoint, bool) {
	ep, ok := s.endpoints[name]
	return ep, ok
}

// Len returns the number of endpoints.
func (s *Snapshot) Len() int {
	return len(s.endpoints)
}

// Endpoints returns all endpoints sorted by name.
func (s *Snapshot) Endpoints() []*ir.Endpoint {
	out := slices.Collect(maps.Values(s.endpoints))
	slices.SortFunc(out, func(a, b *ir.Endpoint) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// FileEndpoints returns the endpoint names contributed by a source file.
func (s *Snapshot) FileEndpoints(file string) []string {
	return slices.Clone(s.files[file])
}

// Files returns the source files that contribute endpoints, sorted.
func (s *Snapshot) Files() []string {
	return slices.Sorted(maps.Keys(s.files))
}

// clone copies the maps so the result can be edited before publication.
func (s *Snapshot) clone() *Snapshot {
	files := make(map[string][]string, len(s.files))
	for f, names := range s.files {
		files[f] = slices.Clone(names)
	}
	return &Snapshot{
		version:   s.version,
		endpoints: maps.Clone(s.endpoints),
		files:     files,
	}
}

// removeFile drops every endpoint contributed by file.
func (s *Snapshot) removeFile(file string) {
	for _, name := range s.files[file] {
		delete(s.endpoints, name)
	}
	delete(s.files, file)
}

// owner returns the file that contributed the endpoint called name.
func (s *Snapshot) owner(name string) (string, bool) {
	ep, ok := s.endpoints[name]
	if !ok {
		return "", false
	}
	return ep.File, true
}

func (s *Snapshot) insert(file string, ep *ir.Endpoint) {
	s.endpoints[ep.Name] = ep
	s.files[file] = append(s.files[file], ep.Name)
}

// sameFile reports whether a and b hold identical endpoints for file.
func sameFile(a, b *Snapshot, file string) bool {
	an, bn := a.files[file], b.files[file]
	if !slices.Equal(an, bn) {
		return false
	}
	for _, name := range an {
		if a.endpoints[name].Hash != b.endpoints[name].Hash {
			return false
		}
	}
	return true
}

// Status is the published set of per-file diagnostics, the status surface
// for compile errors and warnings. Like Snapshot it is immutable.
type Status struct {
	Version     int64                           `json:"version"`
	Diagnostics map[string]compiler.Diagnostics `json:"diagnostics"`
}

// Files returns the files that have diagnostics, sorted.
func (st *Status) Files() []string {
	return slices.Sorted(maps.Keys(st.Diagnostics))
}

// HasErrors reports whether any file has an error-severity diagnostic.
func (st *Status) HasErrors() bool {
	for _, ds := range st.Diagnostics {
		if ds.HasErrors() {
			return true
		}
	}
	return false
}

// All returns every diagnostic ordered by file.
func (st *Status) All() compiler.Diagnostics {
	var out compiler.Diagnostics
	for _, f := range st.Files() {
		out = append(out, st.Diagnostics[f]...)
	}
	return out
}
