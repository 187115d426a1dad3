// Package registry holds the compiled endpoints of a source tree.
//
// Readers obtain an immutable Snapshot with a single atomic load and keep
// using it for the whole request, even if a reload publishes a newer one
// meanwhile. All mutation goes through one writer (Build, then Update),
// serialized by a mutex.
//
// Name collisions resolve by path order: the file that sorts first owns
// the name, and later claimants are parked as pending until the owner goes
// away. A collision introduced by a reload rejects that reload and keeps
// the previously published snapshot.
package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/roach88/sqlpoint/internal/compiler"
	"github.com/roach88/sqlpoint/internal/ir"
)

// SourceExt is the extension of endpoint source files.
const SourceExt = ".sql"

// ErrNoSources is returned by Build when the root holds no source files.
var ErrNoSources = errors.New("no " + SourceExt + " source files found")

// Outcome describes what Update did with a change.
type Outcome string

const (
	// OutcomePublished means a new snapshot version was published.
	OutcomePublished Outcome = "published"
	// OutcomeUnchanged means the snapshot already reflected the file.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeRejected means the change collided and the prior snapshot stays.
	OutcomeRejected Outcome = "rejected"
)

// Change reports the result of applying one file change.
type Change struct {
	File        string
	Outcome     Outcome
	Version     int64
	Diagnostics compiler.Diagnostics
}

// Registry compiles a source tree and publishes snapshots of it.
type Registry struct {
	root   string
	opts   compiler.Options
	logger *slog.Logger

	snap   atomic.Pointer[Snapshot]
	status atomic.Pointer[Status]
	clock  versionClock

	// Writer state, guarded by mu.
	mu      sync.Mutex
	diags   map[string]compiler.Diagnostics
	pending map[string]*ir.Endpoint
}

// New returns an empty registry rooted at root. Call Build to load it.
func New(root string, opts compiler.Options, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	r := &Registry{
		root:    root,
		opts:    opts,
		logger:  logger,
		diags:   map[string]compiler.Diagnostics{},
		pending: map[string]*ir.Endpoint{},
	}
	r.snap.Store(emptySnapshot())
	r.status.Store(&Status{Diagnostics: map[string]compiler.Diagnostics{}})
	return r
}

// Root returns the absolute source directory.
func (r *Registry) Root() string {
	return r.root
}

// Snapshot returns the current snapshot. It never returns nil.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// Status returns the current diagnostics.
func (r *Registry) Status() *Status {
	return r.status.Load()
}

// TrackedFiles returns every file the registry holds state for: files that
// contribute endpoints, pending claimants and files with diagnostics.
// The result is sorted.
func (r *Registry) TrackedFiles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := map[string]struct{}{}
	for _, f := range r.snap.Load().Files() {
		seen[f] = struct{}{}
	}
	for f := range r.pending {
		seen[f] = struct{}{}
	}
	for f := range r.diags {
		seen[f] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen))
}

// Build compiles every source file under the root in lexical path order and
// publishes version 1. Compile errors are recorded as diagnostics; only an
// unreadable root or an empty tree is fatal.
func (r *Registry) Build() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	files, err := r.listSources()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("%s: %w", r.root, ErrNoSources)
	}

	next := emptySnapshot()
	clear(r.diags)
	clear(r.pending)

	for _, rel := range files {
		ep, diags := r.compile(rel)
		if ep != nil {
			if owner, taken := next.owner(ep.Name); taken {
				diags = append(diags, collision(rel, ep.Name, owner))
				r.pending[rel] = ep
			} else {
				next.insert(rel, ep)
			}
		}
		r.setDiags(rel, diags)
	}

	r.publish(next)
	r.logger.Info("registry built",
		"root", r.root,
		"files", len(files),
		"endpoints", next.Len(),
		"version", next.version)
	return nil
}

// Update recompiles a single file after it was created, modified or
// removed, and publishes a new snapshot if the endpoint set changed.
// path may be absolute or relative to the root.
func (r *Registry) Update(path string) (Change, error) {
	rel, err := r.relative(path)
	if err != nil {
		return Change{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	ep, diags, removed := r.load(rel)

	// Any earlier parked claim by this file is superseded.
	delete(r.pending, rel)

	next := cur.clone()
	next.removeFile(rel)

	if ep != nil {
		if owner, taken := next.owner(ep.Name); taken {
			diags = append(diags, collision(rel, ep.Name, owner))
			r.setDiags(rel, diags)
			if len(cur.files[rel]) == 0 {
				r.pending[rel] = ep
			}
			r.publishStatus()
			r.logger.Warn("reload rejected",
				"file", rel,
				"endpoint", ep.Name,
				"owner", owner,
				"version", cur.version)
			return Change{File: rel, Outcome: OutcomeRejected, Version: cur.version, Diagnostics: diags}, nil
		}
		next.insert(rel, ep)
	}
	r.setDiags(rel, diags)

	admitted := r.admitPending(next)

	if !admitted && sameFile(cur, next, rel) {
		r.publishStatus()
		return Change{File: rel, Outcome: OutcomeUnchanged, Version: cur.version, Diagnostics: diags}, nil
	}

	r.publish(next)
	r.logger.Info("registry updated",
		"file", rel,
		"removed", removed,
		"endpoints", next.Len(),
		"version", next.version)
	return Change{File: rel, Outcome: OutcomePublished, Version: next.version, Diagnostics: diags}, nil
}

// load reads and compiles rel. A missing file yields removed=true.
func (r *Registry) load(rel string) (ep *ir.Endpoint, diags compiler.Diagnostics, removed bool) {
	if _, err := os.Stat(r.abs(rel)); errors.Is(err, fs.ErrNotExist) {
		return nil, nil, true
	}
	ep, diags = r.compile(rel)
	return ep, diags, false
}

func (r *Registry) compile(rel string) (*ir.Endpoint, compiler.Diagnostics) {
	src, err := os.ReadFile(r.abs(rel))
	if err != nil {
		return nil, compiler.Diagnostics{
			compiler.Errorf(rel, 0, compiler.KindUnreadable, "read source: %v", err),
		}
	}
	ep, diags := compiler.Compile(rel, string(src), r.opts)
	for _, d := range diags {
		r.logger.Warn("compile diagnostic",
			"file", d.File,
			"line", d.Line,
			"code", d.Code,
			"severity", d.Severity,
			"message", d.Message)
	}
	return ep, diags
}

// admitPending moves parked endpoints whose name became free into next,
// in path order. Claimants whose file is gone are forgotten instead.
// Reports whether anything was admitted.
func (r *Registry) admitPending(next *Snapshot) bool {
	admitted := false
	for _, f := range slices.Sorted(maps.Keys(r.pending)) {
		ep := r.pending[f]
		if _, err := os.Stat(r.abs(f)); errors.Is(err, fs.ErrNotExist) {
			delete(r.pending, f)
			delete(r.diags, f)
			r.logger.Info("pending endpoint dropped", "file", f, "endpoint", ep.Name)
			continue
		}
		if _, taken := next.owner(ep.Name); taken {
			continue
		}
		next.insert(f, ep)
		delete(r.pending, f)
		r.setDiags(f, withoutKind(r.diags[f], compiler.KindDuplicateName))
		admitted = true
		r.logger.Info("pending endpoint admitted", "file", f, "endpoint", ep.Name)
	}
	return admitted
}

func (r *Registry) setDiags(file string, diags compiler.Diagnostics) {
	if len(diags) == 0 {
		delete(r.diags, file)
		return
	}
	r.diags[file] = diags
}

// publish stamps next with a fresh version and makes it visible.
func (r *Registry) publish(next *Snapshot) {
	next.version = r.clock.Next()
	r.snap.Store(next)
	r.publishStatus()
}

func (r *Registry) publishStatus() {
	diags := make(map[string]compiler.Diagnostics, len(r.diags))
	for f, ds := range r.diags {
		diags[f] = slices.Clone(ds)
	}
	r.status.Store(&Status{Version: r.clock.Current(), Diagnostics: diags})
}

// listSources returns source files relative to root, in lexical order.
func (r *Registry) listSources() ([]string, error) {
	info, err := os.Stat(r.root)
	if err != nil {
		return nil, fmt.Errorf("source root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source root %s: not a directory", r.root)
	}

	var files []string
	err = filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !IsSource(path) {
			return nil
		}
		rel, err := filepath.Rel(r.root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk source root: %w", err)
	}
	slices.Sort(files)
	return files, nil
}

// relative converts path to the slash-separated form used as a file key.
func (r *Registry) relative(path string) (string, error) {
	rel := filepath.Clean(path)
	if filepath.IsAbs(path) {
		var err error
		if rel, err = filepath.Rel(r.root, path); err != nil {
			return "", fmt.Errorf("path %s: %w", path, err)
		}
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside source root %s", path, r.root)
	}
	return filepath.ToSlash(rel), nil
}

func (r *Registry) abs(rel string) string {
	return filepath.Join(r.root, filepath.FromSlash(rel))
}

// IsSource reports whether path names an endpoint source file.
func IsSource(path string) bool {
	return strings.EqualFold(filepath.Ext(path), SourceExt)
}

func collision(file, name, owner string) compiler.Diagnostic {
	return compiler.Errorf(file, 0, compiler.KindDuplicateName,
		"endpoint %q is already defined in %s", name, owner)
}

func withoutKind(diags compiler.Diagnostics, kind compiler.Kind) compiler.Diagnostics {
	var out compiler.Diagnostics
	for _, d := range diags {
		if d.Kind != kind {
			out = append(out, d)
		}
	}
	return out
}
