// Package kcmpreg implements the kcmp-keyed object registry (spec.md 4.1):
// seven logical sets that deduplicate kernel objects across processes by
// asking the kernel, via kcmp(2), whether two (pid, index) pairs refer to
// the same underlying object.
//
// Grounded line-for-line on original_source/manager/trees.c, which keeps one
// libc tsearch/tfind tree per object kind. Go has no standard binary-search
// tree, and a hash map is not applicable here (spec.md 4.1 Rationale: "no
// stable hash exists for kernel objects" — the comparator IS the kernel), so
// each set is a small ordered slice probed with a linear scan under the
// job's single-threaded inventory worker (spec.md section 5: "the per-job
// registry is accessed only by the single inventory worker, hence needs no
// locking").
package kcmpreg

import (
	"fmt"
	"sort"
	"syscall"

	"golang.org/x/sys/unix"
)

// kcmpType mirrors the kernel's enum kcmp_type values consumed by this
// registry (KCMP_FILE, KCMP_VM, KCMP_FILES, KCMP_FS); see linux/kcmp.h.
type kcmpType int

const (
	kcmpFile  kcmpType = 0
	kcmpVM    kcmpType = 1
	kcmpFiles kcmpType = 2
	kcmpFS    kcmpType = 3
)

// KcmpError is returned when kcmp(2) itself fails (returns -1) or returns an
// unrecognized ordering value. Per spec.md's error taxonomy this is fatal to
// the current inventory worker.
type KcmpError struct {
	Type       kcmpType
	Pid1, Pid2 int
	Idx1, Idx2 uint64
	Errno      syscall.Errno
}

func (e *KcmpError) Error() string {
	return fmt.Sprintf("kcmp(type=%d, pid1=%d, pid2=%d, idx1=%d, idx2=%d) failed: %v",
		e.Type, e.Pid1, e.Pid2, e.Idx1, e.Idx2, e.Errno)
}

// kcmp invokes the kcmp(2) syscall and translates its ternary return value
// (0 equal, 1 pid1<pid2, 2 pid1>pid2) into a comparator-style int.
func kcmp(typ kcmpType, pid1, pid2 int, idx1, idx2 uint64) (int, error) {
	ret, _, errno := unix.Syscall6(unix.SYS_KCMP,
		uintptr(pid1), uintptr(pid2), uintptr(typ), uintptr(idx1), uintptr(idx2), 0)

	switch ret {
	case 0:
		return 0, nil
	case 1:
		return -1, nil
	case 2:
		return 1, nil
	default:
		return 0, &KcmpError{Type: typ, Pid1: pid1, Pid2: pid2, Idx1: idx1, Idx2: idx2, Errno: errno}
	}
}

// InsertResult reports whether an Insert added a new canonical entry or
// collapsed onto an existing one.
type InsertResult int

const (
	NEW InsertResult = iota
	EXISTS
)

// --- Fd set (KCMP_FILE identity) -------------------------------------------

// FdRef is one (pid, fd) occurrence of a file description. A description
// shared across independent fd tables (plain fork, no CLONE_FILES) shows up
// once per holding process.
type FdRef struct {
	Pid int
	Fd  int
}

// FdRecord is the canonical record for one underlying file description,
// spec.md section 3. Refs lists every (pid, fd) that resolved to it,
// canonical pair first: EXISTS only means no fresh replacement open is
// needed, the per-process splice still has to reach every holder.
type FdRecord struct {
	Pid     int
	Fd      int
	Payload interface{}
	Shared  bool
	Refs    []FdRef
}

// FdSet deduplicates (pid, fd) pairs that refer to the same file
// description.
type FdSet struct {
	entries []*FdRecord
}

// Insert adds (pid, fd) with the given payload, or reports the canonical
// entry it collapses onto; either way the (pid, fd) pair is recorded on the
// canonical entry's Refs. On kcmp failure, the error is returned and the
// set is left unmodified; the caller's worker should exit per spec.md's
// error taxonomy.
func (s *FdSet) Insert(pid, fd int, payload interface{}) (InsertResult, *FdRecord, error) {
	for _, e := range s.entries {
		cmp, err := kcmp(kcmpFile, pid, e.Pid, uint64(fd), uint64(e.Fd))
		if err != nil {
			return 0, nil, err
		}
		if cmp == 0 {
			e.Shared = true
			e.Refs = append(e.Refs, FdRef{Pid: pid, Fd: fd})
			return EXISTS, e, nil
		}
	}
	rec := &FdRecord{Pid: pid, Fd: fd, Payload: payload, Refs: []FdRef{{Pid: pid, Fd: fd}}}
	s.entries = append(s.entries, rec)
	return NEW, rec, nil
}

// Len reports the number of canonical (non-collapsed) entries.
func (s *FdSet) Len() int { return len(s.entries) }

// All returns every canonical entry, for the orchestrator's injection pass.
func (s *FdSet) All() []*FdRecord { return s.entries }

// --- Singleton sets (KCMP_FILES / KCMP_FS / KCMP_VM identity) --------------

// singletonSet deduplicates a per-process singleton object (fd table,
// fs_struct, mm_struct) across pids using the given kcmp type.
type singletonSet struct {
	typ  kcmpType
	pids []int
}

func (s *singletonSet) insert(pid int) (InsertResult, int, error) {
	for _, p := range s.pids {
		cmp, err := kcmp(s.typ, pid, p, 0, 0)
		if err != nil {
			return 0, 0, err
		}
		if cmp == 0 {
			return EXISTS, p, nil
		}
	}
	s.pids = append(s.pids, pid)
	return NEW, pid, nil
}

func (s *singletonSet) find(pid int) (int, bool, error) {
	for _, p := range s.pids {
		cmp, err := kcmp(s.typ, pid, p, 0, 0)
		if err != nil {
			return 0, false, err
		}
		if cmp == 0 {
			return p, true, nil
		}
	}
	return 0, false, nil
}

// FdTableSet, FsStructSet, MmStructSet are the three per-process singleton
// registries named in spec.md section 3.
type FdTableSet struct{ s singletonSet }
type FsStructSet struct{ s singletonSet }
type MmStructSet struct{ s singletonSet }

func NewFdTableSet() *FdTableSet   { return &FdTableSet{s: singletonSet{typ: kcmpFiles}} }
func NewFsStructSet() *FsStructSet { return &FsStructSet{s: singletonSet{typ: kcmpFS}} }
func NewMmStructSet() *MmStructSet { return &MmStructSet{s: singletonSet{typ: kcmpVM}} }

// Insert returns NEW with pid itself as the canonical pid on first sight of
// an underlying object, or EXISTS with the pid that already owns it.
func (s *FdTableSet) Insert(pid int) (InsertResult, int, error)  { return s.s.insert(pid) }
func (s *FsStructSet) Insert(pid int) (InsertResult, int, error) { return s.s.insert(pid) }
func (s *MmStructSet) Insert(pid int) (InsertResult, int, error) { return s.s.insert(pid) }

// Find reports the canonical pid for an existing entry, matching trees.c's
// fd_table_exists / fs_struct_exists / mm_exists lookups.
func (s *FdTableSet) Find(pid int) (int, bool, error)  { return s.s.find(pid) }
func (s *FsStructSet) Find(pid int) (int, bool, error) { return s.s.find(pid) }
func (s *MmStructSet) Find(pid int) (int, bool, error) { return s.s.find(pid) }

// --- Mapping set (lexicographic (path, flags) identity) --------------------

// MappingRecord is the canonical record for a /proc/<pid>/map_files entry
// backed by a file, keyed by (path, open-flags). The key is global across
// processes — two unrelated mm_structs mapping the same path collapse onto
// one record — so Refs keeps every inserted payload (canonical first): each
// one is a distinct VMA that still needs its own remap.
type MappingRecord struct {
	Path    string
	Flags   uint
	Payload interface{}
	Refs    []interface{}
}

type MappingSet struct {
	entries map[string]*MappingRecord
}

func mappingKey(path string, flags uint) string {
	return fmt.Sprintf("%s\x00%d", path, flags)
}

// Insert adds (path, flags) with the given payload, or reports the existing
// canonical entry — this comparator is plain lexicographic comparison, not
// kcmp, per spec.md 4.1. The payload is appended to the canonical entry's
// Refs either way.
func (s *MappingSet) Insert(path string, flags uint, payload interface{}) (InsertResult, *MappingRecord) {
	if s.entries == nil {
		s.entries = make(map[string]*MappingRecord)
	}
	key := mappingKey(path, flags)
	if rec, ok := s.entries[key]; ok {
		rec.Refs = append(rec.Refs, payload)
		return EXISTS, rec
	}
	rec := &MappingRecord{Path: path, Flags: flags, Payload: payload, Refs: []interface{}{payload}}
	s.entries[key] = rec
	return NEW, rec
}

func (s *MappingSet) Len() int { return len(s.entries) }

func (s *MappingSet) All() []*MappingRecord {
	out := make([]*MappingRecord, 0, len(s.entries))
	for _, r := range s.entries {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// --- Fifo set (lexicographic path identity) ---------------------------------

// FifoSet is the set of named-pipe pathnames already scheduled for
// replacement.
type FifoSet struct {
	paths map[string]struct{}
}

// Insert reports EXISTS if path was already present.
func (s *FifoSet) Insert(path string) InsertResult {
	if s.paths == nil {
		s.paths = make(map[string]struct{})
	}
	if _, ok := s.paths[path]; ok {
		return EXISTS
	}
	s.paths[path] = struct{}{}
	return NEW
}

func (s *FifoSet) Len() int { return len(s.paths) }

// --- Unix socket table (numeric inode identity) -----------------------------

// UnixSocketTable maps an inode to the injector payload needed to replace
// that socket's peer.
type UnixSocketTable struct {
	byInode map[uint64]interface{}
}

// Insert adds ino with the given payload, or reports the existing one.
func (t *UnixSocketTable) Insert(ino uint64, payload interface{}) (InsertResult, interface{}) {
	if t.byInode == nil {
		t.byInode = make(map[uint64]interface{})
	}
	if existing, ok := t.byInode[ino]; ok {
		return EXISTS, existing
	}
	t.byInode[ino] = payload
	return NEW, payload
}

// Find looks up a previously-inserted socket by inode.
func (t *UnixSocketTable) Find(ino uint64) (interface{}, bool) {
	v, ok := t.byInode[ino]
	return v, ok
}

func (t *UnixSocketTable) Len() int { return len(t.byInode) }

// --- Registry: the seven sets for one job -----------------------------------

// Registry bundles the seven object sets for a single replacement job. It
// survives for exactly one orchestrator run; there is nothing to free
// explicitly (unlike the C tsearch trees, Go's GC reclaims everything once
// the Registry value is dropped) but Reset is provided for job reuse in
// tests.
type Registry struct {
	Fd       FdSet
	FdTable  *FdTableSet
	FsStruct *FsStructSet
	MmStruct *MmStructSet
	Mapping  MappingSet
	Fifo     FifoSet
	UnixSock UnixSocketTable
}

// New returns an empty Registry ready for one job.
func New() *Registry {
	return &Registry{
		FdTable:  NewFdTableSet(),
		FsStruct: NewFsStructSet(),
		MmStruct: NewMmStructSet(),
	}
}
