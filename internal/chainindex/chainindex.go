// Package chainindex implements the Receipt Chain Index (spec.md C13):
// an append-only NDJSON index per trace_id recording (trace_id,
// hop_index, key), read back in (hop_index, created_ts) order. A
// missing chain returns an empty list, not an error.
//
// Grounded on the teacher's pkg/store/ledger/file_ledger.go (mutex-guarded
// local file persistence with an injectable clock), adapted from one
// JSON blob per ledger to one append-only NDJSON file per trace_id.
package chainindex

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Entry is one line of a trace's chain index.
type Entry struct {
	TraceID   string `json:"trace_id"`
	HopIndex  int    `json:"hop_index"`
	Key       string `json:"key"`
	CreatedTS int64  `json:"created_ts"`
}

// Index appends and reads per-trace NDJSON files under dir.
type Index struct {
	dir   string
	mu    sync.Mutex
	clock func() time.Time
}

func New(dir string) (*Index, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &Index{dir: dir, clock: time.Now}, nil
}

func (ix *Index) pathFor(traceID string) string {
	return filepath.Join(ix.dir, traceID+".ndjson")
}

// Append records one entry for traceID at hopIndex, keyed by key (the
// hop receipt's storage key, hops/{trace_id}/{hop_index:08}.json).
func (ix *Index) Append(traceID string, hopIndex int, key string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	entry := Entry{TraceID: traceID, HopIndex: hopIndex, Key: key, CreatedTS: ix.clock().UnixMilli()}
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	f, err := os.OpenFile(ix.pathFor(traceID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.Write(b)
	return err
}

// Chain returns traceID's entries ordered by (hop_index, created_ts). A
// trace with no recorded entries returns an empty, non-nil slice.
func (ix *Index) Chain(traceID string) ([]Entry, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	f, err := os.Open(ix.pathFor(traceID))
	if os.IsNotExist(err) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].HopIndex != entries[j].HopIndex {
			return entries[i].HopIndex < entries[j].HopIndex
		}
		return entries[i].CreatedTS < entries[j].CreatedTS
	})
	return entries, nil
}
