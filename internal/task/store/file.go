package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"deferq/internal/task"
	logx "deferq/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.tasks.snapshot.json (periodic snapshot)
//   - <prefix>.tasks.journal.jsonl (append-only journal)
//
// Every write appends the full record to the journal; the journal is
// compacted into the snapshot every CompactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex
	tb *table

	snapshotPath string
	journal      *os.File

	writes       int
	compactEvery int
}

const defaultCompactEvery = 500

type journalRecord struct {
	Op   string     `json:"op"` // put | del
	ID   task.ID    `json:"id"`
	Task *task.Task `json:"task,omitempty"`
}

type snapshotFile struct {
	Ordinal uint64      `json:"ordinal"`
	Tasks   []task.Task `json:"tasks"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".tasks.snapshot.json"
	journalPath := prefix + ".tasks.journal.jsonl"

	tb := newTable()
	if err := loadSnapshot(snapPath, tb); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	skipped, err := replayJournal(journalPath, tb)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("skipped unreadable journal lines", logx.Int("lines", skipped), logx.String("path", journalPath))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = defaultCompactEvery
	}
	s := &fileStore{
		log:          log,
		tb:           tb,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: every,
	}
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("tasks", len(tb.tasks)))
	return s, nil
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journal == nil {
		return errClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("task journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) putLocked(t task.Task) error {
	return s.appendLocked(journalRecord{Op: "put", ID: t.ID, Task: &t})
}

func (s *fileStore) Submit(ctx context.Context, t task.Task) (task.ID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return "", errClosed
	}
	rec, err := s.tb.submit(t, time.Now())
	if err != nil {
		return "", err
	}
	if err := s.putLocked(rec); err != nil {
		delete(s.tb.tasks, rec.ID)
		return "", err
	}
	return rec.ID, nil
}

func (s *fileStore) Get(ctx context.Context, id task.ID) (task.Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tb.get(id)
}

func (s *fileStore) Update(ctx context.Context, id task.ID, fn func(t *task.Task) error) (task.Task, error) {
	if err := ctx.Err(); err != nil {
		return task.Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return task.Task{}, errClosed
	}
	prev, err := s.tb.get(id)
	if err != nil {
		return task.Task{}, err
	}
	next, err := s.tb.update(id, fn)
	if err != nil {
		return task.Task{}, err
	}
	if err := s.putLocked(next); err != nil {
		s.tb.put(prev)
		return task.Task{}, err
	}
	return next, nil
}

func (s *fileStore) UpdateState(ctx context.Context, id task.ID, st task.State) error {
	_, err := s.Update(ctx, id, func(t *task.Task) error {
		t.Transition(st, time.Now())
		return nil
	})
	return err
}

func (s *fileStore) Cancel(ctx context.Context, id task.ID) (task.Task, error) {
	return s.Update(ctx, id, func(t *task.Task) error {
		applyCancel(t, time.Now())
		return nil
	})
}

func (s *fileStore) ListDue(ctx context.Context, now time.Time) ([]task.Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tb.selectTasks(func(t *task.Task) bool { return t.Periodic() && isEligible(t, now) }), nil
}

func (s *fileStore) ListEligible(ctx context.Context, now time.Time) ([]task.Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tb.selectTasks(func(t *task.Task) bool { return isEligible(t, now) }), nil
}

func (s *fileStore) NextDue(ctx context.Context, after time.Time) (time.Time, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.tb.nextDue(after)
	return at, ok, nil
}

func (s *fileStore) List(ctx context.Context, f Filter) ([]task.Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tb.selectTasks(f.match), nil
}

func (s *fileStore) Delete(ctx context.Context, id task.ID) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tb.tasks[id]; !ok {
		return notFound(id)
	}
	if err := s.appendLocked(journalRecord{Op: "del", ID: id}); err != nil {
		return err
	}
	delete(s.tb.tasks, id)
	return nil
}

func (s *fileStore) PruneFinished(ctx context.Context, before time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range s.tb.finishedBefore(before) {
		if err := s.appendLocked(journalRecord{Op: "del", ID: id}); err != nil {
			return n, err
		}
		delete(s.tb.tasks, id)
		n++
	}
	return n, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	cerr := s.compactLocked()
	err := s.journal.Close()
	s.journal = nil
	if cerr != nil {
		return cerr
	}
	return err
}

func (s *fileStore) compactLocked() error {
	snap := snapshotFile{Ordinal: s.tb.ordinal, Tasks: make([]task.Task, 0, len(s.tb.tasks))}
	for _, t := range s.tb.tasks {
		snap.Tasks = append(snap.Tasks, *t)
	}
	sortByOrdinal(snap.Tasks)

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, tb *table) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshotFile
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, t := range snap.Tasks {
		tb.put(t)
	}
	if snap.Ordinal > tb.ordinal {
		tb.ordinal = snap.Ordinal
	}
	return nil
}

// replayJournal applies journal records on top of the snapshot. A torn last
// line (crash mid-write) is skipped and counted.
func replayJournal(path string, tb *table) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			skipped++
			continue
		}
		switch r.Op {
		case "put":
			if r.Task == nil {
				skipped++
				continue
			}
			tb.put(*r.Task)
		case "del":
			delete(tb.tasks, r.ID)
		default:
			skipped++
		}
	}
	return skipped, sc.Err()
}
