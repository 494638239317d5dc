package repository

import (
	"context"
	"iter"
	"sort"
	"sync"

	"github.com/TheMichaelB/recsync/internal/models"
)

// MemoryRepository keeps records in memory.
type MemoryRepository struct {
	Lifecycle
	protocol *Protocol

	mu      sync.RWMutex
	records map[string]*models.Record
	nextID  int64
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository(opts Options) *MemoryRepository {
	m := &MemoryRepository{records: make(map[string]*models.Record)}
	m.protocol = NewProtocol(opts, memoryBackend{m})
	return m
}

func (m *MemoryRepository) Collection() string {
	return m.protocol.Options().Collection
}

func (m *MemoryRepository) Begin(ctx context.Context) error {
	return m.Lifecycle.Begin()
}

func (m *MemoryRepository) Finish(ctx context.Context) error {
	if err := m.Check(); err != nil {
		return err
	}
	m.mu.RLock()
	err := m.protocol.CheckOrphans(ctx)
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	return m.End()
}

func (m *MemoryRepository) Close(ctx context.Context) error {
	m.Lifecycle.Close()
	return nil
}

func (m *MemoryRepository) Fetch(ctx context.Context, guids []string) ([]*models.Record, error) {
	if err := m.Check(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Record, 0, len(guids))
	for _, guid := range guids {
		if r, ok := m.records[guid]; ok {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (m *MemoryRepository) FetchSince(ctx context.Context, ts int64) iter.Seq2[*models.Record, error] {
	return func(yield func(*models.Record, error) bool) {
		if err := m.Check(); err != nil {
			yield(nil, err)
			return
		}
		for _, r := range m.since(ts) {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (m *MemoryRepository) GuidsSince(ctx context.Context, ts int64) ([]string, error) {
	if err := m.Check(); err != nil {
		return nil, err
	}
	records := m.since(ts)
	guids := make([]string, len(records))
	for i, r := range records {
		guids[i] = r.GUID
	}
	sort.Strings(guids)
	return guids, nil
}

func (m *MemoryRepository) Store(ctx context.Context, rec *models.Record) (StoreResult, error) {
	if err := m.Check(); err != nil {
		return StoreResult{}, err
	}
	// Serialize stores so lookup and put see a consistent map.
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.protocol.Store(ctx, rec)
}

func (m *MemoryRepository) Wipe(ctx context.Context) error {
	if err := m.Check(); err != nil {
		return err
	}
	m.mu.Lock()
	m.records = make(map[string]*models.Record)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored records, tombstones included.
func (m *MemoryRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Snapshot returns copies of all records keyed by GUID.
func (m *MemoryRepository) Snapshot() map[string]*models.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*models.Record, len(m.records))
	for guid, r := range m.records {
		out[guid] = r.Clone()
	}
	return out
}

func (m *MemoryRepository) since(ts int64) []*models.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Record
	for _, r := range m.records {
		if r.LastModified >= ts {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastModified != out[j].LastModified {
			return out[i].LastModified < out[j].LastModified
		}
		return out[i].GUID < out[j].GUID
	})
	return out
}

// memoryBackend runs with MemoryRepository.mu held.
type memoryBackend struct {
	m *MemoryRepository
}

func (b memoryBackend) Lookup(ctx context.Context, guid string) (*models.Record, error) {
	if r, ok := b.m.records[guid]; ok {
		return r.Clone(), nil
	}
	return nil, nil
}

func (b memoryBackend) Put(ctx context.Context, rec *models.Record) error {
	if rec.LocalID == 0 {
		b.m.nextID++
		rec.LocalID = b.m.nextID
	}
	b.m.records[rec.GUID] = rec.Clone()
	return nil
}

func (b memoryBackend) PendingChildren(ctx context.Context, parent string) ([]*models.Record, error) {
	var out []*models.Record
	for _, r := range b.m.records {
		if r.PendingParentID == parent {
			out = append(out, r.Clone())
		}
	}
	sortByGUID(out)
	return out, nil
}

func (b memoryBackend) Pending(ctx context.Context) ([]*models.Record, error) {
	var out []*models.Record
	for _, r := range b.m.records {
		if r.PendingParentID != "" {
			out = append(out, r.Clone())
		}
	}
	sortByGUID(out)
	return out, nil
}

func sortByGUID(records []*models.Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].GUID < records[j].GUID })
}
