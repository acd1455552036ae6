package resolve

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/sells-group/biotech-recon/internal/model"
)

// entry is the resolver's view of one entity: every key it is known by.
type entry struct {
	id        model.EntityID
	names     map[string]struct{}
	schemeIDs map[string]struct{}
	cins      map[string]struct{}
	domains   map[string]struct{}
	sources   map[string]struct{}
	createdAt time.Time
}

func newEntry(id model.EntityID, createdAt time.Time) *entry {
	return &entry{
		id:        id,
		names:     map[string]struct{}{},
		schemeIDs: map[string]struct{}{},
		cins:      map[string]struct{}{},
		domains:   map[string]struct{}{},
		sources:   map[string]struct{}{},
		createdAt: createdAt,
	}
}

func (e *entry) clone() *entry {
	return &entry{
		id:        e.id,
		names:     maps.Clone(e.names),
		schemeIDs: maps.Clone(e.schemeIDs),
		cins:      maps.Clone(e.cins),
		domains:   maps.Clone(e.domains),
		sources:   maps.Clone(e.sources),
		createdAt: e.createdAt,
	}
}

func add(set map[string]struct{}, v string) {
	if v != "" {
		set[v] = struct{}{}
	}
}

func (e *entry) addRecord(r *model.CanonicalRecord) {
	add(e.names, NormalizeName(r.Name()))
	add(e.schemeIDs, r.SchemeID())
	add(e.cins, r.CIN())
	add(e.domains, r.Domain())
	for _, s := range r.Sources {
		add(e.sources, s)
	}
}

func (e *entry) addPartial(p *model.PartialRecord) {
	add(e.names, NormalizeName(p.String(model.FieldRegisteredName)))
	add(e.schemeIDs, p.String(model.FieldSchemeID))
	add(e.cins, p.String(model.FieldCIN))
	add(e.domains, model.DomainOf(p.String(model.FieldWebsiteURL)))
	add(e.sources, p.SourceID)
}

// Index is a per-run snapshot of the entities the resolver can match
// against. Committed entries mirror persisted records. Pending entries are
// provisional: identities reserved or extended during this run, visible to
// later resolutions so two observations of a new company converge on one
// identity. A pending entry becomes committed after its write succeeds and
// is dropped when the write fails.
type Index struct {
	mu        sync.RWMutex
	committed map[model.EntityID]*entry
	pending   map[model.EntityID]*entry
}

// NewIndex builds an index over existing canonical records.
func NewIndex(records []model.CanonicalRecord) *Index {
	idx := &Index{
		committed: make(map[model.EntityID]*entry, len(records)),
		pending:   map[model.EntityID]*entry{},
	}
	for i := range records {
		r := &records[i]
		e := newEntry(r.EntityID, r.CreatedAt)
		e.addRecord(r)
		idx.committed[r.EntityID] = e
	}
	return idx
}

// Len returns the number of visible entities, pending included.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	n := len(idx.committed)
	for id := range idx.pending {
		if _, ok := idx.committed[id]; !ok {
			n++
		}
	}
	return n
}

// Pending reports whether id has provisional state in this run.
func (idx *Index) Pending(id model.EntityID) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.pending[id]
	return ok
}

// Reserve registers a new provisional identity built from p.
func (idx *Index) Reserve(id model.EntityID, p *model.PartialRecord, at time.Time) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e := newEntry(id, at)
	e.addPartial(p)
	idx.pending[id] = e
}

// Absorb adds the keys of p to an existing identity provisionally.
func (idx *Index) Absorb(id model.EntityID, p *model.PartialRecord) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.pending[id]
	if !ok {
		c, ok := idx.committed[id]
		if !ok {
			return
		}
		e = c.clone()
		idx.pending[id] = e
	}
	e.addPartial(p)
}

// Commit replaces the entry for the record's entity with the persisted view
// and drops its provisional state.
func (idx *Index) Commit(r *model.CanonicalRecord) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	createdAt := r.CreatedAt
	if prev, ok := idx.committed[r.EntityID]; ok {
		createdAt = prev.createdAt
	}
	e := newEntry(r.EntityID, createdAt)
	e.addRecord(r)
	idx.committed[r.EntityID] = e
	delete(idx.pending, r.EntityID)
}

// Release drops the provisional state of id. A reserved identity that was
// never committed disappears; a committed one reverts to its persisted keys.
func (idx *Index) Release(id model.EntityID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.pending, id)
}

// snapshot returns the visible entries sorted by id.
func (idx *Index) snapshot() []*entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]*entry, 0, len(idx.committed)+len(idx.pending))
	for id, e := range idx.committed {
		if _, ok := idx.pending[id]; !ok {
			out = append(out, e)
		}
	}
	for _, e := range idx.pending {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *entry) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	return out
}

// KeysFor collects the similarity keys of a batch of partial records, used
// to prefetch candidate records from storage.
func KeysFor(partials []*model.PartialRecord) model.CandidateKeys {
	schemeIDs := map[string]struct{}{}
	cins := map[string]struct{}{}
	domains := map[string]struct{}{}
	tokens := map[string]struct{}{}
	for _, p := range partials {
		add(schemeIDs, p.String(model.FieldSchemeID))
		add(cins, p.String(model.FieldCIN))
		add(domains, model.DomainOf(p.String(model.FieldWebsiteURL)))
		add(tokens, FirstToken(NormalizeName(p.String(model.FieldRegisteredName))))
	}
	return model.CandidateKeys{
		SchemeIDs:  sortedKeys(schemeIDs),
		CINs:       sortedKeys(cins),
		Domains:    sortedKeys(domains),
		NameTokens: sortedKeys(tokens),
	}
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	return slices.Sorted(maps.Keys(set))
}
