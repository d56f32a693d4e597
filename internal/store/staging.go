package store

import (
	"sync"

	"github.com/jward/cskg/internal/graph"
)

// Staging buffers extracted facts in memory until they are composed.
// Entities are deduplicated by natural key; relationships by identity.
//
// Thread safety: the mutex protects every field, so extraction workers can
// share one Staging or each fill their own and Merge them.
type Staging struct {
	mu sync.Mutex

	entities map[graph.Key]graph.Entity
	order    []graph.Key
	rels     []graph.Relationship
	relSeen  map[relKey]struct{}
}

type relKey struct {
	kind     graph.RelationshipKind
	from, to graph.Key
	param    string
}

func NewStaging() *Staging {
	return &Staging{
		entities: make(map[graph.Key]graph.Entity),
		relSeen:  make(map[relKey]struct{}),
	}
}

// AddEntity buffers e. The first entity seen for a key wins, except that an
// internal entity replaces an External stand-in for the same key.
func (s *Staging) AddEntity(e graph.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addEntity(e)
}

func (s *Staging) addEntity(e graph.Entity) {
	key := e.Key()
	prev, ok := s.entities[key]
	if !ok {
		s.order = append(s.order, key)
		s.entities[key] = e
		return
	}
	if prev.Kind.IsExternal() && !e.Kind.IsExternal() {
		s.entities[key] = e
	}
}

func (s *Staging) AddRelationship(r graph.Relationship) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addRelationship(r)
}

func (s *Staging) addRelationship(r graph.Relationship) {
	k := relKey{kind: r.Kind, from: r.From.Key(), to: r.To.Key(), param: r.ParamName}
	if _, ok := s.relSeen[k]; ok {
		return
	}
	s.relSeen[k] = struct{}{}
	s.rels = append(s.rels, r)
}

// Merge moves everything buffered in o into s.
func (s *Staging) Merge(o *Staging) {
	o.mu.Lock()
	entities := make([]graph.Entity, 0, len(o.order))
	for _, k := range o.order {
		entities = append(entities, o.entities[k])
	}
	rels := o.rels
	o.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entities {
		s.addEntity(e)
	}
	for _, r := range rels {
		s.addRelationship(r)
	}
}

// Len returns the number of buffered entities and relationships.
func (s *Staging) Len() (entities, relationships int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order), len(s.rels)
}

// PopulateExternals adds an External entity for every relationship endpoint
// that no buffered entity answers to, so edges into library code (builtin
// parameter types, imported base classes, called library functions) are
// not dropped at composition. Contains edges are left alone. It returns the
// number of entities added.
func (s *Staging) PopulateExternals() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	known := make(map[graph.Key]struct{}, len(s.entities))
	for _, e := range s.entities {
		for _, l := range e.Labels() {
			known[graph.Key{Label: l, QualifiedName: e.QualifiedName}] = struct{}{}
		}
	}
	added := 0
	for _, r := range s.rels {
		if r.Kind == graph.RelContains {
			continue
		}
		for _, ep := range []graph.Endpoint{r.From, r.To} {
			if _, ok := known[ep.Key()]; ok {
				continue
			}
			ext := graph.NewExternal(ep.Kind, ep.QualifiedName)
			s.addEntity(ext)
			for _, l := range ext.Labels() {
				known[graph.Key{Label: l, QualifiedName: ext.QualifiedName}] = struct{}{}
			}
			added++
		}
	}
	return added
}

// EntityStreams returns one stream per entity kind present, in
// graph.EntityKinds order.
func (s *Staging) EntityStreams() []graph.EntityStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKind := make(map[graph.EntityKind][]graph.Entity)
	for _, k := range s.order {
		e := s.entities[k]
		byKind[e.Kind] = append(byKind[e.Kind], e)
	}
	var streams []graph.EntityStream
	for _, kind := range graph.EntityKinds() {
		if es := byKind[kind]; len(es) > 0 {
			streams = append(streams, graph.FromSlice(es))
		}
	}
	return streams
}

// RelationshipStreams returns one stream per relationship kind present, in
// graph.RelationshipKinds order.
func (s *Staging) RelationshipStreams() []graph.RelationshipStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKind := make(map[graph.RelationshipKind][]graph.Relationship)
	for _, r := range s.rels {
		byKind[r.Kind] = append(byKind[r.Kind], r)
	}
	var streams []graph.RelationshipStream
	for _, kind := range graph.RelationshipKinds() {
		if rs := byKind[kind]; len(rs) > 0 {
			streams = append(streams, graph.FromSlice(rs))
		}
	}
	return streams
}
