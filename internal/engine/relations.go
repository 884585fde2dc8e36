package engine

import (
	"strconv"
	"strings"

	"aggregator/internal/domain"
)

const (
	relationsPath   = "/relations/-"
	workItemsSuffix = "/_apis/wit/workItems/"
)

type RelationKind int

const (
	RelationOther RelationKind = iota
	RelationChild
	RelationParent
	RelationRelated
	RelationHyperlink
)

func (k RelationKind) String() string {
	switch k {
	case RelationChild:
		return "child"
	case RelationParent:
		return "parent"
	case RelationRelated:
		return "related"
	case RelationHyperlink:
		return "hyperlink"
	default:
		return "other"
	}
}

// Relation is one link of a work item.
type Relation struct {
	Rel        string
	URL        string
	Attributes map[string]any
}

// RelationPatch is the value carried by an "add /relations/-" operation.
type RelationPatch struct {
	Rel        string         `json:"rel"`
	URL        string         `json:"url"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (r Relation) Kind() RelationKind {
	switch r.Rel {
	case domain.RelChild:
		return RelationChild
	case domain.RelParent:
		return RelationParent
	case domain.RelRelated:
		return RelationRelated
	case domain.RelHyperlink:
		return RelationHyperlink
	default:
		return RelationOther
	}
}

func (r Relation) Comment() string {
	if r.Attributes == nil {
		return ""
	}
	s, _ := r.Attributes["comment"].(string)
	return s
}

// TargetID decodes the work item id encoded in the relation url.
func (r Relation) TargetID() (WorkItemID, bool) {
	if r.Kind() == RelationHyperlink {
		return WorkItemID{}, false
	}
	return idFromURL(r.URL)
}

func (r Relation) equal(other Relation) bool {
	return r.Rel == other.Rel && strings.EqualFold(r.URL, other.URL)
}

func (r Relation) patch() RelationPatch {
	p := RelationPatch{Rel: r.Rel, URL: r.URL}
	if c := r.Comment(); c != "" {
		p.Attributes = map[string]any{"comment": c}
	}
	return p
}

func newRelation(rel, url, comment string) Relation {
	r := Relation{Rel: rel, URL: url}
	if comment != "" {
		r.Attributes = map[string]any{"comment": comment}
	}
	return r
}

// relationPivot is the non-owning handle a collection uses to reach its work item.
type relationPivot interface {
	IsReadOnly() bool
	appendChange(op domain.PatchOperation)
	dropChange(match func(domain.PatchOperation) bool) bool
	settle()
}

// link is a current relation and its position in the snapshot, or -1 when it
// was added in this session.
type link struct {
	Relation
	origin int
}

// RelationCollection is the mutable view of one work item's links. Removals are
// addressed by position in the snapshot captured at load time.
type RelationCollection struct {
	pivot    relationPivot
	original []Relation
	current  []link
}

func newRelationCollection(pivot relationPivot, snapshot []Relation) *RelationCollection {
	c := &RelationCollection{pivot: pivot}
	c.reset(snapshot)
	return c
}

func (c *RelationCollection) reset(snapshot []Relation) {
	c.original = make([]Relation, len(snapshot))
	copy(c.original, snapshot)
	c.current = make([]link, len(snapshot))
	for i, r := range snapshot {
		c.current[i] = link{Relation: r, origin: i}
	}
}

func (c *RelationCollection) Len() int { return len(c.current) }

func (c *RelationCollection) All() []Relation {
	out := make([]Relation, len(c.current))
	for i, l := range c.current {
		out[i] = l.Relation
	}
	return out
}

func (c *RelationCollection) OfKind(kind RelationKind) []Relation {
	var out []Relation
	for _, l := range c.current {
		if l.Kind() == kind {
			out = append(out, l.Relation)
		}
	}
	return out
}

func (c *RelationCollection) Children() []Relation   { return c.OfKind(RelationChild) }
func (c *RelationCollection) Parents() []Relation    { return c.OfKind(RelationParent) }
func (c *RelationCollection) Related() []Relation    { return c.OfKind(RelationRelated) }
func (c *RelationCollection) Hyperlinks() []Relation { return c.OfKind(RelationHyperlink) }

func (c *RelationCollection) Add(r Relation) error {
	if c.pivot.IsReadOnly() {
		return ErrReadOnly
	}
	c.current = append(c.current, link{Relation: r, origin: -1})
	c.pivot.appendChange(domain.PatchOperation{Op: domain.OpAdd, Path: relationsPath, Value: r.patch()})
	return nil
}

func (c *RelationCollection) AddChild(child *WorkItem, comment string) error {
	return c.Add(newRelation(domain.RelChild, child.URL(), comment))
}

func (c *RelationCollection) AddParent(parent *WorkItem, comment string) error {
	return c.Add(newRelation(domain.RelParent, parent.URL(), comment))
}

func (c *RelationCollection) AddRelated(other *WorkItem, comment string) error {
	return c.Add(newRelation(domain.RelRelated, other.URL(), comment))
}

func (c *RelationCollection) AddHyperlink(url, comment string) error {
	return c.Add(newRelation(domain.RelHyperlink, url, comment))
}

// Remove drops r. A relation from the load-time snapshot emits a remove operation
// carrying its snapshot index; one added in this session cancels its pending add.
func (c *RelationCollection) Remove(r Relation) (bool, error) {
	if c.pivot.IsReadOnly() {
		return false, ErrReadOnly
	}
	pos := -1
	for i, cur := range c.current {
		if cur.equal(r) {
			pos = i
			break
		}
	}
	if pos < 0 {
		return false, nil
	}
	removed := c.current[pos]
	c.current = append(c.current[:pos], c.current[pos+1:]...)

	if removed.origin >= 0 {
		c.pivot.appendChange(domain.PatchOperation{Op: domain.OpRemove, Path: relationsPath, Value: removed.origin})
		return true, nil
	}
	c.pivot.dropChange(func(op domain.PatchOperation) bool {
		p, ok := op.Value.(RelationPatch)
		return ok && op.Op == domain.OpAdd && p.Rel == removed.Rel && strings.EqualFold(p.URL, removed.URL)
	})
	c.pivot.settle()
	return true, nil
}

// commit makes the current links the snapshot removals are addressed against.
func (c *RelationCollection) commit() {
	c.reset(c.All())
}

// remap rewrites links pointing at temporary ids.
func (c *RelationCollection) remap(ids map[int]int) {
	for i, l := range c.current {
		c.current[i].URL = remapURL(l.URL, ids)
	}
}

func workItemURL(baseURL string, id WorkItemID) string {
	return strings.TrimRight(baseURL, "/") + workItemsSuffix + strconv.Itoa(id.Value())
}

func idFromURL(u string) (WorkItemID, bool) {
	idx := strings.LastIndex(u, "/")
	if idx < 0 {
		return WorkItemID{}, false
	}
	prefix := strings.ToLower(u[:idx+1])
	if !strings.HasSuffix(prefix, "/workitems/") {
		return WorkItemID{}, false
	}
	n, err := strconv.Atoi(u[idx+1:])
	if err != nil {
		return WorkItemID{}, false
	}
	if n < 0 {
		return TemporaryID(n), true
	}
	return PermanentID(n), true
}

// remapURL replaces a temporary id in u using ids (old temporary value -> new id).
func remapURL(u string, ids map[int]int) string {
	id, ok := idFromURL(u)
	if !ok || !id.IsTemporary() {
		return u
	}
	newID, ok := ids[id.Value()]
	if !ok {
		return u
	}
	return u[:strings.LastIndex(u, "/")+1] + strconv.Itoa(newID)
}
