package reconcile

import (
	"sort"

	"github.com/ILLUVRSE/imagerotation/internal/media"
	"github.com/ILLUVRSE/imagerotation/internal/models"
)

// entry is one piece of content the target case needs, however many times it is used.
type entry struct {
	key       string
	item      models.MediaItem
	knownID   string
	sources   []string
	inGallery bool
	heroFor   []string

	resolvedID string
}

func (e *entry) addSource(item models.MediaItem) {
	for _, s := range e.sources {
		if s == item.SourceURL {
			return
		}
	}
	e.sources = append(e.sources, item.SourceURL)
	if e.knownID == "" && item.MediaID != "" {
		e.knownID = item.MediaID
	}
	if e.item.AltText == "" && item.AltText != "" {
		e.item.AltText = item.AltText
	}
}

// registry maps normalized URL to the single entry that serves every gallery and hero use of it.
type registry struct {
	byKey   map[string]*entry
	gallery []*entry
	extras  []*entry
	heroes  map[string]*entry
}

func buildRegistry(set models.MediaSet, heroes map[string]*models.MediaItem) *registry {
	r := &registry{byKey: map[string]*entry{}, heroes: map[string]*entry{}}
	for _, item := range set.Ordered() {
		e := r.register(item)
		if !e.inGallery {
			e.inGallery = true
			r.gallery = append(r.gallery, e)
		}
	}
	for variantID, item := range heroes {
		if item == nil {
			r.heroes[variantID] = nil
			continue
		}
		e := r.register(*item)
		e.heroFor = append(e.heroFor, variantID)
		r.heroes[variantID] = e
	}
	for _, e := range r.byKey {
		if !e.inGallery {
			r.extras = append(r.extras, e)
		}
	}
	sort.Slice(r.extras, func(i, j int) bool { return r.extras[i].key < r.extras[j].key })
	return r
}

func (r *registry) register(item models.MediaItem) *entry {
	key := item.Key()
	e, ok := r.byKey[key]
	if !ok {
		e = &entry{key: key, item: item}
		r.byKey[key] = e
	}
	e.addSource(item)
	return e
}

// all returns gallery entries in position order followed by hero-only entries.
func (r *registry) all() []*entry {
	out := make([]*entry, 0, len(r.gallery)+len(r.extras))
	out = append(out, r.gallery...)
	return append(out, r.extras...)
}

func (r *registry) galleryIDs() []string {
	out := make([]string, 0, len(r.gallery))
	for _, e := range r.gallery {
		out = append(out, e.resolvedID)
	}
	return out
}

func (r *registry) keepIDs() map[string]bool {
	out := map[string]bool{}
	for _, e := range r.byKey {
		if e.resolvedID != "" {
			out[e.resolvedID] = true
		}
	}
	return out
}

// plan is the diff of the registry against the provider state.
type plan struct {
	reuse  []*entry
	attach []*entry
	create []*entry
}

// diff resolves entries against the gallery by verified id first, then by normalized URL.
// An actual item is claimed by at most one entry.
func diff(reg *registry, state media.ProductState) plan {
	byID := map[string]media.Media{}
	byKey := map[string]media.Media{}
	for _, m := range state.Media {
		byID[m.ID] = m
		if m.SourceURL == "" {
			continue
		}
		if _, dup := byKey[models.NormalizeURL(m.SourceURL)]; !dup {
			byKey[models.NormalizeURL(m.SourceURL)] = m
		}
	}
	claimed := map[string]bool{}
	var p plan
	for _, e := range reg.all() {
		if e.knownID != "" {
			if _, ok := byID[e.knownID]; ok && !claimed[e.knownID] {
				e.resolvedID = e.knownID
				claimed[e.knownID] = true
				p.reuse = append(p.reuse, e)
				continue
			}
		}
		if m, ok := byKey[e.key]; ok && !claimed[m.ID] {
			e.resolvedID = m.ID
			claimed[m.ID] = true
			p.reuse = append(p.reuse, e)
			continue
		}
		if e.knownID != "" {
			p.attach = append(p.attach, e)
			continue
		}
		p.create = append(p.create, e)
	}
	return p
}

// deletable lists gallery items that no target entry references by id or content and that no
// storefront variant uses as its hero.
func deletable(reg *registry, state media.ProductState) []string {
	keep := reg.keepIDs()
	protected := map[string]bool{}
	for _, id := range state.Heroes {
		if id != "" {
			protected[id] = true
		}
	}
	var out []string
	for _, m := range state.Media {
		if keep[m.ID] || protected[m.ID] {
			continue
		}
		if m.SourceURL != "" {
			if _, referenced := reg.byKey[models.NormalizeURL(m.SourceURL)]; referenced {
				continue
			}
		}
		out = append(out, m.ID)
	}
	return out
}
