package media

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type memProduct struct {
	media  []string
	heroes map[string]string
}

type memJob struct {
	productID string
	moves     []Move
	polls     int
	hang      bool
	done      bool
}

// MemoryGallery is an in-process stand-in for the provider, useful for tests and dry runs.
// Reorders complete asynchronously after a poll, mirroring the provider's job model.
type MemoryGallery struct {
	mu       sync.Mutex
	products map[string]*memProduct
	library  map[string]Media
	jobs     map[string]*memJob
	nextID   int

	// PrivateHosts lists hosts the gallery refuses to fetch from.
	PrivateHosts []string
	// CreateLimit bounds concurrent creates within one CreateMedia call.
	CreateLimit int
	// PollConfig drives PollJob.
	PollConfig PollConfig
	// HangReorders makes reorder jobs never finish.
	HangReorders bool
	// Fail injects an error for an operation name (create, attach, reorder, unassign, hero, state, lookup, stage).
	Fail map[string]error

	ops         []string
	inflight    int32
	maxInflight int32
}

func NewMemoryGallery() *MemoryGallery {
	return &MemoryGallery{
		products:    map[string]*memProduct{},
		library:     map[string]Media{},
		jobs:        map[string]*memJob{},
		CreateLimit: 3,
		PollConfig:  PollConfig{Timeout: 200 * time.Millisecond, Initial: time.Millisecond, Max: 5 * time.Millisecond},
		Fail:        map[string]error{},
	}
}

// Seed creates a product whose gallery holds the given source URLs, returning their ids.
func (g *MemoryGallery) Seed(productID string, variants []string, sources ...string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.product(productID)
	for _, v := range variants {
		if _, ok := p.heroes[v]; !ok {
			p.heroes[v] = ""
		}
	}
	var ids []string
	for _, src := range sources {
		m := g.newMediaLocked(CreateInput{SourceURL: src})
		p.media = append(p.media, m.ID)
		ids = append(ids, m.ID)
	}
	return ids
}

// SetHero sets a hero directly, bypassing the op log.
func (g *MemoryGallery) SetHero(productID, variantID, mediaID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.product(productID).heroes[variantID] = mediaID
}

// DeleteFile removes a file from the library and every gallery, as a merchant deleting it would.
func (g *MemoryGallery) DeleteFile(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.library, id)
	for _, p := range g.products {
		p.media = without(p.media, map[string]bool{id: true})
		for v, h := range p.heroes {
			if h == id {
				p.heroes[v] = ""
			}
		}
	}
}

// Ops returns the operation log in call order.
func (g *MemoryGallery) Ops() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.ops...)
}

func (g *MemoryGallery) ResetOps() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ops = nil
}

// MaxConcurrentCreates is the highest number of creates observed in flight at once.
func (g *MemoryGallery) MaxConcurrentCreates() int {
	return int(atomic.LoadInt32(&g.maxInflight))
}

// Gallery returns the product gallery as source URLs in display order.
func (g *MemoryGallery) Gallery(productID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.products[productID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(p.media))
	for _, id := range p.media {
		out = append(out, g.library[id].SourceURL)
	}
	return out
}

func (g *MemoryGallery) product(productID string) *memProduct {
	p, ok := g.products[productID]
	if !ok {
		p = &memProduct{heroes: map[string]string{}}
		g.products[productID] = p
	}
	return p
}

func (g *MemoryGallery) newMediaLocked(in CreateInput) Media {
	g.nextID++
	m := Media{
		ID:        fmt.Sprintf("gid://memory/MediaImage/%d", g.nextID),
		SourceURL: in.SourceURL,
		AltText:   in.AltText,
		Status:    "READY",
	}
	g.library[m.ID] = m
	return m
}

func (g *MemoryGallery) record(op string) error {
	g.ops = append(g.ops, op)
	if err := g.Fail[op]; err != nil {
		return err
	}
	return nil
}

func (g *MemoryGallery) fetchable(src string) bool {
	u, err := url.Parse(src)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	for _, h := range g.PrivateHosts {
		if strings.EqualFold(u.Hostname(), h) {
			return false
		}
	}
	return true
}

func without(ids []string, drop map[string]bool) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if !drop[id] {
			out = append(out, id)
		}
	}
	return out
}

func (g *MemoryGallery) GetProductState(ctx context.Context, productID string) (ProductState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("state"); err != nil {
		return ProductState{}, err
	}
	p, ok := g.products[productID]
	if !ok {
		return ProductState{}, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	state := ProductState{ProductID: productID, Heroes: map[string]string{}}
	for _, id := range p.media {
		state.Media = append(state.Media, g.library[id])
	}
	for v, h := range p.heroes {
		state.Heroes[v] = h
	}
	return state, nil
}

func (g *MemoryGallery) LookupMedia(ctx context.Context, ids []string) (map[string]Media, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("lookup"); err != nil {
		return nil, err
	}
	out := map[string]Media{}
	for _, id := range ids {
		if m, ok := g.library[id]; ok {
			out[id] = m
		}
	}
	return out, nil
}

func (g *MemoryGallery) CreateMedia(ctx context.Context, productID string, inputs []CreateInput) ([]Media, error) {
	g.mu.Lock()
	if _, ok := g.products[productID]; !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	g.mu.Unlock()

	return CreateConcurrently(ctx, g.CreateLimit, inputs, func(ctx context.Context, in CreateInput) (Media, error) {
		n := atomic.AddInt32(&g.inflight, 1)
		defer atomic.AddInt32(&g.inflight, -1)
		for {
			max := atomic.LoadInt32(&g.maxInflight)
			if n <= max || atomic.CompareAndSwapInt32(&g.maxInflight, max, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)

		g.mu.Lock()
		defer g.mu.Unlock()
		if err := g.record("create"); err != nil {
			return Media{}, err
		}
		if !g.fetchable(in.SourceURL) {
			return Media{}, fmt.Errorf("%w: %s", ErrNotFetchable, in.SourceURL)
		}
		m := g.newMediaLocked(in)
		p := g.product(productID)
		p.media = append(p.media, m.ID)
		return m, nil
	})
}

func (g *MemoryGallery) AttachMedia(ctx context.Context, productID string, ids []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("attach"); err != nil {
		return err
	}
	p, ok := g.products[productID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	present := map[string]bool{}
	for _, id := range p.media {
		present[id] = true
	}
	for _, id := range ids {
		if _, ok := g.library[id]; !ok {
			return fmt.Errorf("%w: %s", ErrMediaNotFound, id)
		}
		if !present[id] {
			p.media = append(p.media, id)
			present[id] = true
		}
	}
	return nil
}

func (g *MemoryGallery) ReorderMedia(ctx context.Context, productID string, moves []Move) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("reorder"); err != nil {
		return "", err
	}
	if _, ok := g.products[productID]; !ok {
		return "", fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	g.nextID++
	id := fmt.Sprintf("gid://memory/Job/%d", g.nextID)
	g.jobs[id] = &memJob{productID: productID, moves: append([]Move(nil), moves...), hang: g.HangReorders}
	return id, nil
}

func (g *MemoryGallery) PollJob(ctx context.Context, jobID string, timeout time.Duration) error {
	cfg := g.PollConfig
	if timeout > 0 && timeout < cfg.Timeout {
		cfg.Timeout = timeout
	}
	return PollUntil(ctx, cfg, func(ctx context.Context) (bool, error) {
		g.mu.Lock()
		defer g.mu.Unlock()
		job, ok := g.jobs[jobID]
		if !ok {
			return false, fmt.Errorf("%w: job %s", ErrRejected, jobID)
		}
		if job.done {
			return true, nil
		}
		job.polls++
		if job.hang || job.polls < 2 {
			return false, nil
		}
		p := g.product(job.productID)
		p.media = ApplyMoves(p.media, job.moves)
		job.done = true
		return true, nil
	})
}

func (g *MemoryGallery) UnassignMedia(ctx context.Context, productID string, ids []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("unassign"); err != nil {
		return err
	}
	p, ok := g.products[productID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	drop := map[string]bool{}
	for _, id := range ids {
		drop[id] = true
	}
	p.media = without(p.media, drop)
	for v, h := range p.heroes {
		if drop[h] {
			p.heroes[v] = ""
		}
	}
	return nil
}

func (g *MemoryGallery) AssignVariantHero(ctx context.Context, productID, variantID, mediaID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("hero"); err != nil {
		return err
	}
	p, ok := g.products[productID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	if mediaID != "" {
		if _, ok := g.library[mediaID]; !ok {
			return fmt.Errorf("%w: %s", ErrMediaNotFound, mediaID)
		}
	}
	p.heroes[variantID] = mediaID
	return nil
}

func (g *MemoryGallery) StageUpload(ctx context.Context, file StagedFile) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("stage"); err != nil {
		return "", err
	}
	if file.Body != nil {
		if _, err := io.Copy(io.Discard, file.Body); err != nil {
			return "", transientf("read staged body: %v", err)
		}
	}
	g.nextID++
	return fmt.Sprintf("https://staged.memory.local/%d/%s", g.nextID, path.Base(file.Filename)), nil
}

// StaticProvider returns the same client for every shop.
type StaticProvider struct {
	Client Client
}

func (p StaticProvider) ClientFor(ctx context.Context, shop string) (Client, error) {
	if p.Client == nil {
		return nil, fmt.Errorf("no media client configured for %s", shop)
	}
	return p.Client, nil
}
