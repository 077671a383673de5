// Package reconcile drives a product's external gallery and variant heroes to one case of a test.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ILLUVRSE/imagerotation/internal/logger"
	"github.com/ILLUVRSE/imagerotation/internal/media"
	"github.com/ILLUVRSE/imagerotation/internal/models"
	"github.com/ILLUVRSE/imagerotation/internal/store"
)

// FailureKind classifies a failed reconciliation so the caller can pick a retry policy.
type FailureKind string

const (
	KindNotFound          FailureKind = "not_found"
	KindInvalidState      FailureKind = "invalid_state"
	KindTransient         FailureKind = "provider_transient"
	KindRejected          FailureKind = "provider_rejected"
	KindDataInconsistency FailureKind = "data_inconsistency"
	KindVerification      FailureKind = "verification"
	KindInternal          FailureKind = "internal"
)

// Stats counts what one reconciliation did to the provider.
type Stats struct {
	ItemsCreated    int `json:"itemsCreated"`
	ItemsReused     int `json:"itemsReused"`
	ItemsAttached   int `json:"itemsAttached"`
	ItemsDeleted    int `json:"itemsDeleted"`
	VariantsUpdated int `json:"variantsUpdated"`
}

// Result is the outcome of one reconciliation. A failure never carries a partial success flag.
type Result struct {
	Succeeded bool           `json:"succeeded"`
	Target    models.Variant `json:"target"`
	Kind      FailureKind    `json:"kind,omitempty"`
	Message   string         `json:"message,omitempty"`
	// RetryAfter, when set, is how soon the caller may try again.
	RetryAfter time.Duration `json:"-"`
	Stats      Stats         `json:"stats"`
}

// Err returns nil on success and the kind and message otherwise.
func (r Result) Err() error {
	if r.Succeeded {
		return nil
	}
	return fmt.Errorf("%s: %s", r.Kind, r.Message)
}

// Materializer turns private backing-storage URLs into URLs the provider can fetch.
type Materializer interface {
	IsInternal(rawURL string) bool
	MaterializePublicURL(ctx context.Context, stager media.Stager, rawURL string) (string, error)
}

// MediaIDRecorder caches provider ids against source URLs.
type MediaIDRecorder interface {
	RecordMediaID(ctx context.Context, in store.MediaIDUpdate) error
}

// OpCounter counts provider mutations by operation.
type OpCounter interface {
	MediaOperation(op string, n int)
}

// Options configures a Reconciler. Materializer and Recorder are optional.
type Options struct {
	Materializer   Materializer
	Recorder       MediaIDRecorder
	Ops            OpCounter
	Logger         *logger.Logger
	ReorderTimeout time.Duration
	RetryBackoff   time.Duration
}

// Reconciler is safe for concurrent use across tests; callers serialize work per test.
type Reconciler struct {
	materializer   Materializer
	recorder       MediaIDRecorder
	ops            OpCounter
	log            *logger.Logger
	reorderTimeout time.Duration
	retryBackoff   time.Duration
}

// New builds a Reconciler, defaulting the reorder timeout to 60s and the retry hint to 5m.
func New(opts Options) *Reconciler {
	r := &Reconciler{
		materializer:   opts.Materializer,
		recorder:       opts.Recorder,
		ops:            opts.Ops,
		log:            logger.OrNop(opts.Logger),
		reorderTimeout: opts.ReorderTimeout,
		retryBackoff:   opts.RetryBackoff,
	}
	if r.reorderTimeout <= 0 {
		r.reorderTimeout = 60 * time.Second
	}
	if r.retryBackoff <= 0 {
		r.retryBackoff = 5 * time.Minute
	}
	return r
}

type failure struct {
	kind FailureKind
	err  error
}

func (f *failure) Error() string { return f.err.Error() }

func fail(kind FailureKind, format string, args ...interface{}) error {
	return &failure{kind: kind, err: fmt.Errorf(format, args...)}
}

// run carries the state of one reconciliation.
type run struct {
	*Reconciler
	client media.Client
	snap   models.TestSnapshot
	target models.Variant
	reg    *registry
	stats  Stats
}

// Reconcile makes the provider show target for the snapshot's product. It never panics and never
// returns an error; every outcome is a Result.
func (r *Reconciler) Reconcile(ctx context.Context, client media.Client, snap models.TestSnapshot, target models.Variant) (res Result) {
	rn := &run{
		Reconciler: r,
		client:     client,
		snap:       snap,
		target:     target,
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("reconcile panicked", "test_id", snap.Test.ID, "panic", p)
			res = Result{Target: target, Kind: KindInternal, Message: fmt.Sprintf("panic: %v", p), Stats: rn.stats}
		}
	}()

	err := rn.execute(ctx)
	if err == nil {
		r.log.Info("reconciled", "test_id", snap.Test.ID, "product_id", snap.Test.ProductID, "to", target,
			"created", rn.stats.ItemsCreated, "reused", rn.stats.ItemsReused, "deleted", rn.stats.ItemsDeleted)
		return Result{Succeeded: true, Target: target, Stats: rn.stats}
	}
	res = Result{Target: target, Kind: classify(err), Message: err.Error(), Stats: rn.stats}
	if res.Kind == KindTransient || res.Kind == KindVerification {
		res.RetryAfter = r.retryBackoff
	}
	r.log.Warn("reconcile failed", "test_id", snap.Test.ID, "product_id", snap.Test.ProductID, "to", target,
		"kind", res.Kind, "error", res.Message)
	return res
}

func classify(err error) FailureKind {
	var f *failure
	if errors.As(err, &f) {
		return f.kind
	}
	switch {
	case errors.Is(err, media.ErrProductNotFound):
		return KindNotFound
	case errors.Is(err, media.ErrMediaNotFound):
		return KindDataInconsistency
	case media.IsTransient(err), errors.Is(err, context.Canceled):
		return KindTransient
	case errors.Is(err, media.ErrRejected), errors.Is(err, media.ErrNotFetchable):
		return KindRejected
	}
	return KindTransient
}

func (r *run) execute(ctx context.Context) error {
	set := r.snap.MediaSet(r.target)
	if len(set.Items) == 0 {
		return fail(KindInvalidState, "%s media set is empty", r.target)
	}
	if err := models.ValidateMediaItems(set.Items); err != nil {
		return fail(KindInvalidState, "%s media set: %v", r.target, err)
	}
	r.reg = buildRegistry(set, r.snap.HeroesFor(r.target))
	productID := r.snap.Test.ProductID

	state, err := r.client.GetProductState(ctx, productID)
	if err != nil {
		return fmt.Errorf("read product state: %w", err)
	}

	r.rememberIDs(ctx, state)
	p := diff(r.reg, state)
	r.stats.ItemsReused = len(p.reuse)
	for _, e := range p.reuse {
		r.backfill(ctx, e)
	}

	if err := r.create(ctx, productID, p.create); err != nil {
		return err
	}
	if err := r.attach(ctx, productID, p.attach); err != nil {
		return err
	}

	if len(p.attach) > 0 || len(p.create) > 0 {
		if state, err = r.client.GetProductState(ctx, productID); err != nil {
			return fmt.Errorf("read product state after create: %w", err)
		}
	}
	if err := r.reorder(ctx, productID, state); err != nil {
		return err
	}
	if err := r.assignHeroes(ctx, productID, state); err != nil {
		return err
	}

	verified, err := r.verify(ctx, productID, nil)
	if err != nil {
		return err
	}
	toDelete := deletable(r.reg, verified)
	if len(toDelete) == 0 {
		return nil
	}
	if err := r.client.UnassignMedia(ctx, productID, toDelete); err != nil {
		return fmt.Errorf("unassign %d media: %w", len(toDelete), err)
	}
	r.count("unassign", len(toDelete))
	r.stats.ItemsDeleted = len(toDelete)
	_, err = r.verify(ctx, productID, toDelete)
	return err
}

// attach links library files the test already knows by id. Ids the library no longer has are
// re-created from their source URL, once per reconciliation.
func (r *run) attach(ctx context.Context, productID string, entries []*entry) error {
	if len(entries) == 0 {
		return nil
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.knownID)
	}
	found, err := r.client.LookupMedia(ctx, ids)
	if err != nil {
		return fmt.Errorf("lookup media: %w", err)
	}
	var present []string
	var missing []*entry
	for _, e := range entries {
		if _, ok := found[e.knownID]; ok {
			e.resolvedID = e.knownID
			present = append(present, e.knownID)
			continue
		}
		missing = append(missing, e)
	}
	if len(present) > 0 {
		if err := r.client.AttachMedia(ctx, productID, present); err != nil {
			return fmt.Errorf("attach %d media: %w", len(present), err)
		}
		r.count("attach", len(present))
		r.stats.ItemsAttached += len(present)
	}
	if len(missing) == 0 {
		return nil
	}
	for _, e := range missing {
		r.log.Warn("known media missing at provider, re-creating", "test_id", r.snap.Test.ID, "media_id", e.knownID, "source", e.item.SourceURL)
	}
	r.count("self_heal", len(missing))
	if err := r.create(ctx, productID, missing); err != nil {
		return &failure{kind: KindDataInconsistency, err: fmt.Errorf("re-create missing media: %w", err)}
	}
	return nil
}

func (r *run) create(ctx context.Context, productID string, entries []*entry) error {
	if len(entries) == 0 {
		return nil
	}
	inputs := make([]media.CreateInput, 0, len(entries))
	for _, e := range entries {
		src, err := r.publicSource(ctx, e.item.SourceURL)
		if err != nil {
			return err
		}
		inputs = append(inputs, media.CreateInput{SourceURL: src, AltText: e.item.AltText})
	}
	created, err := r.client.CreateMedia(ctx, productID, inputs)
	if err != nil {
		r.keepPartial(ctx, entries, created)
		return fmt.Errorf("create %d media: %w", len(inputs), err)
	}
	if len(created) != len(entries) {
		return fail(KindVerification, "provider created %d of %d media", len(created), len(entries))
	}
	r.count("create", len(created))
	for i, e := range entries {
		if created[i].ID == "" {
			return fail(KindVerification, "provider returned no id for %s", e.item.SourceURL)
		}
		e.resolvedID = created[i].ID
		r.stats.ItemsCreated++
		r.backfill(ctx, e)
	}
	return nil
}

// keepPartial records the media a failed create call did make, so the next attempt reuses them
// instead of uploading copies.
func (r *run) keepPartial(ctx context.Context, entries []*entry, created []media.Media) {
	n := 0
	for i, m := range created {
		if i >= len(entries) || m.ID == "" {
			continue
		}
		entries[i].resolvedID = m.ID
		r.stats.ItemsCreated++
		r.backfill(ctx, entries[i])
		n++
	}
	r.count("create", n)
}

// publicSource hands back a URL the provider can fetch, staging private sources first.
func (r *run) publicSource(ctx context.Context, src string) (string, error) {
	if !r.isInternal(src) {
		return src, nil
	}
	if r.materializer == nil {
		return "", fail(KindInvalidState, "private source %s and no backing storage configured", src)
	}
	public, err := r.materializer.MaterializePublicURL(ctx, r.client, src)
	if err != nil {
		return "", fmt.Errorf("materialize %s: %w", src, err)
	}
	if r.isInternal(public) {
		return "", fail(KindInvalidState, "materialized URL for %s is still private", src)
	}
	r.count("stage", 1)
	return public, nil
}

func (r *run) isInternal(src string) bool {
	u, err := url.Parse(src)
	if err != nil {
		return true
	}
	if !strings.EqualFold(u.Scheme, "http") && !strings.EqualFold(u.Scheme, "https") {
		return true
	}
	return r.materializer != nil && r.materializer.IsInternal(src)
}

func (r *run) reorder(ctx context.Context, productID string, state media.ProductState) error {
	target := r.reg.galleryIDs()
	moves := media.MovesFor(state.IDs(), target)
	if len(moves) == 0 {
		return nil
	}
	jobID, err := r.client.ReorderMedia(ctx, productID, moves)
	if err != nil {
		return fmt.Errorf("reorder media: %w", err)
	}
	r.count("reorder", 1)
	if jobID == "" {
		return nil
	}
	if err := r.client.PollJob(ctx, jobID, r.reorderTimeout); err != nil {
		return fmt.Errorf("reorder job %s: %w", jobID, err)
	}
	return nil
}

func (r *run) assignHeroes(ctx context.Context, productID string, state media.ProductState) error {
	for variantID, e := range r.reg.heroes {
		want := ""
		if e != nil {
			want = e.resolvedID
		}
		if state.Heroes[variantID] == want {
			continue
		}
		if err := r.client.AssignVariantHero(ctx, productID, variantID, want); err != nil {
			return fmt.Errorf("assign hero for variant %s: %w", variantID, err)
		}
		r.count("hero", 1)
		r.stats.VariantsUpdated++
	}
	return nil
}

// verify re-reads the product and checks the leading positions, the heroes, and that removed
// media are gone.
func (r *run) verify(ctx context.Context, productID string, removed []string) (media.ProductState, error) {
	state, err := r.client.GetProductState(ctx, productID)
	if err != nil {
		return media.ProductState{}, fmt.Errorf("verify: read product state: %w", err)
	}
	want := r.reg.galleryIDs()
	got := state.IDs()
	if len(got) < len(want) {
		return state, fail(KindVerification, "gallery has %d media, want at least %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i] != id {
			return state, fail(KindVerification, "gallery position %d is %s, want %s", i, got[i], id)
		}
	}
	for variantID, e := range r.reg.heroes {
		want := ""
		if e != nil {
			want = e.resolvedID
		}
		if state.Heroes[variantID] != want {
			return state, fail(KindVerification, "variant %s hero is %q, want %q", variantID, state.Heroes[variantID], want)
		}
	}
	if len(removed) > 0 {
		present := map[string]bool{}
		for _, id := range got {
			present[id] = true
		}
		for _, id := range removed {
			if present[id] {
				return state, fail(KindVerification, "media %s still attached after unassign", id)
			}
		}
	}
	return state, nil
}

func (r *run) backfill(ctx context.Context, e *entry) {
	if r.recorder == nil || e.resolvedID == "" || e.resolvedID == e.knownID {
		return
	}
	err := r.recorder.RecordMediaID(ctx, store.MediaIDUpdate{
		TestID:     r.snap.Test.ID,
		SourceURLs: e.sources,
		MediaID:    e.resolvedID,
	})
	if err != nil {
		r.log.Warn("record media id failed", "test_id", r.snap.Test.ID, "media_id", e.resolvedID, "error", err)
	}
}

// rememberIDs records ids for items of the other case that are still in the gallery, so rotating
// back re-attaches the same files instead of uploading copies.
func (r *run) rememberIDs(ctx context.Context, state media.ProductState) {
	if r.recorder == nil {
		return
	}
	byKey := map[string]string{}
	for _, m := range state.Media {
		if m.SourceURL == "" {
			continue
		}
		if _, ok := byKey[models.NormalizeURL(m.SourceURL)]; !ok {
			byKey[models.NormalizeURL(m.SourceURL)] = m.ID
		}
	}
	var others []models.MediaItem
	others = append(others, r.snap.MediaSet(r.target.Opposite()).Items...)
	for _, h := range r.snap.Heroes {
		if h.Item != nil {
			others = append(others, *h.Item)
		}
	}
	seen := map[string]bool{}
	for _, item := range others {
		if item.MediaID != "" || seen[item.SourceURL] {
			continue
		}
		if _, inTarget := r.reg.byKey[item.Key()]; inTarget {
			continue
		}
		id, ok := byKey[item.Key()]
		if !ok {
			continue
		}
		seen[item.SourceURL] = true
		e := &entry{key: item.Key(), item: item, sources: []string{item.SourceURL}, resolvedID: id}
		r.backfill(ctx, e)
	}
}

func (r *run) count(op string, n int) {
	if r.ops != nil && n > 0 {
		r.ops.MediaOperation(op, n)
	}
}
