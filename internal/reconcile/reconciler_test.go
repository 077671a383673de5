package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/imagerotation/internal/media"
	"github.com/ILLUVRSE/imagerotation/internal/models"
	"github.com/ILLUVRSE/imagerotation/internal/store"
)

const productID = "gid://shopify/Product/100"

func src(name string) string {
	return "https://cdn.example.com/images/" + name + ".jpg"
}

func items(names ...string) []models.MediaItem {
	out := make([]models.MediaItem, 0, len(names))
	for i, n := range names {
		out = append(out, models.MediaItem{SourceURL: src(n), AltText: n, Position: i})
	}
	return out
}

type fixture struct {
	t       *testing.T
	st      *store.MemoryStore
	gallery *media.MemoryGallery
	rec     *Reconciler
	testID  uuid.UUID
	seeded  map[string]string
}

// newFixture seeds the gallery with the control images and stores a test with both cases.
func newFixture(t *testing.T, control, treatment []string, variants ...string) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	g := media.NewMemoryGallery()
	test, err := st.CreateTest(context.Background(), store.TestInput{
		Shop:                    "demo.myshopify.com",
		ProductID:               productID,
		RotationIntervalMinutes: 60,
		Control:                 items(control...),
		Treatment:               items(treatment...),
	})
	require.NoError(t, err)

	sources := make([]string, 0, len(control))
	for _, n := range control {
		sources = append(sources, src(n))
	}
	ids := g.Seed(productID, variants, sources...)
	seeded := map[string]string{}
	for i, n := range control {
		seeded[n] = ids[i]
	}
	return &fixture{
		t:       t,
		st:      st,
		gallery: g,
		rec:     New(Options{Recorder: st, ReorderTimeout: 100 * time.Millisecond, RetryBackoff: 2 * time.Minute}),
		testID:  test.ID,
		seeded:  seeded,
	}
}

func (f *fixture) reconcile(target models.Variant) Result {
	return f.reconcileWith(f.gallery, target)
}

func (f *fixture) reconcileWith(client media.Client, target models.Variant) Result {
	f.t.Helper()
	snap, err := f.st.GetSnapshot(context.Background(), f.testID)
	require.NoError(f.t, err)
	return f.rec.Reconcile(context.Background(), client, snap, target)
}

func (f *fixture) state() media.ProductState {
	f.t.Helper()
	state, err := f.gallery.GetProductState(context.Background(), productID)
	require.NoError(f.t, err)
	return state
}

func (f *fixture) hero(variant string, item *models.MediaItem, v models.Variant) {
	f.t.Helper()
	require.NoError(f.t, f.st.SetHeroAssignment(context.Background(), models.HeroAssignment{
		TestID: f.testID, StorefrontVariantID: variant, Variant: v, Item: item,
	}))
}

func countOps(ops []string, op string) int {
	n := 0
	for _, o := range ops {
		if o == op {
			n++
		}
	}
	return n
}

func TestReconcileSwapsGalleryReusingSharedMedia(t *testing.T) {
	f := newFixture(t, []string{"a", "b"}, []string{"b", "c"})

	res := f.reconcile(models.VariantTest)
	require.True(t, res.Succeeded, res.Message)

	assert.Equal(t, []string{src("b"), src("c")}, f.gallery.Gallery(productID))
	state := f.state()
	assert.Equal(t, f.seeded["b"], state.Media[0].ID)
	assert.Equal(t, 1, countOps(f.gallery.Ops(), "create"))
	assert.Equal(t, Stats{ItemsCreated: 1, ItemsReused: 1, ItemsDeleted: 1}, res.Stats)
}

func TestReconcileClearsHeroWhenTargetCaseHasNone(t *testing.T) {
	f := newFixture(t, []string{"a", "b"}, []string{"b", "c"}, "variant-1")
	heroA := items("a")[0]
	f.hero("variant-1", &heroA, models.VariantControl)
	f.hero("variant-1", nil, models.VariantTest)
	f.gallery.SetHero(productID, "variant-1", f.seeded["a"])

	res := f.reconcile(models.VariantTest)
	require.True(t, res.Succeeded, res.Message)

	assert.Equal(t, "", f.state().Heroes["variant-1"])
	assert.Equal(t, 1, res.Stats.VariantsUpdated)
}

func TestReconcileEmptyTargetIsInvalidState(t *testing.T) {
	f := newFixture(t, []string{"a", "b"}, nil)
	f.gallery.ResetOps()

	res := f.reconcile(models.VariantTest)
	assert.False(t, res.Succeeded)
	assert.Equal(t, KindInvalidState, res.Kind)
	assert.Zero(t, res.RetryAfter)
	assert.Empty(t, f.gallery.Ops())
	assert.Equal(t, []string{src("a"), src("b")}, f.gallery.Gallery(productID))
}

func TestReconcileReorderTimeoutLeavesSafeSuperset(t *testing.T) {
	f := newFixture(t, []string{"a", "b"}, []string{"c", "a"})
	f.gallery.HangReorders = true

	res := f.reconcile(models.VariantTest)
	assert.False(t, res.Succeeded)
	assert.Equal(t, KindTransient, res.Kind)
	assert.Equal(t, 2*time.Minute, res.RetryAfter)
	assert.Zero(t, countOps(f.gallery.Ops(), "unassign"))

	gallery := f.gallery.Gallery(productID)
	assert.Equal(t, []string{src("a"), src("b")}, gallery[:2])
	assert.Contains(t, gallery, src("c"))
}

func TestReconcileRoundTripRestoresOriginalGallery(t *testing.T) {
	f := newFixture(t, []string{"a", "b"}, []string{"b", "c"})
	original := f.state().IDs()

	require.True(t, f.reconcile(models.VariantTest).Succeeded)
	require.True(t, f.reconcile(models.VariantControl).Succeeded)
	assert.Equal(t, original, f.state().IDs())

	require.True(t, f.reconcile(models.VariantTest).Succeeded)
	afterTest := f.state().IDs()
	require.True(t, f.reconcile(models.VariantControl).Succeeded)
	require.True(t, f.reconcile(models.VariantTest).Succeeded)
	assert.Equal(t, afterTest, f.state().IDs())
	assert.Equal(t, 1, countOps(f.gallery.Ops(), "create"))
}

func TestReconcileCreatesBeforeAttaching(t *testing.T) {
	f := newFixture(t, []string{"a", "b"}, []string{"b", "c"})
	require.True(t, f.reconcile(models.VariantTest).Succeeded)

	snap, err := f.st.GetSnapshot(context.Background(), f.testID)
	require.NoError(t, err)
	control := append(snap.Control.Items, models.MediaItem{SourceURL: src("e"), Position: 2})
	require.Equal(t, f.seeded["a"], control[0].MediaID)
	require.NoError(t, f.st.ReplaceMediaSet(context.Background(), f.testID, models.VariantControl, control))
	f.gallery.ResetOps()

	require.True(t, f.reconcile(models.VariantControl).Succeeded)
	ops := f.gallery.Ops()
	first := func(op string) int {
		for i, o := range ops {
			if o == op {
				return i
			}
		}
		return -1
	}
	require.NotEqual(t, -1, first("create"))
	require.NotEqual(t, -1, first("attach"))
	assert.Less(t, first("create"), first("attach"))
	assert.Less(t, first("attach"), first("reorder"))
	assert.Equal(t, []string{src("a"), src("b"), src("e")}, f.gallery.Gallery(productID))
}

func TestReconcileIsIdempotent(t *testing.T) {
	f := newFixture(t, []string{"a", "b"}, []string{"b", "c"})
	require.True(t, f.reconcile(models.VariantTest).Succeeded)
	f.gallery.ResetOps()

	res := f.reconcile(models.VariantTest)
	require.True(t, res.Succeeded)
	ops := f.gallery.Ops()
	for _, op := range []string{"create", "attach", "reorder", "unassign", "hero"} {
		assert.Zero(t, countOps(ops, op), op)
	}
}

func TestReconcileProtectsHeroOfUntrackedVariant(t *testing.T) {
	f := newFixture(t, []string{"a", "b"}, []string{"b", "c"}, "tracked", "untracked")
	f.hero("tracked", nil, models.VariantControl)
	f.gallery.SetHero(productID, "untracked", f.seeded["a"])

	res := f.reconcile(models.VariantTest)
	require.True(t, res.Succeeded, res.Message)
	assert.Equal(t, []string{src("b"), src("c"), src("a")}, f.gallery.Gallery(productID))
	assert.Equal(t, f.seeded["a"], f.state().Heroes["untracked"])
	assert.Zero(t, res.Stats.ItemsDeleted)
}

func TestReconcileLeavesHeroesOutsideVariantScope(t *testing.T) {
	f := newFixture(t, []string{"a", "b"}, []string{"b", "c"}, "variant-1", "variant-2")
	scoped, err := f.st.CreateTest(context.Background(), store.TestInput{
		Shop:                    "demo.myshopify.com",
		ProductID:               productID,
		StorefrontVariantID:     "variant-1",
		RotationIntervalMinutes: 60,
		Control:                 items("a", "b"),
		Treatment:               items("b", "c"),
	})
	require.NoError(t, err)
	f.testID = scoped.ID
	heroA := items("a")[0]
	f.hero("variant-2", &heroA, models.VariantControl)
	f.hero("variant-2", nil, models.VariantTest)
	f.gallery.SetHero(productID, "variant-2", f.seeded["a"])

	res := f.reconcile(models.VariantTest)
	require.True(t, res.Succeeded, res.Message)
	assert.Zero(t, countOps(f.gallery.Ops(), "hero"))
	assert.Equal(t, f.seeded["a"], f.state().Heroes["variant-2"])
	assert.Equal(t, []string{src("b"), src("c"), src("a")}, f.gallery.Gallery(productID))
}

func TestReconcileCreatesHeroAndGalleryUseOnce(t *testing.T) {
	f := newFixture(t, []string{"a"}, []string{"b", "c"}, "variant-1")
	heroC := models.MediaItem{SourceURL: src("c") + "?v=2", AltText: "hero"}
	f.hero("variant-1", &heroC, models.VariantTest)

	res := f.reconcile(models.VariantTest)
	require.True(t, res.Succeeded, res.Message)

	assert.Equal(t, 2, countOps(f.gallery.Ops(), "create"))
	state := f.state()
	assert.Equal(t, state.Media[1].ID, state.Heroes["variant-1"])
}

func TestReconcileHeroOnlyItemTrailsGallery(t *testing.T) {
	f := newFixture(t, []string{"a"}, []string{"b"}, "variant-1")
	heroD := items("d")[0]
	f.hero("variant-1", &heroD, models.VariantTest)

	res := f.reconcile(models.VariantTest)
	require.True(t, res.Succeeded, res.Message)
	assert.Equal(t, []string{src("b"), src("d")}, f.gallery.Gallery(productID))
	assert.Equal(t, f.state().Media[1].ID, f.state().Heroes["variant-1"])
}

func TestReconcileSelfHealsMissingMedia(t *testing.T) {
	f := newFixture(t, []string{"a", "b"}, []string{"b", "c"})
	require.True(t, f.reconcile(models.VariantTest).Succeeded)
	require.True(t, f.reconcile(models.VariantControl).Succeeded)

	snap, err := f.st.GetSnapshot(context.Background(), f.testID)
	require.NoError(t, err)
	lost := snap.Treat.Items[1].MediaID
	require.NotEmpty(t, lost)
	f.gallery.DeleteFile(lost)

	res := f.reconcile(models.VariantTest)
	require.True(t, res.Succeeded, res.Message)
	assert.Equal(t, 1, res.Stats.ItemsCreated)
	assert.Equal(t, []string{src("b"), src("c")}, f.gallery.Gallery(productID))

	snap, err = f.st.GetSnapshot(context.Background(), f.testID)
	require.NoError(t, err)
	assert.NotEqual(t, lost, snap.Treat.Items[1].MediaID)
	assert.Equal(t, f.state().Media[1].ID, snap.Treat.Items[1].MediaID)
}

func TestReconcileSelfHealFailureIsDataInconsistency(t *testing.T) {
	f := newFixture(t, []string{"a", "b"}, []string{"b", "c"})
	require.True(t, f.reconcile(models.VariantTest).Succeeded)
	require.True(t, f.reconcile(models.VariantControl).Succeeded)
	snap, err := f.st.GetSnapshot(context.Background(), f.testID)
	require.NoError(t, err)
	f.gallery.DeleteFile(snap.Treat.Items[1].MediaID)
	f.gallery.Fail["create"] = media.ErrRejected

	res := f.reconcile(models.VariantTest)
	assert.False(t, res.Succeeded)
	assert.Equal(t, KindDataInconsistency, res.Kind)
	assert.Equal(t, []string{src("a"), src("b")}, f.gallery.Gallery(productID))
}

type stagingMaterializer struct {
	calls int
}

func (m *stagingMaterializer) IsInternal(raw string) bool {
	return strings.HasPrefix(raw, "s3://") || strings.Contains(raw, "assets.internal")
}

func (m *stagingMaterializer) MaterializePublicURL(ctx context.Context, stager media.Stager, raw string) (string, error) {
	m.calls++
	return stager.StageUpload(ctx, media.StagedFile{Filename: path.Base(raw), MimeType: "image/jpeg", Body: strings.NewReader("jpeg")})
}

func TestReconcileStagesPrivateSources(t *testing.T) {
	f := newFixture(t, []string{"a"}, nil)
	private := []models.MediaItem{
		{SourceURL: "s3://backing/products/c.jpg", Position: 0},
		{SourceURL: "https://assets.internal/d.jpg", Position: 1},
	}
	require.NoError(t, f.st.ReplaceMediaSet(context.Background(), f.testID, models.VariantTest, private))
	f.gallery.PrivateHosts = []string{"assets.internal"}
	mat := &stagingMaterializer{}
	f.rec = New(Options{Materializer: mat, Recorder: f.st})

	res := f.reconcile(models.VariantTest)
	require.True(t, res.Succeeded, res.Message)
	assert.Equal(t, 2, mat.calls)
	for _, s := range f.gallery.Gallery(productID) {
		assert.True(t, strings.HasPrefix(s, "https://staged.memory.local/"), s)
	}

	f.gallery.ResetOps()
	require.True(t, f.reconcile(models.VariantTest).Succeeded)
	assert.Zero(t, countOps(f.gallery.Ops(), "create"))
}

// oneAtATime creates media sequentially and fails the create numbered failAt.
type oneAtATime struct {
	*media.MemoryGallery
	failAt int
	calls  int
}

func (c *oneAtATime) CreateMedia(ctx context.Context, productID string, inputs []media.CreateInput) ([]media.Media, error) {
	return media.CreateConcurrently(ctx, 1, inputs, func(ctx context.Context, in media.CreateInput) (media.Media, error) {
		c.calls++
		if c.calls == c.failAt {
			return media.Media{}, fmt.Errorf("%w: 502", media.ErrTransient)
		}
		created, err := c.MemoryGallery.CreateMedia(ctx, productID, []media.CreateInput{in})
		if err != nil {
			return media.Media{}, err
		}
		return created[0], nil
	})
}

func TestReconcileRetryAfterPartialCreateReusesCreatedMedia(t *testing.T) {
	f := newFixture(t, []string{"a"}, nil)
	private := []models.MediaItem{
		{SourceURL: "s3://backing/products/c.jpg", Position: 0},
		{SourceURL: "s3://backing/products/d.jpg", Position: 1},
	}
	require.NoError(t, f.st.ReplaceMediaSet(context.Background(), f.testID, models.VariantTest, private))
	f.rec = New(Options{Materializer: &stagingMaterializer{}, Recorder: f.st})
	client := &oneAtATime{MemoryGallery: f.gallery, failAt: 2}

	res := f.reconcileWith(client, models.VariantTest)
	require.False(t, res.Succeeded)
	assert.Equal(t, KindTransient, res.Kind)
	assert.Equal(t, 1, res.Stats.ItemsCreated)
	firstCopy := f.state().Media[1].ID

	snap, err := f.st.GetSnapshot(context.Background(), f.testID)
	require.NoError(t, err)
	assert.Equal(t, firstCopy, snap.Treat.Items[0].MediaID)

	f.gallery.ResetOps()
	res = f.reconcileWith(client, models.VariantTest)
	require.True(t, res.Succeeded, res.Message)
	assert.Equal(t, 1, countOps(f.gallery.Ops(), "create"))
	assert.Equal(t, 1, res.Stats.ItemsCreated)
	assert.Equal(t, 1, res.Stats.ItemsDeleted)

	state := f.state()
	require.Len(t, state.Media, 2)
	assert.Equal(t, firstCopy, state.Media[0].ID)
}

func TestReconcileRefusesPrivateSourceWithoutBackingStore(t *testing.T) {
	f := newFixture(t, []string{"a"}, nil)
	require.NoError(t, f.st.ReplaceMediaSet(context.Background(), f.testID, models.VariantTest,
		[]models.MediaItem{{SourceURL: "s3://backing/c.jpg", Position: 0}}))

	res := f.reconcile(models.VariantTest)
	assert.False(t, res.Succeeded)
	assert.Equal(t, KindInvalidState, res.Kind)
	assert.Zero(t, countOps(f.gallery.Ops(), "create"))
}

func TestReconcileCapsConcurrentCreates(t *testing.T) {
	var names []string
	for i := 0; i < 12; i++ {
		names = append(names, fmt.Sprintf("bulk-%02d", i))
	}
	f := newFixture(t, []string{"a"}, names)

	res := f.reconcile(models.VariantTest)
	require.True(t, res.Succeeded, res.Message)
	assert.Equal(t, 12, res.Stats.ItemsCreated)
	assert.LessOrEqual(t, f.gallery.MaxConcurrentCreates(), 3)
	assert.Greater(t, f.gallery.MaxConcurrentCreates(), 0)
}

func TestReconcileCreateFailureAbortsBeforeDelete(t *testing.T) {
	f := newFixture(t, []string{"a", "b"}, []string{"b", "c"})
	f.gallery.Fail["create"] = fmt.Errorf("%w: 503", media.ErrTransient)

	res := f.reconcile(models.VariantTest)
	assert.False(t, res.Succeeded)
	assert.Equal(t, KindTransient, res.Kind)
	ops := f.gallery.Ops()
	assert.Zero(t, countOps(ops, "reorder"))
	assert.Zero(t, countOps(ops, "unassign"))
	assert.Equal(t, []string{src("a"), src("b")}, f.gallery.Gallery(productID))
}

func TestReconcileMissingProductIsNotFound(t *testing.T) {
	f := newFixture(t, []string{"a"}, []string{"b"})
	snap, err := f.st.GetSnapshot(context.Background(), f.testID)
	require.NoError(t, err)
	snap.Test.ProductID = "gid://shopify/Product/missing"

	res := f.rec.Reconcile(context.Background(), f.gallery, snap, models.VariantTest)
	assert.Equal(t, KindNotFound, res.Kind)
}

type lazyReorder struct {
	*media.MemoryGallery
}

func (lazyReorder) ReorderMedia(ctx context.Context, productID string, moves []media.Move) (string, error) {
	return "", nil
}

func TestReconcileVerificationFailureSkipsDelete(t *testing.T) {
	f := newFixture(t, []string{"a", "b"}, []string{"c", "b"})

	res := f.reconcileWith(lazyReorder{f.gallery}, models.VariantTest)
	assert.False(t, res.Succeeded)
	assert.Equal(t, KindVerification, res.Kind)
	assert.Equal(t, 2*time.Minute, res.RetryAfter)
	assert.Zero(t, countOps(f.gallery.Ops(), "unassign"))
}

type panicky struct {
	*media.MemoryGallery
}

func (panicky) GetProductState(ctx context.Context, productID string) (media.ProductState, error) {
	panic("boom")
}

func TestReconcileRecoversFromPanics(t *testing.T) {
	f := newFixture(t, []string{"a"}, []string{"b"})
	res := f.reconcileWith(panicky{f.gallery}, models.VariantTest)
	assert.False(t, res.Succeeded)
	assert.Equal(t, KindInternal, res.Kind)
	assert.Contains(t, res.Message, "boom")
}

func TestClassify(t *testing.T) {
	cases := map[error]FailureKind{
		fmt.Errorf("x: %w", media.ErrProductNotFound): KindNotFound,
		fmt.Errorf("x: %w", media.ErrMediaNotFound):   KindDataInconsistency,
		fmt.Errorf("x: %w", media.ErrJobTimeout):      KindTransient,
		fmt.Errorf("x: %w", media.ErrRejected):        KindRejected,
		context.DeadlineExceeded:                      KindTransient,
		errors.New("connection reset"):                KindTransient,
	}
	for err, want := range cases {
		assert.Equal(t, want, classify(err), err.Error())
	}
}
