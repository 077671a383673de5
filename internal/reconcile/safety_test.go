package reconcile

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/imagerotation/internal/media"
	"github.com/ILLUVRSE/imagerotation/internal/models"
	"github.com/ILLUVRSE/imagerotation/internal/store"
)

var pool = []string{"a", "b", "c", "d", "e", "f", "g"}

// pickSets derives two overlapping cases and an unrelated hero image from fuzz input.
func pickSets(data []byte) (control, treatment []string, unrelated string) {
	take := func(mask byte) []string {
		var out []string
		for i, n := range pool {
			if mask&(1<<uint(i)) != 0 {
				out = append(out, n)
			}
		}
		if len(out) == 0 {
			out = []string{pool[int(mask)%len(pool)]}
		}
		return out
	}
	for len(data) < 4 {
		data = append(data, 0)
	}
	control = take(data[0])
	treatment = take(data[1])
	if data[3]%2 == 1 {
		for i, j := 0, len(treatment)-1; i < j; i, j = i+1, j-1 {
			treatment[i], treatment[j] = treatment[j], treatment[i]
		}
	}
	unrelated = control[int(data[2])%len(control)]
	return control, treatment, unrelated
}

// checkDeletionSafety rotates back and forth and asserts that no unassign ever removes an image
// shared by both cases or used as the hero of an untracked variant.
func checkDeletionSafety(t *testing.T, control, treatment []string, unrelated string) {
	st := store.NewMemoryStore()
	g := media.NewMemoryGallery()
	ctx := context.Background()
	test, err := st.CreateTest(ctx, store.TestInput{
		Shop: "fuzz.myshopify.com", ProductID: productID,
		Control: items(control...), Treatment: items(treatment...),
	})
	require.NoError(t, err)

	sources := make([]string, 0, len(control))
	for _, n := range control {
		sources = append(sources, src(n))
	}
	ids := g.Seed(productID, []string{"untracked"}, sources...)
	unrelatedID := ""
	for i, n := range control {
		if n == unrelated {
			unrelatedID = ids[i]
		}
	}
	g.SetHero(productID, "untracked", unrelatedID)

	shared := map[string]bool{}
	inControl := map[string]bool{}
	for _, n := range control {
		inControl[n] = true
	}
	for _, n := range treatment {
		if inControl[n] {
			shared[src(n)] = true
		}
	}

	rec := New(Options{Recorder: st})
	for i, target := range []models.Variant{models.VariantTest, models.VariantControl, models.VariantTest} {
		snap, err := st.GetSnapshot(ctx, test.ID)
		require.NoError(t, err)
		res := rec.Reconcile(ctx, g, snap, target)
		require.True(t, res.Succeeded, "step %d: %s", i, res.Message)

		gallery := map[string]bool{}
		for _, s := range g.Gallery(productID) {
			gallery[s] = true
		}
		for s := range shared {
			require.True(t, gallery[s], "shared %s removed at step %d", s, i)
		}
		require.True(t, gallery[src(unrelated)], "untracked hero %s removed at step %d", unrelated, i)

		state, err := g.GetProductState(ctx, productID)
		require.NoError(t, err)
		require.Equal(t, unrelatedID, state.Heroes["untracked"])
		want := treatment
		if target == models.VariantControl {
			want = control
		}
		for pos, n := range want {
			require.Equal(t, src(n), state.Media[pos].SourceURL, "step %d position %d", i, pos)
		}
	}
}

func FuzzDeletionSafety(f *testing.F) {
	f.Add([]byte{0x03, 0x06, 0x00, 0x00})
	f.Add([]byte{0x7f, 0x7f, 0x05, 0x01})
	f.Add([]byte{0x01, 0x40, 0x00, 0x00})
	f.Add([]byte{0x2a, 0x15, 0x02, 0x01})
	f.Fuzz(func(t *testing.T, data []byte) {
		control, treatment, unrelated := pickSets(data)
		checkDeletionSafety(t, control, treatment, unrelated)
	})
}

func TestDeletionSafetyRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 40; i++ {
		data := []byte{byte(rng.Intn(256)), byte(rng.Intn(256)), byte(rng.Intn(256)), byte(rng.Intn(2))}
		control, treatment, unrelated := pickSets(data)
		checkDeletionSafety(t, control, treatment, unrelated)
	}
}

func TestDeletableIgnoresDriftingProviderIDs(t *testing.T) {
	reg := buildRegistry(models.MediaSet{Items: items("b", "c")}, nil)
	state := media.ProductState{
		Media: []media.Media{
			{ID: "gid://new-id-for-b", SourceURL: src("b") + "?width=800"},
			{ID: "gid://c", SourceURL: src("c")},
			{ID: "gid://a", SourceURL: src("a")},
		},
		Heroes: map[string]string{},
	}
	p := diff(reg, state)
	require.Len(t, p.reuse, 2)
	require.Equal(t, []string{"gid://a"}, deletable(reg, state))
}
