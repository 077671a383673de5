package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/imagerotation/internal/media"
	"github.com/ILLUVRSE/imagerotation/internal/models"
	"github.com/ILLUVRSE/imagerotation/internal/reconcile"
	"github.com/ILLUVRSE/imagerotation/internal/rotation"
	"github.com/ILLUVRSE/imagerotation/internal/store"
)

const productID = "gid://shopify/Product/3"

type fixture struct {
	st      *store.MemoryStore
	gallery *media.MemoryGallery
	open    Opener
	id      string
	closed  int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	g := media.NewMemoryGallery()
	g.Seed(productID, nil, "https://cdn.example.com/a.jpg")
	test, err := st.CreateTest(context.Background(), store.TestInput{
		Shop:                    "demo.myshopify.com",
		ProductID:               productID,
		RotationIntervalMinutes: 30,
		Control:                 []models.MediaItem{{SourceURL: "https://cdn.example.com/a.jpg", Position: 0}},
		Treatment:               []models.MediaItem{{SourceURL: "https://cdn.example.com/b.jpg", Position: 0}},
	})
	require.NoError(t, err)
	engine := rotation.NewEngine(rotation.Deps{
		Store:      st,
		Provider:   media.StaticProvider{Client: g},
		Reconciler: reconcile.New(reconcile.Options{Recorder: st, ReorderTimeout: 100 * time.Millisecond}),
	})
	f := &fixture{st: st, gallery: g, id: test.ID.String()}
	f.open = func(ctx context.Context) (*Runtime, error) {
		return &Runtime{
			Engine:  engine,
			Store:   st,
			Migrate: func(ctx context.Context) error { return nil },
			Close: func() error {
				f.closed++
				return nil
			},
		}, nil
	}
	return f
}

func (f *fixture) run(args ...string) (string, error) {
	root := NewRootCmd(f.open)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestActivateRotatePauseHistory(t *testing.T) {
	f := newFixture(t)

	out, err := f.run("activate", f.id)
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "ACTIVE"`)

	out, err = f.run("rotate", f.id, "--target", "test")
	require.NoError(t, err)
	var outcome rotation.Outcome
	require.NoError(t, json.Unmarshal([]byte(out), &outcome))
	assert.True(t, outcome.Result.Succeeded)
	assert.Equal(t, models.VariantTest, outcome.Test.ActiveVariant)
	assert.Equal(t, []string{"https://cdn.example.com/b.jpg"}, f.gallery.Gallery(productID))

	out, err = f.run("pause", f.id)
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "PAUSED"`)
	assert.Contains(t, out, `"activeVariant": "CONTROL"`)

	out, err = f.run("history", f.id)
	require.NoError(t, err)
	var entries []models.RotationHistoryEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, models.TriggerManual, entries[0].TriggeredBy)
	assert.Equal(t, models.TriggerSystem, entries[1].TriggeredBy)

	out, err = f.run("variant-at", f.id, "--at", time.Now().Add(time.Hour).UTC().Format(time.RFC3339))
	require.NoError(t, err)
	assert.Equal(t, "CONTROL", strings.TrimSpace(out))
	assert.Equal(t, 5, f.closed)
}

func TestRunDueReportsFailures(t *testing.T) {
	f := newFixture(t)
	_, err := f.run("activate", f.id)
	require.NoError(t, err)
	f.gallery.Fail["create"] = media.ErrRejected

	out, err := f.run("run-due", "--at", time.Now().Add(31*time.Minute).UTC().Format(time.RFC3339))
	require.Error(t, err)
	var summary rotation.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 1, summary.Processed)
	require.Len(t, summary.Failed, 1)
	assert.Equal(t, reconcile.KindRejected, summary.Failed[0].Kind)
}

func TestArgumentValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.run("rotate", "nope")
	assert.Error(t, err)
	_, err = f.run("rotate", f.id, "--target", "SIDEWAYS")
	assert.Error(t, err)
	_, err = f.run("run-due", "--at", "yesterday")
	assert.Error(t, err)
	_, err = f.run("variant-at", f.id)
	assert.Error(t, err, "--at is required")
	assert.Zero(t, f.closed, "runtime is not opened for invalid input")

	_, err = f.run("rotate", f.id)
	assert.True(t, errors.Is(err, rotation.ErrInvalidState))

	out, err := f.run("migrate")
	require.NoError(t, err)
	assert.Equal(t, "schema applied\n", out)
}
