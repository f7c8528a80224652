package jobs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/convertx/internal/domain"
	"github.com/spherical-ai/convertx/internal/storage"
)

func TestService_Suggest(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	none, err := h.svc.Suggest(ctx, "alice", "txt")
	require.NoError(t, err)
	assert.Equal(t, SourceNone, none.Source)
	assert.False(t, none.AutoFill)
	require.Len(t, none.Targets, 1)
	assert.Equal(t, "md", none.Targets[0].Target)

	job, err := h.svc.Create(ctx, CreateRequest{UserID: "alice", Target: "md", Files: []Upload{
		textUpload("a.txt", "one"), textUpload("b.txt", "two"),
	}})
	require.NoError(t, err)
	waitForJob(t, h.svc, "alice", job.ID)

	mine, err := h.svc.Suggest(ctx, "alice", ".TXT")
	require.NoError(t, err)
	assert.Equal(t, "txt", mine.From)
	assert.Equal(t, SourceUser, mine.Source)
	assert.True(t, mine.AutoFill)
	assert.Equal(t, "upper", mine.Engine)
	assert.Equal(t, []TargetSuggestion{{Target: "md", Engine: "upper", Count: 2, Confidence: 1, EngineConfidence: 1}}, mine.Targets)

	// bob has no history of his own
	theirs, err := h.svc.Suggest(ctx, "bob", "txt")
	require.NoError(t, err)
	assert.Equal(t, SourceGlobal, theirs.Source)
	assert.Equal(t, 2, theirs.Targets[0].Count)

	_, err = h.svc.Suggest(ctx, "alice", "exe")
	assert.True(t, domain.IsType(err, domain.ErrorTypeValidation))
}

func TestService_SuggestIgnoresFailedConversions(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	job, err := h.svc.Create(ctx, CreateRequest{Target: "md", Files: []Upload{textUpload("x.bad", "x")}})
	require.NoError(t, err)
	waitForJob(t, h.svc, "", job.ID)

	got, err := h.svc.Suggest(ctx, "", "bad")
	require.NoError(t, err)
	assert.Equal(t, SourceNone, got.Source)
	assert.Zero(t, got.Targets[0].Count)
}

func TestRankTargets(t *testing.T) {
	ranked := rankTargets([]storage.TargetCount{
		{Target: "png", Engine: "vips", Count: 3},
		{Target: "webp", Engine: "vips", Count: 3},
		{Target: "png", Engine: "imagemagick", Count: 2},
		{Target: "jpeg", Engine: "vips", Count: 2},
	})
	require.Len(t, ranked, 3)

	assert.Equal(t, "png", ranked[0].Target)
	assert.Equal(t, "vips", ranked[0].Engine)
	assert.Equal(t, 5, ranked[0].Count)
	assert.InDelta(t, 0.5, ranked[0].Confidence, 1e-9)
	assert.InDelta(t, 0.6, ranked[0].EngineConfidence, 1e-9)

	assert.Equal(t, "webp", ranked[1].Target)
	assert.InDelta(t, 0.3, ranked[1].Confidence, 1e-9)
	assert.Equal(t, "jpeg", ranked[2].Target)
}
