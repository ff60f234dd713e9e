package caption

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/captioncast/captioncast/internal/models"
)

func TestTranslationWanted(t *testing.T) {
	assert.False(t, TranslationWanted("en", "none"))
	assert.False(t, TranslationWanted("en", ""))
	assert.False(t, TranslationWanted("en", "en"))
	assert.False(t, TranslationWanted("EN", "en"))
	assert.True(t, TranslationWanted("en", "es"))
	assert.True(t, TranslationWanted("auto", "es"))
}

func TestWithholdsOriginalWhenTranslationExpected(t *testing.T) {
	agg := New(true)

	events := agg.Process([]models.Token{
		{Text: "Hello", Role: models.RoleSource, IsFinal: true},
	})
	assert.Empty(t, events, "original-language text must never surface when translation is expected")
}

func TestPartialEmittedImmediatelyWithoutTranslation(t *testing.T) {
	agg := New(false)

	events := agg.Process([]models.Token{
		{Text: "Hi", Role: models.RoleSource, IsFinal: false},
	})
	require.Len(t, events, 1)
	assert.Equal(t, "Hi", events[0].Text)
	assert.False(t, events[0].IsFinal)
}

func TestFinalBatchClosesCaption(t *testing.T) {
	agg := New(false)

	events := agg.Process([]models.Token{
		{Text: "Hello ", Role: models.RoleSource, IsFinal: true},
		{Text: "world", Role: models.RoleSource, IsFinal: true},
	})
	require.Len(t, events, 1)
	assert.Equal(t, "Hello world", events[0].Text)
	assert.True(t, events[0].IsFinal)
}

func TestOpenCaptionAccumulatesAcrossBatches(t *testing.T) {
	agg := New(false)

	first := agg.Process([]models.Token{
		{Text: "Hello ", Role: models.RoleSource, IsFinal: true},
		{Text: "wor", Role: models.RoleSource, IsFinal: false},
	})
	require.Len(t, first, 1)
	assert.Equal(t, "Hello wor", first[0].Text)
	assert.False(t, first[0].IsFinal)

	second := agg.Process([]models.Token{
		{Text: "world", Role: models.RoleSource, IsFinal: true},
	})
	require.Len(t, second, 1)
	assert.Equal(t, "Hello world", second[0].Text)
	assert.True(t, second[0].IsFinal)
	assert.Equal(t, first[0].ID, second[0].ID, "partial and its final belong to the same caption")
}

func TestTranslatedTokensPreferred(t *testing.T) {
	agg := New(true)

	events := agg.Process([]models.Token{
		{Text: "Hola ", Role: models.RoleSource, IsFinal: true},
		{Text: "Hello ", Role: models.RoleTranslation, IsFinal: true},
		{Text: "mundo", Role: models.RoleSource, IsFinal: true},
		{Text: "world", Role: models.RoleTranslation, IsFinal: true},
	})
	require.Len(t, events, 1)
	assert.Equal(t, "Hello world", events[0].Text)
	assert.True(t, events[0].IsFinal)
}

func TestNewCaptionStartsAfterFinal(t *testing.T) {
	agg := New(false)

	first := agg.Process([]models.Token{{Text: "One", IsFinal: true}})
	second := agg.Process([]models.Token{{Text: "Two", IsFinal: true}})
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].ID, second[0].ID)
	assert.Equal(t, "Two", second[0].Text)
}

func TestResetDiscardsOpenCaption(t *testing.T) {
	agg := New(false)

	agg.Process([]models.Token{{Text: "stale ", IsFinal: false}})
	agg.Reset()

	events := agg.Process([]models.Token{{Text: "fresh", IsFinal: true}})
	require.Len(t, events, 1)
	assert.Equal(t, "fresh", events[0].Text)
}

func TestEmptyBatchEmitsNothing(t *testing.T) {
	agg := New(false)
	assert.Empty(t, agg.Process(nil))
}
