package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stageImage = `(?i)<img class="o-stage__image".*?>`

func TestApply_RemovesStageImage(t *testing.T) {
	f, err := NewArtefactFilter([]string{stageImage})
	require.NoError(t, err)

	old := `<p>A</p><img class="o-stage__image" src=1>`
	cur := `<p>A</p><img class="o-stage__image" src=2>`
	assert.Equal(t, "<p>A</p>", f.Apply(old))
	assert.Equal(t, f.Apply(old), f.Apply(cur))
}

func TestApply_CaseInsensitive(t *testing.T) {
	f, err := NewArtefactFilter([]string{stageImage})
	require.NoError(t, err)

	assert.Equal(t, "ab", f.Apply(`a<IMG CLASS="o-stage__image" src="x.png">b`))
}

func TestApply_Idempotent(t *testing.T) {
	f, err := NewArtefactFilter([]string{stageImage, `<!-- page generated from \w+ -->`})
	require.NoError(t, err)

	inputs := []string{
		"",
		"<html>plain</html>",
		`<img class="o-stage__image" src=1><img class="o-stage__image" src=2>`,
		// removing the inner tag leaves a complete tag behind
		`<img class="o-st<img class="o-stage__image" src=1>age__image" src=2>rest`,
		`<!-- page generated from prod1 --><p>x</p>`,
	}
	for _, in := range inputs {
		once := f.Apply(in)
		assert.Equal(t, once, f.Apply(once), "input %q", in)
	}
	assert.Equal(t, "rest", f.Apply(inputs[3]))
}

func TestApply_NoPatterns(t *testing.T) {
	f, err := NewArtefactFilter(nil)
	require.NoError(t, err)

	assert.Equal(t, "unchanged", f.Apply("unchanged"))
}

func TestNewArtefactFilter_InvalidPattern(t *testing.T) {
	_, err := NewArtefactFilter([]string{"("})
	require.Error(t, err)
}
