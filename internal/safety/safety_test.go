package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheck_SafeContent(t *testing.T) {
	f := NewFilter(true, nil, nil)
	assert.True(t, f.Check("Hello, how are you today?").Safe)
}

func TestCheck_BlocksCaseInsensitively(t *testing.T) {
	f := NewFilter(true, nil, nil)

	for _, text := range []string{"I hate this", "I HATE YOU"} {
		v := f.Check(text)
		assert.False(t, v.Safe, text)
		assert.Equal(t, "hate", v.Word)
		assert.Equal(t, "Your message contains restricted content. Please avoid: hate", v.Reason)
	}
}

func TestCheck_DisabledAlwaysSafe(t *testing.T) {
	f := NewFilter(false, nil, nil)
	assert.True(t, f.Check("drugs and violence").Safe)

	f.SetEnabled(true)
	assert.False(t, f.Check("drugs and violence").Safe)
}

func TestCheck_ReportsFirstWordInListOrder(t *testing.T) {
	f := NewFilter(true, []string{"beta", "alpha"}, nil)
	assert.Equal(t, "beta", f.Check("alpha then beta").Word)
}

func TestAddRemoveWords(t *testing.T) {
	f := NewFilter(true, []string{}, nil)
	assert.Empty(t, f.Words())

	f.Add("  Spoiler ")
	f.Add("spoiler")
	assert.Equal(t, []string{"spoiler"}, f.Words())
	assert.False(t, f.Check("no SPOILERS please").Safe)

	f.Remove("SPOILER")
	assert.Empty(t, f.Words())
	assert.True(t, f.Check("no spoilers please").Safe)
}

func TestSetWords(t *testing.T) {
	f := NewFilter(true, nil, nil)
	assert.Equal(t, DefaultWords, f.Words())

	f.SetWords([]string{"Foo", "foo", ""})
	assert.Equal(t, []string{"foo"}, f.Words())

	f.SetWords(nil)
	assert.Equal(t, DefaultWords, f.Words())
}

func TestWordsIsACopy(t *testing.T) {
	f := NewFilter(true, nil, nil)
	w := f.Words()
	w[0] = "changed"
	assert.Equal(t, "hate", f.Words()[0])
}
