package blob

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_CreateGetRevoke(t *testing.T) {
	s := NewStore()
	url := s.CreateURL([]byte("abc"), "audio/wav")
	assert.True(t, IsBlobURL(url))

	b, err := s.Get(url)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), b.Data)
	assert.Equal(t, "audio/wav", b.MimeType)

	s.Revoke(url)
	s.Revoke(url)
	_, err = s.Get(url)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, s.Len())
}

func TestStore_UniqueURLs(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	urls := make([]string, 100)
	for i := range urls {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			urls[i] = s.CreateURL([]byte{byte(i)}, "")
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, u := range urls {
		assert.False(t, seen[u])
		seen[u] = true
	}
	assert.Equal(t, 100, s.Len())
	assert.False(t, IsBlobURL("https://example.com/a.mp3"))
}
