package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(NewZotero("http://unused"))
	r.Register(NewGoogleBooks("client-id", "client-secret"))

	got, err := r.Get("zotero")
	require.NoError(t, err)
	assert.Equal(t, "zotero", got.Service())

	_, err = r.Get("mendeley")
	require.Error(t, err)

	assert.Equal(t, []string{"googlebooks", "zotero"}, r.Services())
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register(NewZotero("http://unused"))
	assert.Panics(t, func() {
		r.Register(NewZotero("http://other"))
	})
}
