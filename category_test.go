package attachcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCategoriesOrder(t *testing.T) {
	require.Equal(t, []Category{
		CategoryVideos,
		CategoryAudios,
		CategoryDocuments,
		CategoryForms,
	}, Categories())
}

func TestCategoryValid(t *testing.T) {
	for _, c := range Categories() {
		require.True(t, c.Valid())
	}
	require.False(t, Category("images").Valid())
	require.False(t, Category("").Valid())
}

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory("documents")
	require.NoError(t, err)
	require.Equal(t, CategoryDocuments, c)

	_, err = ParseCategory("Documents")
	require.Error(t, err)
}
