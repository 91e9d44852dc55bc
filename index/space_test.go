package index

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nextlabs-mydc/sifs/fileprov"
)

func TestFreeBlockCatalogReuse(t *testing.T) {
	catalog := newFreeBlockCatalog()
	catalog.add(IndexSpace{Offset: 100, Length: 80})
	catalog.add(IndexSpace{Offset: 200, Length: 80})
	catalog.add(IndexSpace{Offset: 300, Length: 500})

	space, ok := catalog.takeCeiling(80)
	require.True(t, ok)
	require.Equal(t, uint16(80), space.Length)

	space, ok = catalog.takeCeiling(70)
	require.True(t, ok)
	require.Equal(t, uint16(80), space.Length)

	_, ok = catalog.takeCeiling(80)
	require.False(t, ok, "only the oversized 500 block remains")
}

func TestFreeBlockCatalogFragmentationGuard(t *testing.T) {
	catalog := newFreeBlockCatalog()
	catalog.add(IndexSpace{Offset: 0, Length: 100})

	// 100 > 79 + 79/4 so the hole is too generous
	_, ok := catalog.takeCeiling(79)
	require.False(t, ok)

	// 100 <= 80 + 80/4
	space, ok := catalog.takeCeiling(80)
	require.True(t, ok)
	require.Equal(t, IndexSpace{Offset: 0, Length: 100}, space)
}

func TestFreeBlockCatalogTotalBytes(t *testing.T) {
	catalog := newFreeBlockCatalog()
	require.Equal(t, int64(0), catalog.totalBytes())
	catalog.add(IndexSpace{Offset: 0, Length: 64})
	catalog.add(IndexSpace{Offset: 64, Length: 64})
	catalog.add(IndexSpace{Offset: 128, Length: 32})
	require.Equal(t, int64(160), catalog.totalBytes())
}

func TestFreeBlockCatalogPersistenceRoundTrip(t *testing.T) {
	provider := fileprov.New(t.TempDir(), indexFilePrefix, 4)
	defer provider.Stop()

	catalog := newFreeBlockCatalog()
	catalog.add(IndexSpace{Offset: 34, Length: 64})
	catalog.add(IndexSpace{Offset: 98, Length: 64})
	catalog.add(IndexSpace{Offset: 162, Length: 300})

	handle, err := provider.GetFile(0)
	require.NoError(t, err)
	defer handle.Close()
	require.NoError(t, handle.WriteAt(catalog.serialize(), 1000))

	restored := newFreeBlockCatalog()
	require.NoError(t, restored.load(handle, 1000))
	require.Equal(t, catalog.totalBytes(), restored.totalBytes())

	first, ok := restored.takeCeiling(60)
	require.True(t, ok)
	require.Equal(t, uint16(64), first.Length)
	second, ok := restored.takeCeiling(60)
	require.True(t, ok)
	require.Equal(t, uint16(64), second.Length)
	require.NotEqual(t, first.Offset, second.Offset)

	big, ok := restored.takeCeiling(280)
	require.True(t, ok)
	require.Equal(t, IndexSpace{Offset: 162, Length: 300}, big)
}

func TestFreeBlockCatalogLoadTruncated(t *testing.T) {
	provider := fileprov.New(t.TempDir(), indexFilePrefix, 4)
	defer provider.Stop()

	handle, err := provider.GetFile(1)
	require.NoError(t, err)
	defer handle.Close()

	// a count promising more groups than the file holds
	require.NoError(t, handle.WriteAt([]byte{0, 0, 0, 5}, 0))

	catalog := newFreeBlockCatalog()
	require.Error(t, catalog.load(handle, 0))
}
