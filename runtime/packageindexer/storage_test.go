package packageindexer

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStorage(t *testing.T) *Storage {
	t.Helper()
	dir := t.TempDir()
	st, needsReplay, err := OpenStorage(filepath.Join(dir, "packages.db"))
	require.NoError(t, err)
	require.True(t, needsReplay, "a fresh database should request a full replay")
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOpenStorageAppliesSchemaAndVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "packages.db")

	st, needsReplay, err := OpenStorage(path)
	require.NoError(t, err)
	require.True(t, needsReplay)
	require.NoError(t, st.SetLastSavedBlock(42))
	require.NoError(t, st.Close())

	reopened, needsReplay, err := OpenStorage(path)
	require.NoError(t, err)
	require.False(t, needsReplay, "reopening with an unchanged schema version should not force a replay")
	block, err := reopened.LastSavedBlock()
	require.NoError(t, err)
	require.Equal(t, uint64(42), block)
	require.NoError(t, reopened.Close())
}

func TestUpsertAndGetListing(t *testing.T) {
	st := openTestStorage(t)
	ctx := context.Background()

	l := Listing{
		PackageName:   "mypkg",
		PublisherNode: "alice",
		MetadataURI:   "https://example.com/metadata.json",
		MetadataHash:  "abc123",
		MetadataJSON:  `{"name":"mypkg"}`,
		AutoUpdate:    true,
		Block:         10,
	}
	require.NoError(t, st.UpsertListing(ctx, l))

	got, ok, err := st.GetListing(ctx, "mypkg", "alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, l.MetadataURI, got.MetadataURI)
	require.True(t, got.AutoUpdate)

	l.MetadataURI = "https://example.com/v2.json"
	l.Block = 11
	require.NoError(t, st.UpsertListing(ctx, l))

	got, ok, err = st.GetListing(ctx, "mypkg", "alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "https://example.com/v2.json", got.MetadataURI)
	require.Equal(t, uint64(11), got.Block)
}

func TestGetListingMissingReturnsNotOK(t *testing.T) {
	st := openTestStorage(t)
	_, ok, err := st.GetListing(context.Background(), "nobody", "nowhere")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUnpublishListingClearsMetadataAndPublishedRow(t *testing.T) {
	st := openTestStorage(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertListing(ctx, Listing{PackageName: "mypkg", PublisherNode: "alice", MetadataURI: "https://x", Block: 1}))
	require.NoError(t, st.MarkPublished(ctx, "mypkg", "alice"))

	require.NoError(t, st.UnpublishListing(ctx, "mypkg", "alice", 2))

	got, ok, err := st.GetListing(ctx, "mypkg", "alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, got.MetadataURI)
	require.Equal(t, uint64(2), got.Block)
}

func TestAllListingsReturnsEveryRow(t *testing.T) {
	st := openTestStorage(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertListing(ctx, Listing{PackageName: "a", PublisherNode: "alice", MetadataURI: "u1", Block: 1}))
	require.NoError(t, st.UpsertListing(ctx, Listing{PackageName: "b", PublisherNode: "bob", MetadataURI: "u2", Block: 2}))

	all, err := st.AllListings(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestLastSavedBlockDefaultsToZero(t *testing.T) {
	st := openTestStorage(t)
	block, err := st.LastSavedBlock()
	require.NoError(t, err)
	require.Equal(t, uint64(0), block)
}
