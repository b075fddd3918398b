package naming

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksum_KnownVector(t *testing.T) {
	// SHA-256("abc")
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", Checksum([]byte("abc")))
}

func TestAllocateFilename_FreeName(t *testing.T) {
	got, err := AllocateFilename(context.Background(), "r.jpg", []string{"other.jpg"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "r.jpg", got)
}

func TestAllocateFilename_Probes(t *testing.T) {
	listing := []string{"r.jpg", "r-1.jpg", "index.json"}
	got, err := AllocateFilename(context.Background(), "r.jpg", listing, nil)
	require.NoError(t, err)
	assert.Equal(t, "r-2.jpg", got)
}

func TestAllocateFilename_ReservedManifestNames(t *testing.T) {
	got, err := AllocateFilename(context.Background(), "index.json", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "index-1.json", got)
}

func TestAllocateFilename_RecheckCatchesStaleListing(t *testing.T) {
	calls := 0
	recheck := func(context.Context) ([]string, error) {
		calls++
		// Another writer created r.jpg after the first listing.
		return []string{"r.jpg"}, nil
	}

	got, err := AllocateFilename(context.Background(), "r.jpg", nil, recheck)
	require.NoError(t, err)
	assert.Equal(t, "r-1.jpg", got)
	assert.Equal(t, 2, calls)
}

func TestAllocateFilename_RecheckError(t *testing.T) {
	recheck := func(context.Context) ([]string, error) {
		return nil, errors.New("list failed")
	}

	_, err := AllocateFilename(context.Background(), "r.jpg", nil, recheck)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list failed")
}

func TestAllocateFilename_EmptyName(t *testing.T) {
	_, err := AllocateFilename(context.Background(), "  ", nil, nil)
	require.Error(t, err)
}

func TestAllocateFilename_NoExtension(t *testing.T) {
	got, err := AllocateFilename(context.Background(), "scan", []string{"scan"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "scan-1", got)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "a_b_c.jpg", Sanitize("a/b\\c.jpg"))
	assert.Equal(t, "", Sanitize(".."))
	// Decomposed e + combining acute becomes the composed form.
	assert.Equal(t, "caf\u00e9.jpg", Sanitize("cafe\u0301.jpg"))
}

func TestGenerate(t *testing.T) {
	ts := time.Date(2026, 10, 18, 14, 30, 5, 0, time.UTC)
	got := Generate(ts, "3f2b8c1e-aaaa-bbbb-cccc-000000000000", "JPG")
	assert.Equal(t, "20261018-143005-3f2b8c1e.jpg", got)
}
