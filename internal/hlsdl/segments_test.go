package hlsdl

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSegmentPlan(t *testing.T) {
	t.Parallel()

	manifest := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-KEY:METHOD=AES-128,URI="https://cdn.example/key",IV=0x0
#EXTINF:4.0,
https://cdn.example/seg/0.ts
#EXTINF:4.0,
https://cdn.example/seg/1.ts
#EXT-X-ENDLIST
`
	plan := parseSegmentPlan(manifest)
	assert.Equal(t, []string{
		"https://cdn.example/seg/0.ts",
		"https://cdn.example/seg/1.ts",
	}, plan.SegmentURLs)
	assert.Equal(t, "https://cdn.example/key", plan.KeyURI)
}

func TestParseSegmentPlanNoKeyNoSegments(t *testing.T) {
	t.Parallel()

	plan := parseSegmentPlan("#EXTM3U\n#EXT-X-ENDLIST\n")
	assert.Empty(t, plan.SegmentURLs)
	assert.Empty(t, plan.KeyURI)
}

func TestSegmentFileNameSortsLikeDiscoveryOrder(t *testing.T) {
	t.Parallel()

	// Lexical order of the padded names must equal numeric order well past
	// the three-digit boundary where unpadded names would break.
	prev := segmentFileName(0)
	for i := 1; i < 1500; i++ {
		name := segmentFileName(i)
		require.Greater(t, name, prev, "name for %d does not sort after its predecessor", i)
		prev = name
	}
}

func TestWriteConcatListPrefersDecryptedSegments(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	// Segment 0 was decrypted: plaintext beside the stashed original.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seg_000000.encrypted"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seg_000000"), []byte("x"), 0o600))
	// Segment 1 was never encrypted.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seg_000001.ts"), []byte("y"), 0o600))
	// Non-segment files in the work dir are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "playlist.m3u8"), []byte("#EXTM3U"), 0o600))

	listPath, err := writeConcatList(dir)
	require.NoError(t, err)

	data, err := os.ReadFile(listPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "file '"+filepath.Join(dir, "seg_000000")+"'", lines[0])
	assert.Equal(t, "file '"+filepath.Join(dir, "seg_000001.ts")+"'", lines[1])
}
