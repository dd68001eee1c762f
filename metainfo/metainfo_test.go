package metainfo

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvilla/bitpeer/bencode"
)

func buildSingleFile(t *testing.T, pieceLength int64, totalLength int64, numPieces int) []byte {
	t.Helper()
	info := bencode.Dict()
	info.Set("name", bencode.String("movie.mp4"))
	info.Set("piece length", bencode.Int(pieceLength))
	info.Set("length", bencode.Int(totalLength))
	pieces := make([]byte, 20*numPieces)
	for i := range pieces {
		pieces[i] = byte(i)
	}
	info.Set("pieces", bencode.String(string(pieces)))

	top := bencode.Dict()
	top.Set("announce", bencode.String("http://tracker.example/announce"))
	top.Set("info", info)
	return bencode.Encode(top)
}

func buildMultiFile(t *testing.T, pieceLength int64, files []FileEntry, numPieces int) []byte {
	t.Helper()
	info := bencode.Dict()
	info.Set("name", bencode.String("album"))
	info.Set("piece length", bencode.Int(pieceLength))

	var fileList []bencode.Value
	for _, f := range files {
		fv := bencode.Dict()
		fv.Set("length", bencode.Int(f.Length))
		fv.Set("path", bencode.List(bencode.String(f.Path)))
		fileList = append(fileList, fv)
	}
	info.Set("files", bencode.List(fileList...))

	pieces := make([]byte, 20*numPieces)
	info.Set("pieces", bencode.String(string(pieces)))

	top := bencode.Dict()
	top.Set("announce-list", bencode.List(
		bencode.List(bencode.String("http://tier1a.example/announce"), bencode.String("http://tier1b.example/announce")),
		bencode.List(bencode.String("http://tier2.example/announce")),
	))
	top.Set("info", info)
	return bencode.Encode(top)
}

func TestParseSingleFile(t *testing.T) {
	raw := buildSingleFile(t, 16, 32, 2)
	info, err := Parse(raw, "")
	require.NoError(t, err)

	assert.Equal(t, "movie.mp4", info.Name)
	assert.Equal(t, int64(16), info.PieceLength)
	assert.Equal(t, 2, info.PieceCount)
	assert.Equal(t, int64(32), info.TotalLength)
	require.Len(t, info.Files, 1)
	assert.Equal(t, "movie.mp4", info.Files[0].Path)
	assert.False(t, info.Multi())
	require.Len(t, info.Trackers, 1)
	assert.Equal(t, []string{"http://tracker.example/announce"}, info.Trackers[0])
}

func TestInfoHashStableAcrossReparse(t *testing.T) {
	raw := buildSingleFile(t, 16, 32, 2)
	info1, err := Parse(raw, "")
	require.NoError(t, err)
	info2, err := Parse(raw, "")
	require.NoError(t, err)
	assert.Equal(t, info1.InfoHash, info2.InfoHash)

	// sanity: hash must equal sha1 over exactly the info dict's raw bytes.
	_, ranges, err := bencode.DecodeTopDict(raw)
	require.NoError(t, err)
	r := ranges["info"]
	want := sha1.Sum(raw[r[0]:r[1]])
	assert.Equal(t, want, info1.InfoHash)
}

func TestInfoHashUnchangedByOuterFields(t *testing.T) {
	rawA := buildSingleFile(t, 16, 32, 2)
	top, _, err := bencode.Decode(rawA)
	require.NoError(t, err)
	top.Set("announce", bencode.String("http://other.example/announce"))
	rawB := bencode.Encode(top)
	infoA, err := Parse(rawA, "")
	require.NoError(t, err)
	infoB, err := Parse(rawB, "")
	require.NoError(t, err)
	// identical info dicts produce identical hashes, even with different announce.
	assert.Equal(t, infoA.InfoHash, infoB.InfoHash)
}

func TestAnnounceListTakesPriorityOverAnnounce(t *testing.T) {
	raw := buildMultiFile(t, 16, []FileEntry{{Path: "a.flac", Length: 10}, {Path: "b.flac", Length: 20}}, 2)
	info, err := Parse(raw, "")
	require.NoError(t, err)
	require.Len(t, info.Trackers, 2)
	assert.Equal(t, []string{"http://tier1a.example/announce", "http://tier1b.example/announce"}, info.Trackers[0])
	assert.Equal(t, []string{"http://tier2.example/announce"}, info.Trackers[1])
}

func TestMultiFileOffsetsAreCumulative(t *testing.T) {
	raw := buildMultiFile(t, 16, []FileEntry{{Path: "a.flac", Length: 10}, {Path: "b.flac", Length: 20}}, 2)
	info, err := Parse(raw, "")
	require.NoError(t, err)
	require.Len(t, info.Files, 2)
	assert.Equal(t, int64(0), info.Files[0].Offset)
	assert.Equal(t, int64(10), info.Files[1].Offset)
	assert.Equal(t, int64(30), info.TotalLength)
	assert.True(t, info.Multi())
}

func TestFilesForPieceCoversWholeTorrentExactlyOnce(t *testing.T) {
	raw := buildMultiFile(t, 8, []FileEntry{{Path: "a.flac", Length: 10}, {Path: "b.flac", Length: 20}}, 4)
	info, err := Parse(raw, "")
	require.NoError(t, err)

	covered := make([]bool, info.TotalLength)
	for idx := 0; idx < info.PieceCount; idx++ {
		for _, slice := range info.FilesForPiece(idx) {
			f := info.Files[slice.FileIndex]
			absStart := f.Offset + slice.FileOffset
			for i := int64(0); i < slice.Length; i++ {
				pos := absStart + i
				require.False(t, covered[pos], "byte %d covered twice", pos)
				covered[pos] = true
			}
		}
	}
	for i, c := range covered {
		assert.True(t, c, "byte %d never covered", i)
	}
}

func TestPieceLenShortFinalPiece(t *testing.T) {
	raw := buildSingleFile(t, 16, 30, 2)
	info, err := Parse(raw, "")
	require.NoError(t, err)
	assert.Equal(t, int64(16), info.PieceLen(0))
	assert.Equal(t, int64(14), info.PieceLen(1))
}

func TestParseRejectsPieceCountMismatch(t *testing.T) {
	raw := buildSingleFile(t, 16, 32, 3) // 3 pieces claimed, only 2 needed
	_, err := Parse(raw, "")
	assert.ErrorIs(t, err, ErrMalformedMetainfo)
}

func TestParseRejectsNonMultipleOf20Pieces(t *testing.T) {
	info := bencode.Dict()
	info.Set("name", bencode.String("f"))
	info.Set("piece length", bencode.Int(16))
	info.Set("length", bencode.Int(16))
	info.Set("pieces", bencode.String("short"))
	top := bencode.Dict()
	top.Set("info", info)

	_, err := Parse(bencode.Encode(top), "")
	assert.ErrorIs(t, err, ErrMalformedMetainfo)
}

func TestSanitizePathRejectsTraversal(t *testing.T) {
	cases := [][]string{
		{"..", "etc", "passwd"},
		{"a", "..", "..", "b"},
		{"."},
		{""},
		{"a\\b"},
	}
	for _, parts := range cases {
		_, err := sanitizePath(parts, "")
		assert.ErrorIs(t, err, ErrUnsafePath, "parts=%v", parts)
	}
}

func TestSanitizePathRejectsAbsoluteComponent(t *testing.T) {
	_, err := sanitizePath([]string{"/etc/passwd"}, "")
	assert.ErrorIs(t, err, ErrUnsafePath)
}

func TestSanitizePathAcceptsPathUnderRoot(t *testing.T) {
	_, err := sanitizePath([]string{"a", "b.txt"}, "/tmp/downloads")
	assert.NoError(t, err)
}

func TestSanitizePathAllowsNestedSubdirectories(t *testing.T) {
	path, err := sanitizePath([]string{"album", "disc1", "track1.flac"}, "")
	require.NoError(t, err)
	assert.Contains(t, path, "track1.flac")
}
