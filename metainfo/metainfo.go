// Package metainfo parses BitTorrent metainfo (".torrent") files into an
// immutable model: the info-hash, ordered file list with cumulative
// offsets, piece hashes and tracker tiers. See spec §3 "Metainfo" and
// §4.2.
package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/nvilla/bitpeer/bencode"
)

// Sentinel errors, matching spec §7's error kinds for this component.
var (
	ErrMalformedMetainfo = errors.New("malformed metainfo")
	ErrUnsafePath         = errors.New("unsafe path")
)

// FileEntry is one file within the torrent's concatenated byte stream.
type FileEntry struct {
	Path   string // relative, sanitized, OS-native separators
	Length int64
	Offset int64 // cumulative offset into the concatenated stream
}

// Info is the immutable, parsed metainfo. Construct with Parse.
type Info struct {
	Name        string
	PieceLength int64
	PieceCount  int
	TotalLength int64
	Files       []FileEntry
	InfoHash    [20]byte
	PieceHashes []byte // 20 * PieceCount bytes
	Trackers    [][]string // ordered tiers, each tier an ordered list of URLs
	Comment     string
	CreatedBy   string
	CreationDate int64
}

// Parse decodes a metainfo byte buffer into an Info. root is the download
// root every file path must resolve under; pass "" to skip the
// containment check (e.g. for magnet metadata fetched before a root is
// chosen).
func Parse(buf []byte, root string) (*Info, error) {
	top, ranges, err := bencode.DecodeTopDict(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMetainfo, err)
	}

	infoVal, ok := top.Get("info")
	if !ok || infoVal.Kind != bencode.KindDict {
		return nil, fmt.Errorf("%w: missing info dict", ErrMalformedMetainfo)
	}
	infoRange, ok := ranges["info"]
	if !ok {
		return nil, fmt.Errorf("%w: could not locate info byte range", ErrMalformedMetainfo)
	}
	infoHash := sha1.Sum(buf[infoRange[0]:infoRange[1]])

	name, ok := infoVal.Get("name")
	if !ok || name.Kind != bencode.KindString || len(name.Str) == 0 {
		return nil, fmt.Errorf("%w: info missing name", ErrMalformedMetainfo)
	}

	pieceLenVal, ok := infoVal.Get("piece length")
	if !ok || pieceLenVal.Kind != bencode.KindInt || pieceLenVal.Int <= 0 {
		return nil, fmt.Errorf("%w: info missing positive piece length", ErrMalformedMetainfo)
	}

	piecesVal, ok := infoVal.Get("pieces")
	if !ok || piecesVal.Kind != bencode.KindString || len(piecesVal.Str)%20 != 0 {
		return nil, fmt.Errorf("%w: pieces must be a multiple of 20 bytes", ErrMalformedMetainfo)
	}
	pieceCount := len(piecesVal.Str) / 20

	files, totalLength, err := parseFiles(infoVal, string(name.Str), root)
	if err != nil {
		return nil, err
	}

	expectedPieces := (totalLength + pieceLenVal.Int - 1) / pieceLenVal.Int
	if int64(pieceCount) != expectedPieces {
		return nil, fmt.Errorf("%w: piece count %d does not match total length %d at piece length %d",
			ErrMalformedMetainfo, pieceCount, totalLength, pieceLenVal.Int)
	}

	trackers := parseTrackers(top)

	info := &Info{
		Name:         string(name.Str),
		PieceLength:  pieceLenVal.Int,
		PieceCount:   pieceCount,
		TotalLength:  totalLength,
		Files:        files,
		InfoHash:     infoHash,
		PieceHashes:  append([]byte(nil), piecesVal.Str...),
		Trackers:     trackers,
	}
	if c, ok := top.Get("comment"); ok && c.Kind == bencode.KindString {
		info.Comment = string(c.Str)
	}
	if c, ok := top.Get("created by"); ok && c.Kind == bencode.KindString {
		info.CreatedBy = string(c.Str)
	}
	if c, ok := top.Get("creation date"); ok && c.Kind == bencode.KindInt {
		info.CreationDate = c.Int
	}
	return info, nil
}

func parseTrackers(top bencode.Value) [][]string {
	var tiers [][]string
	if list, ok := top.Get("announce-list"); ok && list.Kind == bencode.KindList {
		for _, tierVal := range list.List {
			if tierVal.Kind != bencode.KindList {
				continue
			}
			var tier []string
			for _, u := range tierVal.List {
				if u.Kind == bencode.KindString && len(u.Str) > 0 {
					tier = append(tier, string(u.Str))
				}
			}
			if len(tier) > 0 {
				tiers = append(tiers, tier)
			}
		}
	}
	if len(tiers) == 0 {
		if a, ok := top.Get("announce"); ok && a.Kind == bencode.KindString && len(a.Str) > 0 {
			tiers = [][]string{{string(a.Str)}}
		}
	}
	return tiers
}

func parseFiles(infoVal bencode.Value, name, root string) ([]FileEntry, int64, error) {
	if lengthVal, ok := infoVal.Get("length"); ok {
		if lengthVal.Kind != bencode.KindInt || lengthVal.Int < 0 {
			return nil, 0, fmt.Errorf("%w: negative single-file length", ErrMalformedMetainfo)
		}
		path, err := sanitizePath([]string{name}, root)
		if err != nil {
			return nil, 0, err
		}
		return []FileEntry{{Path: path, Length: lengthVal.Int, Offset: 0}}, lengthVal.Int, nil
	}

	filesVal, ok := infoVal.Get("files")
	if !ok || filesVal.Kind != bencode.KindList || len(filesVal.List) == 0 {
		return nil, 0, fmt.Errorf("%w: info missing both length and files", ErrMalformedMetainfo)
	}

	var entries []FileEntry
	var offset int64
	for i, fv := range filesVal.List {
		if fv.Kind != bencode.KindDict {
			return nil, 0, fmt.Errorf("%w: file %d is not a dict", ErrMalformedMetainfo, i)
		}
		lengthVal, ok := fv.Get("length")
		if !ok || lengthVal.Kind != bencode.KindInt || lengthVal.Int < 0 {
			return nil, 0, fmt.Errorf("%w: file %d missing non-negative length", ErrMalformedMetainfo, i)
		}
		pathVal, ok := fv.Get("path")
		if !ok || pathVal.Kind != bencode.KindList || len(pathVal.List) == 0 {
			return nil, 0, fmt.Errorf("%w: file %d missing path", ErrMalformedMetainfo, i)
		}
		parts := make([]string, 0, len(pathVal.List)+1)
		parts = append(parts, name)
		for _, p := range pathVal.List {
			if p.Kind != bencode.KindString {
				return nil, 0, fmt.Errorf("%w: file %d path component is not a string", ErrMalformedMetainfo, i)
			}
			parts = append(parts, string(p.Str))
		}
		path, err := sanitizePath(parts, root)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, FileEntry{Path: path, Length: lengthVal.Int, Offset: offset})
		offset += lengthVal.Int
	}
	return entries, offset, nil
}

// sanitizePath rejects empty components, ".", "..", absolute roots and
// backslashes, then (if root is non-empty) verifies the joined path
// resolves under root. See spec §4.2.
func sanitizePath(parts []string, root string) (string, error) {
	cleanParts := make([]string, 0, len(parts))
	for _, part := range parts {
		if strings.ContainsRune(part, '\\') {
			return "", fmt.Errorf("%w: backslash in path component %q", ErrUnsafePath, part)
		}
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("%w: unsafe path component %q", ErrUnsafePath, part)
		}
		if filepath.IsAbs(part) {
			return "", fmt.Errorf("%w: absolute path component %q", ErrUnsafePath, part)
		}
		cleanParts = append(cleanParts, part)
	}
	joined := filepath.Join(cleanParts...)
	cleaned := filepath.Clean(joined)
	if cleaned != joined || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("%w: path %q escapes its root", ErrUnsafePath, joined)
	}
	if root != "" {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return "", fmt.Errorf("%w: could not resolve root: %v", ErrUnsafePath, err)
		}
		absPath, err := filepath.Abs(filepath.Join(absRoot, cleaned))
		if err != nil {
			return "", fmt.Errorf("%w: could not resolve path: %v", ErrUnsafePath, err)
		}
		rel, err := filepath.Rel(absRoot, absPath)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: path %q resolves outside root %q", ErrUnsafePath, cleaned, root)
		}
	}
	return cleaned, nil
}

// Multi reports whether the torrent spans more than one file.
func (i *Info) Multi() bool { return len(i.Files) > 1 }

// PieceHash returns the expected SHA-1 hash of piece idx.
func (i *Info) PieceHash(idx int) [20]byte {
	var h [20]byte
	copy(h[:], i.PieceHashes[idx*20:(idx+1)*20])
	return h
}

// PieceLen returns the length of piece idx, accounting for the
// (possibly shorter) final piece.
func (i *Info) PieceLen(idx int) int64 {
	if idx == i.PieceCount-1 {
		last := i.TotalLength - int64(idx)*i.PieceLength
		if last > 0 {
			return last
		}
	}
	return i.PieceLength
}

// FileSlice is the portion of a piece that lives inside one file.
type FileSlice struct {
	FileIndex  int
	FileOffset int64 // offset within the file
	PieceOffset int64 // offset within the piece's data
	Length      int64
}

// FilesForPiece returns, in file order, every slice of piece idx that
// must be read from or written to a file. See spec §3 "FileSlice" and
// §8's file-mapping coverage property.
func (i *Info) FilesForPiece(idx int) []FileSlice {
	pieceStart := int64(idx) * i.PieceLength
	pieceEnd := pieceStart + i.PieceLen(idx)

	var slices []FileSlice
	for fi, f := range i.Files {
		fileStart, fileEnd := f.Offset, f.Offset+f.Length
		start := max64(pieceStart, fileStart)
		end := min64(pieceEnd, fileEnd)
		if start >= end {
			continue
		}
		slices = append(slices, FileSlice{
			FileIndex:   fi,
			FileOffset:  start - fileStart,
			PieceOffset: start - pieceStart,
			Length:      end - start,
		})
	}
	return slices
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
