// Package chunk converts serialized documents to and from ordered chunk
// bodies and defines the key layout of a chunk set. It does no I/O.
//
// A chunked document named k is stored as
//
//	k_meta       {"chunkCount": n, "originalByteSize": size, "checksum": "..."}
//	k_chunk_0    first body (a JSON string)
//	...
//	k_chunk_n-1  last body
package chunk

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	metaSuffix  = "_meta"
	chunkInfix  = "_chunk_"
	quotedExtra = 2
)

// Meta describes a stored chunk set.
type Meta struct {
	ChunkCount       int    `json:"chunkCount"`
	OriginalByteSize int    `json:"originalByteSize"`
	Checksum         string `json:"checksum,omitempty"`
}

// MetaKey returns the metadata entry key of document key.
func MetaKey(key string) string {
	return key + metaSuffix
}

// ChunkKey returns the entry key of chunk i of document key.
func ChunkKey(key string, i int) string {
	return key + chunkInfix + strconv.Itoa(i)
}

// ChunkPrefix is shared by every chunk entry of document key.
func ChunkPrefix(key string) string {
	return key + chunkInfix
}

// ChunkKeys returns the keys of chunks from..to-1 of document key.
func ChunkKeys(key string, from, to int) []string {
	if to <= from {
		return nil
	}
	keys := make([]string, 0, to-from)
	for i := from; i < to; i++ {
		keys = append(keys, ChunkKey(key, i))
	}
	return keys
}

// ChunkIndex reports whether entryKey is a chunk of document key and its index.
func ChunkIndex(key, entryKey string) (int, bool) {
	rest, ok := strings.CutPrefix(entryKey, ChunkPrefix(key))
	if !ok || rest == "" {
		return 0, false
	}
	i, err := strconv.Atoi(rest)
	if err != nil || i < 0 || strconv.Itoa(i) != rest {
		return 0, false
	}
	return i, true
}

// Owns reports whether entryKey is part of the stored form of document key:
// the direct entry, its metadata, or one of its chunks.
func Owns(key, entryKey string) bool {
	if entryKey == key || entryKey == MetaKey(key) {
		return true
	}
	_, ok := ChunkIndex(key, entryKey)
	return ok
}

// DocumentKey returns the document an entry key belongs to, and whether
// the entry is part of a chunk set rather than a direct entry.
func DocumentKey(entryKey string) (string, bool) {
	if key, ok := strings.CutSuffix(entryKey, metaSuffix); ok && key != "" {
		return key, true
	}
	if i := strings.LastIndex(entryKey, chunkInfix); i > 0 {
		if _, ok := ChunkIndex(entryKey[:i], entryKey); ok {
			return entryKey[:i], true
		}
	}
	return entryKey, false
}

// Marshal encodes v as compact JSON without HTML escaping, matching the
// serialization the stored sizes are accounted against.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Checksum returns the hex SHA-256 of a serialized document.
func Checksum(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Split slices s into consecutive pieces whose JSON string encodings
// (without the surrounding quotes) are at most size bytes each. Pieces never
// split a UTF-8 sequence; a single rune whose encoding is larger than size
// gets a piece of its own. The empty string yields one empty piece.
//
// Pieces are cut by encoded cost, not by raw length, so each one fits a
// quota entry once stored as a JSON string. Content with escapes or
// multi-byte runes may therefore yield more than ceil(len(s)/size) pieces;
// plain ASCII without escapes yields exactly that many.
//
// Join(Split(s, n)) == s for every s and n >= 1.
func Split(s string, size int) []string {
	if size < 1 {
		size = 1
	}
	if s == "" {
		return []string{""}
	}
	var (
		chunks []string
		start  int
		cost   int
	)
	for i := 0; i < len(s); {
		r, w := utf8.DecodeRuneInString(s[i:])
		c := runeCost(r, w)
		if cost > 0 && cost+c > size {
			chunks = append(chunks, s[start:i])
			start, cost = i, 0
		}
		cost += c
		i += w
	}
	return append(chunks, s[start:])
}

// Join concatenates chunk bodies in order.
func Join(chunks []string) string {
	var n int
	for _, c := range chunks {
		n += len(c)
	}
	var b strings.Builder
	b.Grow(n)
	for _, c := range chunks {
		b.WriteString(c)
	}
	return b.String()
}

// EncodedLen returns the length of s once encoded as a JSON string by
// Marshal, excluding the two quotes.
func EncodedLen(s string) int {
	var n int
	for i := 0; i < len(s); {
		r, w := utf8.DecodeRuneInString(s[i:])
		n += runeCost(r, w)
		i += w
	}
	return n
}

// EntryLen is the accounted size of a chunk body stored as a JSON string.
func EntryLen(body string) int {
	return EncodedLen(body) + quotedExtra
}

// runeCost is an upper bound of the bytes encoding/json emits for one rune
// inside a string literal with HTML escaping off.
func runeCost(r rune, width int) int {
	switch {
	case r == utf8.RuneError && width == 1:
		return 6 // re-encoded as \ufffd
	case r == '"' || r == '\\' || r == '\n' || r == '\r' || r == '\t':
		return 2
	case r < 0x20:
		return 6
	case r == '\u2028' || r == '\u2029':
		return 6
	default:
		return width
	}
}
