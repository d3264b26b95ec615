package pager

import "bytes"

// ───────────────────────────────────────────────────────────────────────────
// Key compression
// ───────────────────────────────────────────────────────────────────────────
//
// Leaf nodes may store keys in one of three encodings, chosen per node when
// the node is written:
//
//   plain          — each key stored whole.
//   common-prefix  — the longest prefix shared by every key in the node is
//                    stored once; keys store only their suffix.
//   front-coded    — each key is stored as (sharedLen, suffix) relative to
//                    its predecessor; the first key is stored whole.
//
// Decoding reconstructs the exact original bytes, so key equality and
// ordering are unaffected by the encoding choice.

// commonPrefix returns the longest shared prefix of a and b.
func commonPrefix(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return a[:i]
}

// longestCommonPrefix returns the prefix shared by every key in keys.
// Sorted input means only the first and last keys need comparing.
func longestCommonPrefix(keys [][]byte) []byte {
	if len(keys) == 0 {
		return nil
	}
	if len(keys) == 1 {
		return keys[0]
	}
	return commonPrefix(keys[0], keys[len(keys)-1])
}

// sharedLen returns how many leading bytes prev and curr have in common.
func sharedLen(prev, curr []byte) int {
	n := len(prev)
	if len(curr) < n {
		n = len(curr)
	}
	i := 0
	for i < n && prev[i] == curr[i] {
		i++
	}
	return i
}

// frontCodeSize estimates the encoded payload size of keys under
// front-coding (excluding per-entry value bytes and length fields common to
// all encodings).
func frontCodeSize(keys [][]byte) int {
	if len(keys) == 0 {
		return 0
	}
	size := len(keys[0])
	for i := 1; i < len(keys); i++ {
		size += len(keys[i]) - sharedLen(keys[i-1], keys[i])
	}
	return size
}

// prefixCodeSize estimates the encoded payload size of keys under
// common-prefix factoring.
func prefixCodeSize(keys [][]byte) int {
	p := len(longestCommonPrefix(keys))
	size := p
	for _, k := range keys {
		size += len(k) - p
	}
	return size
}

// keysEqual reports deep equality of two key slices.
func keysEqual(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}
