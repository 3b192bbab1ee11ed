package util

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// A HashWriter wraps an io.Writer and also calculates the SHA-256 hash of
// the bytes written through it. It is how image checksums are computed on
// the way into the blob store, without a second pass over the data.
type HashWriter struct {
	io.Writer
	sha256 hash.Hash
}

// NewHashWriter returns a HashWriter wrapping w.
func NewHashWriter(w io.Writer) *HashWriter {
	hw := &HashWriter{sha256: sha256.New()}
	hw.Writer = io.MultiWriter(w, hw.sha256)
	return hw
}

// NewHashWriterPlain returns a HashWriter that does not wrap an output
// stream. It just computes the checksum of the data written to it.
func NewHashWriterPlain() *HashWriter {
	hw := &HashWriter{sha256: sha256.New()}
	hw.Writer = hw.sha256
	return hw
}

// Sum returns the SHA-256 hash of everything written so far.
func (hw *HashWriter) Sum() []byte {
	return hw.sha256.Sum(nil)
}

// SumHex is Sum as a lowercase hex string, the form the metadata keeps.
func (hw *HashWriter) SumHex() string {
	return hex.EncodeToString(hw.Sum())
}

// Check returns the hash for this writer, and compares it for equality
// with the goal hash passed in. If the goal is empty then it is treated as
// matching, and true is returned.
func (hw *HashWriter) Check(goal []byte) ([]byte, bool) {
	computed := hw.Sum()
	ok := len(goal) == 0 || bytes.Equal(goal, computed)
	return computed, ok
}
