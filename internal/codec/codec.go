// Package codec defines the pluggable block codec used by COMPRESS TABLE
// and backup compression. A codec maps byte blocks to byte blocks; the only
// contract is the round trip — Decompress(Compress(b)) == b. Output may be
// larger than the input (small blocks plus error-correction overhead often
// are), so callers must never assume shrinkage.
package codec

import (
	"bytes"
	"compress/gzip"
	"io"
	"strings"
	"sync"

	"github.com/quantadb/quantadb/internal/qerr"
)

// BlockCodec compresses and decompresses opaque blocks.
type BlockCodec interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

var (
	regMu    sync.RWMutex
	registry = map[string]BlockCodec{}
)

// Register makes a codec available by name.
func Register(c BlockCodec) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[strings.ToLower(c.Name())] = c
}

// Lookup resolves a codec by name.
func Lookup(name string) (BlockCodec, error) {
	regMu.RLock()
	defer regMu.RUnlock()
	c, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, qerr.New(qerr.KindSchema, "unknown codec %q", name)
	}
	return c, nil
}

// Names lists the registered codecs.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	return out
}

func init() {
	Register(NopCodec{})
	Register(GzipCodec{})
	Register(NewNucleotideCodec())
}

// ─── Nop ───────────────────────────────────────────────────────────────────

// NopCodec passes blocks through unchanged.
type NopCodec struct{}

func (NopCodec) Name() string                           { return "nop" }
func (NopCodec) Compress(data []byte) ([]byte, error)   { return append([]byte(nil), data...), nil }
func (NopCodec) Decompress(data []byte) ([]byte, error) { return append([]byte(nil), data...), nil }

// ─── Gzip ──────────────────────────────────────────────────────────────────

// GzipCodec wraps compress/gzip.
type GzipCodec struct{}

func (GzipCodec) Name() string { return "gzip" }

func (GzipCodec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, qerr.Wrap(qerr.KindIO, err, "gzip compress")
	}
	if err := w.Close(); err != nil {
		return nil, qerr.Wrap(qerr.KindIO, err, "gzip close")
	}
	return buf.Bytes(), nil
}

func (GzipCodec) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, qerr.Wrap(qerr.KindIO, err, "gzip open")
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, qerr.Wrap(qerr.KindIO, err, "gzip decompress")
	}
	return out, nil
}
