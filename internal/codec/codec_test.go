package codec

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripAllCodecs(t *testing.T) {
	inputs := [][]byte{
		nil,
		[]byte(""),
		[]byte("A"),
		[]byte("ACGTACGTACGTACGT"),
		[]byte("ACGTnACGTACGT with non-sequence noise 12345"),
		bytes.Repeat([]byte("GATTACA"), 1000),
		randomBytes(4096),
	}
	for _, name := range Names() {
		c, err := Lookup(name)
		require.NoError(t, err)
		for i, in := range inputs {
			out, err := c.Compress(in)
			require.NoError(t, err, "%s input %d", name, i)
			back, err := c.Decompress(out)
			require.NoError(t, err, "%s input %d", name, i)
			if len(in) == 0 {
				assert.Empty(t, back)
			} else {
				assert.Equal(t, in, back, "%s input %d", name, i)
			}
		}
	}
}

func TestNucleotidePacksSequenceData(t *testing.T) {
	c := NewNucleotideCodec()
	seq := []byte(strings.Repeat("ACGT", 1024))
	out, err := c.Compress(seq)
	require.NoError(t, err)
	assert.Less(t, len(out), len(seq)/2, "sequence data should pack well below half size")
}

func TestSmallInputsMayExpand(t *testing.T) {
	// The contract tolerates expansion; it must never fail on tiny blocks.
	c := NewNucleotideCodec()
	out, err := c.Compress([]byte("x"))
	require.NoError(t, err)
	back, err := c.Decompress(out)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), back)
	// No shrinkage assertion: len(out) > 1 is fine.
}

func TestLookupUnknown(t *testing.T) {
	_, err := Lookup("definitely-not-registered")
	assert.Error(t, err)
}

func randomBytes(n int) []byte {
	r := rand.New(rand.NewSource(42))
	b := make([]byte, n)
	r.Read(b)
	return b
}
