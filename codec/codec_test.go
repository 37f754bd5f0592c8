package codec

import (
	"bytes"
	"testing"

	"github.com/spacemeshos/go-scale"
	"github.com/stretchr/testify/require"
)

type pair struct {
	A, B uint64
}

func (p *pair) EncodeScale(e *scale.Encoder) (int, error) {
	n1, err := scale.EncodeCompact64(e, p.A)
	if err != nil {
		return n1, err
	}
	n2, err := scale.EncodeCompact64(e, p.B)
	return n1 + n2, err
}

func (p *pair) DecodeScale(d *scale.Decoder) (int, error) {
	a, n1, err := scale.DecodeCompact64(d)
	if err != nil {
		return n1, err
	}
	b, n2, err := scale.DecodeCompact64(d)
	if err != nil {
		return n1 + n2, err
	}
	p.A, p.B = a, b
	return n1 + n2, nil
}

func TestEncodeDecode(t *testing.T) {
	in := pair{A: 7, B: 1 << 40}
	b, err := Encode(&in)
	require.NoError(t, err)

	var out pair
	require.NoError(t, Decode(b, &out))
	require.Equal(t, in, out)

	var buf bytes.Buffer
	n, err := EncodeTo(&buf, &in)
	require.NoError(t, err)
	require.Equal(t, len(b), n)
	require.Equal(t, b, buf.Bytes())

	b2, err := Encode(&pair{A: 1})
	require.NoError(t, err)
	require.NotEqual(t, b, b2, "pooled buffers must not leak between calls")
}

func TestDecodeErrors(t *testing.T) {
	b, err := Encode(&pair{A: 1, B: 2})
	require.NoError(t, err)

	var out pair
	require.ErrorContains(t, Decode(append(b, 0), &out), "trailing bytes")
	require.Error(t, Decode(b[:1], &out))
}
