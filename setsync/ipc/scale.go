package ipc

import (
	"github.com/spacemeshos/go-scale"
)

// encoder accumulates the encoded size and the first error, so that message
// encoders can be written as a list of fields.
type encoder struct {
	e     *scale.Encoder
	total int
	err   error
}

func (w *encoder) add(n int, err error) {
	w.total += n
	if w.err == nil {
		w.err = err
	}
}

func (w *encoder) u8(v byte) {
	if w.err == nil {
		w.add(scale.EncodeByte(w.e, v))
	}
}

func (w *encoder) u16(v uint16) {
	if w.err == nil {
		w.add(scale.EncodeCompact16(w.e, v))
	}
}

func (w *encoder) u64(v uint64) {
	if w.err == nil {
		w.add(scale.EncodeCompact64(w.e, v))
	}
}

func (w *encoder) array(v []byte) {
	if w.err == nil {
		w.add(scale.EncodeByteArray(w.e, v))
	}
}

func (w *encoder) blob(v []byte, limit uint32) {
	if w.err == nil {
		w.add(scale.EncodeByteSliceWithLimit(w.e, v, limit))
	}
}

func (w *encoder) blobs(vs [][]byte, maxItems, limit uint32) {
	if w.err != nil {
		return
	}
	if uint32(len(vs)) > maxItems {
		w.err = errTooManyItems
		return
	}
	w.add(scale.EncodeCompact32(w.e, uint32(len(vs))))
	for _, v := range vs {
		w.blob(v, limit)
	}
}

func (w *encoder) result() (int, error) {
	return w.total, w.err
}

type decoder struct {
	d     *scale.Decoder
	total int
	err   error
}

func (r *decoder) add(n int, err error) {
	r.total += n
	if r.err == nil {
		r.err = err
	}
}

func (r *decoder) u8() byte {
	if r.err != nil {
		return 0
	}
	v, n, err := scale.DecodeByte(r.d)
	r.add(n, err)
	return v
}

func (r *decoder) u16() uint16 {
	if r.err != nil {
		return 0
	}
	v, n, err := scale.DecodeCompact16(r.d)
	r.add(n, err)
	return v
}

func (r *decoder) u64() uint64 {
	if r.err != nil {
		return 0
	}
	v, n, err := scale.DecodeCompact64(r.d)
	r.add(n, err)
	return v
}

func (r *decoder) array(v []byte) {
	if r.err == nil {
		r.add(scale.DecodeByteArray(r.d, v))
	}
}

func (r *decoder) blob(limit uint32) []byte {
	if r.err != nil {
		return nil
	}
	v, n, err := scale.DecodeByteSliceWithLimit(r.d, limit)
	r.add(n, err)
	return v
}

func (r *decoder) blobs(maxItems, limit uint32) [][]byte {
	if r.err != nil {
		return nil
	}
	count, n, err := scale.DecodeCompact32(r.d)
	r.add(n, err)
	if err != nil {
		return nil
	}
	if count > maxItems {
		r.err = errTooManyItems
		return nil
	}
	var vs [][]byte
	for range count {
		v := r.blob(limit)
		if r.err != nil {
			return nil
		}
		vs = append(vs, v)
	}
	return vs
}

func (r *decoder) result() (int, error) {
	return r.total, r.err
}
