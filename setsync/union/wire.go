package union

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/spacemeshos/go-setunion/setsync/ibf"
	"github.com/spacemeshos/go-setunion/setsync/setstore"
)

const (
	// HeaderSize is the size of the message header: a 32-bit message size
	// followed by a 16-bit message type.
	HeaderSize = 6
	// MaxMessageSize is the maximum size of an encoded message.
	MaxMessageSize = 1 << 20
	// MaxIBFMessageSize is the maximum size of a single IBF message.
	MaxIBFMessageSize = 64 * 1024

	hashSize      = len(setstore.ElementHash{})
	keySize       = 8
	requestFixed  = 8 + len(AppID{})
	strataFixed   = 8 + 1 + 1 + 2
	ibfFixed      = 1 + 1 + 2 + 4 + 4
	inquiryFixed  = 4
	elementsFixed = 2 + 2
)

// Encode serializes the message with its header.
func Encode(m Message) []byte {
	size := HeaderSize + m.bodySize()
	b := make([]byte, 0, size)
	b = binary.BigEndian.AppendUint32(b, uint32(size))
	b = binary.BigEndian.AppendUint16(b, uint16(m.Type()))
	b = m.appendBody(b)
	if len(b) != size {
		panic(fmt.Sprintf("BUG: %s message: encoded %d bytes instead of %d", m.Type(), len(b), size))
	}
	return b
}

func newMessage(mtype MessageType) Message {
	switch mtype {
	case MessageTypeOperationRequest:
		return &OperationRequestMessage{}
	case MessageTypeStrataEstimator:
		return &StrataEstimatorMessage{}
	case MessageTypeStrataEstimatorCompressed:
		return &StrataEstimatorMessage{Compressed: true}
	case MessageTypeIBF:
		return &IBFMessage{}
	case MessageTypeInquiry:
		return &InquiryMessage{}
	case MessageTypeOffer:
		return &OfferMessage{}
	case MessageTypeDemand:
		return &DemandMessage{}
	case MessageTypeElements:
		return &ElementsMessage{}
	case MessageTypeFullElement:
		return &FullElementMessage{}
	case MessageTypeRequestFull:
		return &RequestFullMessage{}
	case MessageTypeFullDone:
		return &FullDoneMessage{}
	case MessageTypeDone:
		return &DoneMessage{}
	case MessageTypeOver:
		return &OverMessage{}
	default:
		return nil
	}
}

// Decode parses a single message. The buffer must contain exactly one
// message. The decoded message doesn't reference b.
func Decode(b []byte) (Message, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: short message of %d bytes", ErrMalformed, len(b))
	}
	if len(b) > MaxMessageSize {
		return nil, fmt.Errorf("%w: message size %d exceeds %d", ErrMalformed, len(b), MaxMessageSize)
	}
	size := binary.BigEndian.Uint32(b)
	if int(size) != len(b) {
		return nil, fmt.Errorf("%w: declared size %d, actual %d", ErrMalformed, size, len(b))
	}
	mtype := MessageType(binary.BigEndian.Uint16(b[4:]))
	m := newMessage(mtype)
	if m == nil {
		return nil, fmt.Errorf("%w: unknown message type %s", ErrMalformed, mtype)
	}
	if err := m.decodeBody(b[HeaderSize:]); err != nil {
		return nil, err
	}
	return m, nil
}

func shortBody(mtype MessageType, n, need int) error {
	return fmt.Errorf("%w: %s body of %d bytes, need at least %d", ErrMalformed, mtype, n, need)
}

func (m *OperationRequestMessage) bodySize() int {
	return requestFixed + len(m.Context)
}

func (m *OperationRequestMessage) appendBody(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, m.ElementCount)
	dst = append(dst, m.AppID[:]...)
	return append(dst, m.Context...)
}

func (m *OperationRequestMessage) decodeBody(body []byte) error {
	if len(body) < requestFixed {
		return shortBody(m.Type(), len(body), requestFixed)
	}
	m.ElementCount = binary.BigEndian.Uint64(body)
	copy(m.AppID[:], body[8:requestFixed])
	if len(body) > requestFixed {
		m.Context = slices.Clone(body[requestFixed:])
	}
	return nil
}

func (m *StrataEstimatorMessage) bodySize() int {
	return strataFixed + len(m.Payload)
}

func (m *StrataEstimatorMessage) appendBody(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, m.SetSize)
	dst = append(dst, m.Estimators, m.CountWidth, 0, 0)
	return append(dst, m.Payload...)
}

func (m *StrataEstimatorMessage) decodeBody(body []byte) error {
	if len(body) < strataFixed {
		return shortBody(m.Type(), len(body), strataFixed)
	}
	m.SetSize = binary.BigEndian.Uint64(body)
	m.Estimators = body[8]
	m.CountWidth = body[9]
	if m.Estimators == 0 {
		return fmt.Errorf("%w: zero estimators", ErrMalformed)
	}
	if !ibf.ValidWidth(int(m.CountWidth)) {
		return fmt.Errorf("%w: bad count width %d", ErrMalformed, m.CountWidth)
	}
	m.Payload = slices.Clone(body[strataFixed:])
	return nil
}

func (m *IBFMessage) bodySize() int {
	return ibfFixed + len(m.Buckets)
}

func (m *IBFMessage) appendBody(dst []byte) []byte {
	dst = append(dst, m.Order, m.CountWidth, 0, 0)
	dst = binary.BigEndian.AppendUint32(dst, m.Offset)
	dst = binary.BigEndian.AppendUint32(dst, m.Salt)
	return append(dst, m.Buckets...)
}

func (m *IBFMessage) decodeBody(body []byte) error {
	if len(body) < ibfFixed {
		return shortBody(m.Type(), len(body), ibfFixed)
	}
	m.Order = body[0]
	m.CountWidth = body[1]
	m.Offset = binary.BigEndian.Uint32(body[4:])
	m.Salt = binary.BigEndian.Uint32(body[8:])
	if !ibf.ValidWidth(int(m.CountWidth)) {
		return fmt.Errorf("%w: bad count width %d", ErrMalformed, m.CountWidth)
	}
	buckets := body[ibfFixed:]
	bs := ibf.BucketSize(int(m.CountWidth))
	if len(buckets) == 0 || len(buckets)%bs != 0 {
		return fmt.Errorf("%w: IBF buckets of %d bytes, bucket size %d", ErrMalformed, len(buckets), bs)
	}
	m.Buckets = slices.Clone(buckets)
	return nil
}

func (m *InquiryMessage) bodySize() int {
	return inquiryFixed + len(m.Keys)*keySize
}

func (m *InquiryMessage) appendBody(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, m.Salt)
	for _, k := range m.Keys {
		dst = binary.BigEndian.AppendUint64(dst, uint64(k))
	}
	return dst
}

func (m *InquiryMessage) decodeBody(body []byte) error {
	if len(body) < inquiryFixed {
		return shortBody(m.Type(), len(body), inquiryFixed)
	}
	m.Salt = binary.BigEndian.Uint32(body)
	keys := body[inquiryFixed:]
	if len(keys) == 0 || len(keys)%keySize != 0 {
		return fmt.Errorf("%w: inquiry keys of %d bytes", ErrMalformed, len(keys))
	}
	m.Keys = make([]ibf.Key, len(keys)/keySize)
	for i := range m.Keys {
		m.Keys[i] = ibf.Key(binary.BigEndian.Uint64(keys[i*keySize:]))
	}
	return nil
}

func hashesSize(hs []setstore.ElementHash) int {
	return len(hs) * hashSize
}

func appendHashes(dst []byte, hs []setstore.ElementHash) []byte {
	for _, h := range hs {
		dst = append(dst, h[:]...)
	}
	return dst
}

func decodeHashes(mtype MessageType, body []byte) ([]setstore.ElementHash, error) {
	if len(body) == 0 || len(body)%hashSize != 0 {
		return nil, fmt.Errorf("%w: %s body of %d bytes is not a non-empty list of hashes",
			ErrMalformed, mtype, len(body))
	}
	hs := make([]setstore.ElementHash, len(body)/hashSize)
	for i := range hs {
		copy(hs[i][:], body[i*hashSize:])
	}
	return hs, nil
}

func (m *OfferMessage) bodySize() int                { return hashesSize(m.Hashes) }
func (m *OfferMessage) appendBody(dst []byte) []byte { return appendHashes(dst, m.Hashes) }

func (m *OfferMessage) decodeBody(body []byte) (err error) {
	m.Hashes, err = decodeHashes(m.Type(), body)
	return err
}

func (m *DemandMessage) bodySize() int                { return hashesSize(m.Hashes) }
func (m *DemandMessage) appendBody(dst []byte) []byte { return appendHashes(dst, m.Hashes) }

func (m *DemandMessage) decodeBody(body []byte) (err error) {
	m.Hashes, err = decodeHashes(m.Type(), body)
	return err
}

func elementSize(el setstore.Element) int {
	return elementsFixed + len(el.Data)
}

func appendElement(dst []byte, el setstore.Element) []byte {
	dst = binary.BigEndian.AppendUint16(dst, el.Type)
	dst = append(dst, 0, 0)
	return append(dst, el.Data...)
}

func decodeElement(mtype MessageType, body []byte) (setstore.Element, error) {
	if len(body) < elementsFixed {
		return setstore.Element{}, shortBody(mtype, len(body), elementsFixed)
	}
	el := setstore.Element{
		Type: binary.BigEndian.Uint16(body),
		Data: slices.Clone(body[elementsFixed:]),
	}
	if err := el.Validate(); err != nil {
		return setstore.Element{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return el, nil
}

func (m *ElementsMessage) bodySize() int                { return elementSize(m.Element) }
func (m *ElementsMessage) appendBody(dst []byte) []byte { return appendElement(dst, m.Element) }

func (m *ElementsMessage) decodeBody(body []byte) (err error) {
	m.Element, err = decodeElement(m.Type(), body)
	return err
}

func (m *FullElementMessage) bodySize() int                { return elementSize(m.Element) }
func (m *FullElementMessage) appendBody(dst []byte) []byte { return appendElement(dst, m.Element) }

func (m *FullElementMessage) decodeBody(body []byte) (err error) {
	m.Element, err = decodeElement(m.Type(), body)
	return err
}
