package union

import (
	"encoding/hex"
	"fmt"

	"github.com/spacemeshos/go-setunion/hash"
	"github.com/spacemeshos/go-setunion/setsync/ibf"
	"github.com/spacemeshos/go-setunion/setsync/setstore"
)

// MessageType identifies a wire message.
type MessageType uint16

const (
	MessageTypeOperationRequest MessageType = iota + 1
	MessageTypeStrataEstimator
	MessageTypeStrataEstimatorCompressed
	MessageTypeIBF
	MessageTypeInquiry
	MessageTypeOffer
	MessageTypeDemand
	MessageTypeElements
	MessageTypeFullElement
	MessageTypeRequestFull
	MessageTypeFullDone
	MessageTypeDone
	MessageTypeOver
)

var messageTypes = []string{
	"<none>",
	"operationRequest",
	"strataEstimator",
	"strataEstimatorCompressed",
	"ibf",
	"inquiry",
	"offer",
	"demand",
	"elements",
	"fullElement",
	"requestFull",
	"fullDone",
	"done",
	"over",
}

func (mtype MessageType) String() string {
	if int(mtype) < len(messageTypes) {
		return messageTypes[mtype]
	}
	return fmt.Sprintf("<unknown %04x>", int(mtype))
}

// Message is a message exchanged by the peers of an operation.
type Message interface {
	Type() MessageType
	// bodySize returns the encoded size of the message body.
	bodySize() int
	// appendBody appends the encoded body to dst.
	appendBody(dst []byte) []byte
	// decodeBody decodes the message body. It is only called with bodies of
	// a valid length for the message type.
	decodeBody(body []byte) error
}

// AppID identifies the application a set union operation belongs to.
type AppID [hash.Size]byte

// AppIDFromString derives an application id from its name.
func AppIDFromString(s string) AppID {
	return hash.Sum([]byte(s))
}

func (id AppID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortString returns an abbreviated hex form of the id for logging.
func (id AppID) ShortString() string {
	return hex.EncodeToString(id[:5])
}

// Marker is embedded in the messages that carry no data.
type Marker struct{}

func (*Marker) bodySize() int                { return 0 }
func (*Marker) appendBody(dst []byte) []byte { return dst }
func (*Marker) decodeBody(body []byte) error {
	if len(body) != 0 {
		return fmt.Errorf("%w: unexpected body of %d bytes", ErrMalformed, len(body))
	}
	return nil
}

// OperationRequestMessage starts an operation. It is sent by the initiator.
type OperationRequestMessage struct {
	ElementCount uint64
	AppID        AppID
	Context      []byte
}

var _ Message = &OperationRequestMessage{}

func (*OperationRequestMessage) Type() MessageType { return MessageTypeOperationRequest }

// StrataEstimatorMessage carries the serialized strata estimator of the
// sender along with its set size.
type StrataEstimatorMessage struct {
	SetSize    uint64
	Estimators uint8
	CountWidth uint8
	Compressed bool
	Payload    []byte
}

var _ Message = &StrataEstimatorMessage{}

func (m *StrataEstimatorMessage) Type() MessageType {
	if m.Compressed {
		return MessageTypeStrataEstimatorCompressed
	}
	return MessageTypeStrataEstimator
}

// IBFMessage carries a contiguous range of IBF buckets starting at Offset.
// The whole IBF has 2^Order buckets.
type IBFMessage struct {
	Order      uint8
	CountWidth uint8
	Offset     uint32
	Salt       uint32
	Buckets    []byte
}

var _ Message = &IBFMessage{}

func (*IBFMessage) Type() MessageType { return MessageTypeIBF }

// NumBuckets returns the number of buckets in the message.
func (m *IBFMessage) NumBuckets() int {
	if !ibf.ValidWidth(int(m.CountWidth)) {
		return 0
	}
	return len(m.Buckets) / ibf.BucketSize(int(m.CountWidth))
}

// InquiryMessage asks the peer to offer the elements with the specified keys,
// salted with Salt.
type InquiryMessage struct {
	Salt uint32
	Keys []ibf.Key
}

var _ Message = &InquiryMessage{}

func (*InquiryMessage) Type() MessageType { return MessageTypeInquiry }

// OfferMessage advertises elements the peer may be missing.
type OfferMessage struct {
	Hashes []setstore.ElementHash
}

var _ Message = &OfferMessage{}

func (*OfferMessage) Type() MessageType { return MessageTypeOffer }

// DemandMessage asks the peer to send the elements with the specified hashes.
type DemandMessage struct {
	Hashes []setstore.ElementHash
}

var _ Message = &DemandMessage{}

func (*DemandMessage) Type() MessageType { return MessageTypeDemand }

// ElementsMessage carries a demanded element.
type ElementsMessage struct {
	Element setstore.Element
}

var _ Message = &ElementsMessage{}

func (*ElementsMessage) Type() MessageType { return MessageTypeElements }

// FullElementMessage carries an element during full set transmission.
type FullElementMessage struct {
	Element setstore.Element
}

var _ Message = &FullElementMessage{}

func (*FullElementMessage) Type() MessageType { return MessageTypeFullElement }

// RequestFullMessage asks the peer to send its full set.
type RequestFullMessage struct{ Marker }

var _ Message = &RequestFullMessage{}

func (*RequestFullMessage) Type() MessageType { return MessageTypeRequestFull }

// FullDoneMessage ends full set transmission.
type FullDoneMessage struct{ Marker }

var _ Message = &FullDoneMessage{}

func (*FullDoneMessage) Type() MessageType { return MessageTypeFullDone }

// DoneMessage tells the peer that the sender has nothing more to demand
// after decoding.
type DoneMessage struct{ Marker }

var _ Message = &DoneMessage{}

func (*DoneMessage) Type() MessageType { return MessageTypeDone }

// OverMessage is the last message of an operation.
type OverMessage struct{ Marker }

var _ Message = &OverMessage{}

func (*OverMessage) Type() MessageType { return MessageTypeOver }
