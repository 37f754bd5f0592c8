// Package ipc implements the protocol between local clients and the set
// union service.
package ipc

import (
	"errors"
	"fmt"

	"github.com/spacemeshos/go-scale"

	"github.com/spacemeshos/go-setunion/codec"
	"github.com/spacemeshos/go-setunion/setsync/setstore"
	"github.com/spacemeshos/go-setunion/setsync/union"
)

const (
	maxContextSize = 1 << 16
	maxPeerIDSize  = 128
	maxAddrs       = 16
	maxAddrSize    = 256
	maxErrorSize   = 1024
)

var (
	errTooManyItems = errors.New("too many items")
	// ErrUnknownMessage is returned when decoding a message of unknown type.
	ErrUnknownMessage = errors.New("unknown message type")
)

// MessageType identifies a client protocol message.
type MessageType uint8

const (
	TypeCreateSet MessageType = iota + 1
	TypeSetCreated
	TypeAdd
	TypeDestroySet
	TypeListen
	TypeEvaluate
	TypeAccept
	TypeReject
	TypeCancel
	TypeAck
	TypeOpStarted
	TypeError
	TypeIncomingRequest
	TypeResult
)

var messageTypeNames = map[MessageType]string{
	TypeCreateSet:       "create-set",
	TypeSetCreated:      "set-created",
	TypeAdd:             "add",
	TypeDestroySet:      "destroy-set",
	TypeListen:          "listen",
	TypeEvaluate:        "evaluate",
	TypeAccept:          "accept",
	TypeReject:          "reject",
	TypeCancel:          "cancel",
	TypeAck:             "ack",
	TypeOpStarted:       "op-started",
	TypeError:           "error",
	TypeIncomingRequest: "incoming-request",
	TypeResult:          "result",
}

func (t MessageType) String() string {
	if s, found := messageTypeNames[t]; found {
		return s
	}
	return fmt.Sprintf("<unknown %d>", uint8(t))
}

// Message is a client protocol message.
type Message interface {
	scale.Encodable
	scale.Decodable
	Type() MessageType
}

// Sequenced is a request or the response to it. The server echoes the
// request's sequence number in the response.
type Sequenced interface {
	Message
	Sequence() uint64
}

// Option flags.
const (
	FlagByzantine uint8 = 1 << iota
	FlagForceFull
	FlagForceDelta
	FlagSymmetric
)

// Options is the wire form of union.Options.
type Options struct {
	Flags               uint8
	ByzantineLowerBound uint64
}

// OptionsFrom converts union.Options to the wire form.
func OptionsFrom(o union.Options) Options {
	var r Options
	for _, f := range []struct {
		set  bool
		flag uint8
	}{
		{o.Byzantine, FlagByzantine},
		{o.ForceFull, FlagForceFull},
		{o.ForceDelta, FlagForceDelta},
		{o.Symmetric, FlagSymmetric},
	} {
		if f.set {
			r.Flags |= f.flag
		}
	}
	r.ByzantineLowerBound = o.ByzantineLowerBound
	return r
}

// Union converts the options to union.Options.
func (o Options) Union() union.Options {
	return union.Options{
		Byzantine:           o.Flags&FlagByzantine != 0,
		ByzantineLowerBound: o.ByzantineLowerBound,
		ForceFull:           o.Flags&FlagForceFull != 0,
		ForceDelta:          o.Flags&FlagForceDelta != 0,
		Symmetric:           o.Flags&FlagSymmetric != 0,
	}
}

func (o *Options) encode(w *encoder) {
	w.u8(o.Flags)
	w.u64(o.ByzantineLowerBound)
}

func (o *Options) decode(r *decoder) {
	o.Flags = r.u8()
	o.ByzantineLowerBound = r.u64()
}

// CreateSetRequest creates an empty set owned by the client.
type CreateSetRequest struct {
	Seq uint64
}

func (*CreateSetRequest) Type() MessageType   { return TypeCreateSet }
func (m *CreateSetRequest) Sequence() uint64 { return m.Seq }

func (m *CreateSetRequest) EncodeScale(e *scale.Encoder) (int, error) {
	w := encoder{e: e}
	w.u64(m.Seq)
	return w.result()
}

func (m *CreateSetRequest) DecodeScale(d *scale.Decoder) (int, error) {
	r := decoder{d: d}
	m.Seq = r.u64()
	return r.result()
}

// SetCreatedResponse returns the id of a created set.
type SetCreatedResponse struct {
	Seq   uint64
	SetID uint64
}

func (*SetCreatedResponse) Type() MessageType   { return TypeSetCreated }
func (m *SetCreatedResponse) Sequence() uint64 { return m.Seq }

func (m *SetCreatedResponse) EncodeScale(e *scale.Encoder) (int, error) {
	w := encoder{e: e}
	w.u64(m.Seq)
	w.u64(m.SetID)
	return w.result()
}

func (m *SetCreatedResponse) DecodeScale(d *scale.Decoder) (int, error) {
	r := decoder{d: d}
	m.Seq = r.u64()
	m.SetID = r.u64()
	return r.result()
}

// AddRequest adds an element to a set.
type AddRequest struct {
	Seq         uint64
	SetID       uint64
	ElementType uint16
	Data        []byte
}

func (*AddRequest) Type() MessageType   { return TypeAdd }
func (m *AddRequest) Sequence() uint64 { return m.Seq }

// Element returns the element to add.
func (m *AddRequest) Element() setstore.Element {
	return setstore.Element{Type: m.ElementType, Data: m.Data}
}

func (m *AddRequest) EncodeScale(e *scale.Encoder) (int, error) {
	w := encoder{e: e}
	w.u64(m.Seq)
	w.u64(m.SetID)
	w.u16(m.ElementType)
	w.blob(m.Data, setstore.MaxElementSize)
	return w.result()
}

func (m *AddRequest) DecodeScale(d *scale.Decoder) (int, error) {
	r := decoder{d: d}
	m.Seq = r.u64()
	m.SetID = r.u64()
	m.ElementType = r.u16()
	m.Data = r.blob(setstore.MaxElementSize)
	return r.result()
}

// DestroySetRequest destroys a set.
type DestroySetRequest struct {
	Seq   uint64
	SetID uint64
}

func (*DestroySetRequest) Type() MessageType   { return TypeDestroySet }
func (m *DestroySetRequest) Sequence() uint64 { return m.Seq }

func (m *DestroySetRequest) EncodeScale(e *scale.Encoder) (int, error) {
	w := encoder{e: e}
	w.u64(m.Seq)
	w.u64(m.SetID)
	return w.result()
}

func (m *DestroySetRequest) DecodeScale(d *scale.Decoder) (int, error) {
	r := decoder{d: d}
	m.Seq = r.u64()
	m.SetID = r.u64()
	return r.result()
}

// ListenRequest subscribes the client to the requests for the application.
type ListenRequest struct {
	Seq   uint64
	AppID union.AppID
}

func (*ListenRequest) Type() MessageType   { return TypeListen }
func (m *ListenRequest) Sequence() uint64 { return m.Seq }

func (m *ListenRequest) EncodeScale(e *scale.Encoder) (int, error) {
	w := encoder{e: e}
	w.u64(m.Seq)
	w.array(m.AppID[:])
	return w.result()
}

func (m *ListenRequest) DecodeScale(d *scale.Decoder) (int, error) {
	r := decoder{d: d}
	m.Seq = r.u64()
	r.array(m.AppID[:])
	return r.result()
}

// EvaluateRequest starts a union operation with a peer. Addrs are the binary
// multiaddrs the peer can be reached at, if it's not yet known to the node.
type EvaluateRequest struct {
	Seq     uint64
	SetID   uint64
	Peer    []byte
	Addrs   [][]byte
	AppID   union.AppID
	Context []byte
	Options Options
}

func (*EvaluateRequest) Type() MessageType   { return TypeEvaluate }
func (m *EvaluateRequest) Sequence() uint64 { return m.Seq }

func (m *EvaluateRequest) EncodeScale(e *scale.Encoder) (int, error) {
	w := encoder{e: e}
	w.u64(m.Seq)
	w.u64(m.SetID)
	w.blob(m.Peer, maxPeerIDSize)
	w.blobs(m.Addrs, maxAddrs, maxAddrSize)
	w.array(m.AppID[:])
	w.blob(m.Context, maxContextSize)
	m.Options.encode(&w)
	return w.result()
}

func (m *EvaluateRequest) DecodeScale(d *scale.Decoder) (int, error) {
	r := decoder{d: d}
	m.Seq = r.u64()
	m.SetID = r.u64()
	m.Peer = r.blob(maxPeerIDSize)
	m.Addrs = r.blobs(maxAddrs, maxAddrSize)
	r.array(m.AppID[:])
	m.Context = r.blob(maxContextSize)
	m.Options.decode(&r)
	return r.result()
}

// AcceptRequest accepts an incoming request with a set.
type AcceptRequest struct {
	Seq       uint64
	RequestID uint64
	SetID     uint64
	Options   Options
}

func (*AcceptRequest) Type() MessageType   { return TypeAccept }
func (m *AcceptRequest) Sequence() uint64 { return m.Seq }

func (m *AcceptRequest) EncodeScale(e *scale.Encoder) (int, error) {
	w := encoder{e: e}
	w.u64(m.Seq)
	w.u64(m.RequestID)
	w.u64(m.SetID)
	m.Options.encode(&w)
	return w.result()
}

func (m *AcceptRequest) DecodeScale(d *scale.Decoder) (int, error) {
	r := decoder{d: d}
	m.Seq = r.u64()
	m.RequestID = r.u64()
	m.SetID = r.u64()
	m.Options.decode(&r)
	return r.result()
}

// RejectRequest rejects an incoming request.
type RejectRequest struct {
	Seq       uint64
	RequestID uint64
}

func (*RejectRequest) Type() MessageType   { return TypeReject }
func (m *RejectRequest) Sequence() uint64 { return m.Seq }

func (m *RejectRequest) EncodeScale(e *scale.Encoder) (int, error) {
	w := encoder{e: e}
	w.u64(m.Seq)
	w.u64(m.RequestID)
	return w.result()
}

func (m *RejectRequest) DecodeScale(d *scale.Decoder) (int, error) {
	r := decoder{d: d}
	m.Seq = r.u64()
	m.RequestID = r.u64()
	return r.result()
}

// CancelRequest cancels an operation.
type CancelRequest struct {
	Seq  uint64
	OpID uint64
}

func (*CancelRequest) Type() MessageType   { return TypeCancel }
func (m *CancelRequest) Sequence() uint64 { return m.Seq }

func (m *CancelRequest) EncodeScale(e *scale.Encoder) (int, error) {
	w := encoder{e: e}
	w.u64(m.Seq)
	w.u64(m.OpID)
	return w.result()
}

func (m *CancelRequest) DecodeScale(d *scale.Decoder) (int, error) {
	r := decoder{d: d}
	m.Seq = r.u64()
	m.OpID = r.u64()
	return r.result()
}

// AckResponse acknowledges a request that has no other response. Added is
// only meaningful for AddRequest.
type AckResponse struct {
	Seq   uint64
	Added bool
}

func (*AckResponse) Type() MessageType   { return TypeAck }
func (m *AckResponse) Sequence() uint64 { return m.Seq }

func (m *AckResponse) EncodeScale(e *scale.Encoder) (int, error) {
	w := encoder{e: e}
	w.u64(m.Seq)
	var added byte
	if m.Added {
		added = 1
	}
	w.u8(added)
	return w.result()
}

func (m *AckResponse) DecodeScale(d *scale.Decoder) (int, error) {
	r := decoder{d: d}
	m.Seq = r.u64()
	m.Added = r.u8() != 0
	return r.result()
}

// OpStartedResponse returns the id of a started operation.
type OpStartedResponse struct {
	Seq  uint64
	OpID uint64
}

func (*OpStartedResponse) Type() MessageType   { return TypeOpStarted }
func (m *OpStartedResponse) Sequence() uint64 { return m.Seq }

func (m *OpStartedResponse) EncodeScale(e *scale.Encoder) (int, error) {
	w := encoder{e: e}
	w.u64(m.Seq)
	w.u64(m.OpID)
	return w.result()
}

func (m *OpStartedResponse) DecodeScale(d *scale.Decoder) (int, error) {
	r := decoder{d: d}
	m.Seq = r.u64()
	m.OpID = r.u64()
	return r.result()
}

// ErrorResponse reports a failed request.
type ErrorResponse struct {
	Seq     uint64
	Message string
}

func (*ErrorResponse) Type() MessageType   { return TypeError }
func (m *ErrorResponse) Sequence() uint64 { return m.Seq }

func (m *ErrorResponse) EncodeScale(e *scale.Encoder) (int, error) {
	w := encoder{e: e}
	w.u64(m.Seq)
	msg := m.Message
	if len(msg) > maxErrorSize {
		msg = msg[:maxErrorSize]
	}
	w.blob([]byte(msg), maxErrorSize)
	return w.result()
}

func (m *ErrorResponse) DecodeScale(d *scale.Decoder) (int, error) {
	r := decoder{d: d}
	m.Seq = r.u64()
	m.Message = string(r.blob(maxErrorSize))
	return r.result()
}

// IncomingRequestMessage notifies a listening client about a request from a
// peer.
type IncomingRequestMessage struct {
	RequestID    uint64
	Peer         []byte
	AppID        union.AppID
	ElementCount uint64
	Context      []byte
}

func (*IncomingRequestMessage) Type() MessageType { return TypeIncomingRequest }

func (m *IncomingRequestMessage) EncodeScale(e *scale.Encoder) (int, error) {
	w := encoder{e: e}
	w.u64(m.RequestID)
	w.blob(m.Peer, maxPeerIDSize)
	w.array(m.AppID[:])
	w.u64(m.ElementCount)
	w.blob(m.Context, maxContextSize)
	return w.result()
}

func (m *IncomingRequestMessage) DecodeScale(d *scale.Decoder) (int, error) {
	r := decoder{d: d}
	m.RequestID = r.u64()
	m.Peer = r.blob(maxPeerIDSize)
	r.array(m.AppID[:])
	m.ElementCount = r.u64()
	m.Context = r.blob(maxContextSize)
	return r.result()
}

// ResultMessage carries an operation result.
type ResultMessage struct {
	OpID        uint64
	Status      uint8
	ElementType uint16
	Data        []byte
	CurrentSize uint64
	Error       string
}

func (*ResultMessage) Type() MessageType { return TypeResult }

// ResultMessageFrom converts an operation result to the wire form.
func ResultMessageFrom(op uint64, r union.Result) *ResultMessage {
	m := &ResultMessage{
		OpID:        op,
		Status:      uint8(r.Status),
		ElementType: r.Element.Type,
		Data:        r.Element.Data,
		CurrentSize: r.CurrentSize,
	}
	if r.Err != nil {
		m.Error = r.Err.Error()
	}
	return m
}

// StatusValue returns the result status.
func (m *ResultMessage) StatusValue() union.Status {
	return union.Status(m.Status)
}

// Element returns the element the result refers to.
func (m *ResultMessage) Element() setstore.Element {
	return setstore.Element{Type: m.ElementType, Data: m.Data}
}

// Final returns true for the last result of an operation.
func (m *ResultMessage) Final() bool {
	s := m.StatusValue()
	return s == union.StatusDone || s == union.StatusFailure
}

func (m *ResultMessage) EncodeScale(e *scale.Encoder) (int, error) {
	w := encoder{e: e}
	w.u64(m.OpID)
	w.u8(m.Status)
	w.u16(m.ElementType)
	w.blob(m.Data, setstore.MaxElementSize)
	w.u64(m.CurrentSize)
	msg := m.Error
	if len(msg) > maxErrorSize {
		msg = msg[:maxErrorSize]
	}
	w.blob([]byte(msg), maxErrorSize)
	return w.result()
}

func (m *ResultMessage) DecodeScale(d *scale.Decoder) (int, error) {
	r := decoder{d: d}
	m.OpID = r.u64()
	m.Status = r.u8()
	m.ElementType = r.u16()
	m.Data = r.blob(setstore.MaxElementSize)
	m.CurrentSize = r.u64()
	m.Error = string(r.blob(maxErrorSize))
	return r.result()
}

func newMessage(t MessageType) Message {
	switch t {
	case TypeCreateSet:
		return &CreateSetRequest{}
	case TypeSetCreated:
		return &SetCreatedResponse{}
	case TypeAdd:
		return &AddRequest{}
	case TypeDestroySet:
		return &DestroySetRequest{}
	case TypeListen:
		return &ListenRequest{}
	case TypeEvaluate:
		return &EvaluateRequest{}
	case TypeAccept:
		return &AcceptRequest{}
	case TypeReject:
		return &RejectRequest{}
	case TypeCancel:
		return &CancelRequest{}
	case TypeAck:
		return &AckResponse{}
	case TypeOpStarted:
		return &OpStartedResponse{}
	case TypeError:
		return &ErrorResponse{}
	case TypeIncomingRequest:
		return &IncomingRequestMessage{}
	case TypeResult:
		return &ResultMessage{}
	default:
		return nil
	}
}

// envelope prefixes a message with its type byte.
type envelope struct {
	msg Message
}

func (env *envelope) EncodeScale(e *scale.Encoder) (int, error) {
	var total int
	{
		n, err := scale.EncodeByte(e, byte(env.msg.Type()))
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := env.msg.EncodeScale(e)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (env *envelope) DecodeScale(d *scale.Decoder) (int, error) {
	var total int
	t, n, err := scale.DecodeByte(d)
	if err != nil {
		return total, err
	}
	total += n
	env.msg = newMessage(MessageType(t))
	if env.msg == nil {
		return total, fmt.Errorf("%w: %d", ErrUnknownMessage, t)
	}
	n, err = env.msg.DecodeScale(d)
	total += n
	return total, err
}

// Encode encodes a message together with its type.
func Encode(m Message) ([]byte, error) {
	return codec.Encode(&envelope{msg: m})
}

// Decode decodes a message encoded by Encode.
func Decode(b []byte) (Message, error) {
	var env envelope
	if err := codec.Decode(b, &env); err != nil {
		return nil, err
	}
	return env.msg, nil
}
