package union

import "errors"

var (
	// ErrMalformed is returned for messages that can't be decoded.
	ErrMalformed = errors.New("malformed message")
	// ErrUnexpectedMessage is returned for messages that are not valid in
	// the current phase of the operation.
	ErrUnexpectedMessage = errors.New("unexpected message")
	// ErrByzantine is returned when the peer appears to be malicious.
	ErrByzantine = errors.New("byzantine peer")
	// ErrDecodeLimit is returned when the IBF can't be decoded at the
	// maximum order.
	ErrDecodeLimit = errors.New("IBF decode limit reached")
	// ErrChannelClosed is returned when the channel is closed before the
	// operation is complete.
	ErrChannelClosed = errors.New("channel closed")
	// ErrFinished is returned when a message is handled by an operation that
	// has already finished.
	ErrFinished = errors.New("operation finished")
)
