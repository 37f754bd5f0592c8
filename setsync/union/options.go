package union

import "go.uber.org/zap"

const (
	// IBFAlpha is the number of IBF buckets allocated per estimated
	// difference element.
	IBFAlpha = 4
	// DefaultMaxIBFOrder is the default maximum IBF order, 2^20 buckets.
	DefaultMaxIBFOrder = 20
	// DefaultIBFHashNum is the default number of buckets an IBF key is
	// stored in.
	DefaultIBFHashNum = 3
)

// Options are set by the client for each operation.
type Options struct {
	// Byzantine enables checks against malicious peers.
	Byzantine bool
	// ByzantineLowerBound is the minimum set size a peer may claim when
	// Byzantine is set.
	ByzantineLowerBound uint64
	// ForceFull always uses full set transmission.
	ForceFull bool
	// ForceDelta avoids full set transmission unless the peer asks for it.
	ForceDelta bool
	// Symmetric reports elements sent to the peer as StatusAddRemote.
	Symmetric bool
}

// Tracer tracks the reconciliation process.
type Tracer interface {
	// OnEstimate is called with the difference estimated from the peer's
	// strata estimator.
	OnEstimate(localSurplus, remoteSurplus int)
	// OnFullSync is called when full set transmission is chosen.
	OnFullSync()
	// OnIBF is called when an IBF of the specified order is sent.
	OnIBF(order int, salt uint32)
	// OnDecodeFailure is called when the peer's IBF can't be decoded.
	OnDecodeFailure(order int)
}

type nullTracer struct{}

func (nullTracer) OnEstimate(int, int) {}
func (nullTracer) OnFullSync()         {}
func (nullTracer) OnIBF(int, uint32)   {}
func (nullTracer) OnDecodeFailure(int) {}

// Opt configures an Operation.
type Opt func(op *Operation)

// WithLogger specifies the logger for the operation.
func WithLogger(logger *zap.Logger) Opt {
	return func(op *Operation) {
		op.logger = logger
	}
}

// WithTracer specifies a tracer for the operation.
func WithTracer(t Tracer) Opt {
	return func(op *Operation) {
		op.tracer = t
	}
}

// WithMaxIBFOrder sets the maximum IBF order. The operation fails if an IBF
// of this order can't be decoded.
func WithMaxIBFOrder(order int) Opt {
	return func(op *Operation) {
		op.maxIBFOrder = order
	}
}

// WithIBFHashNum sets the number of buckets each key is stored in.
func WithIBFHashNum(n int) Opt {
	return func(op *Operation) {
		op.ibfHashNum = n
	}
}
