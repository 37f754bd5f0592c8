// Package union implements the set union protocol between two peers.
package union

import (
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/spacemeshos/go-setunion/setsync/ibf"
	"github.com/spacemeshos/go-setunion/setsync/setstore"
	"github.com/spacemeshos/go-setunion/setsync/strata"
)

var errDecodeCycle = errors.New("IBF decode cycle")

// Operation is one side of a set union session with a peer. It is a state
// machine driven by the messages received from the peer: each transition
// returns a Step listing the messages to send and the results to report.
// The operation only sees the elements of the set present at the time it was
// created. Operation is not safe for concurrent use.
type Operation struct {
	logger      *zap.Logger
	tracer      Tracer
	maxIBFOrder int
	ibfHashNum  int

	set        *setstore.Set
	released   bool
	generation uint64
	opts       Options
	initiator  bool
	started    bool
	appID      AppID
	context    []byte
	phase      Phase

	index          *setstore.KeyIndex
	estimator      *strata.MultiEstimator
	initialSize    uint64
	avgElementSize uint64
	remoteSize     uint64

	saltSend    uint32
	saltReceive uint32
	remoteIBF   *ibf.IBF
	remoteOrder int
	ibfReceived int

	demanded      map[setstore.ElementHash]struct{}
	receivedTotal int
	receivedFresh int

	step *Step
}

func newOperation(set *setstore.Set, options Options, opts []Opt) *Operation {
	op := &Operation{
		logger:      zap.NewNop(),
		tracer:      nullTracer{},
		maxIBFOrder: DefaultMaxIBFOrder,
		ibfHashNum:  DefaultIBFHashNum,
		set:         set,
		generation:  set.Generation(),
		opts:        options,
		demanded:    make(map[setstore.ElementHash]struct{}),
	}
	for _, opt := range opts {
		opt(op)
	}
	if op.ibfHashNum < 1 || op.ibfHashNum > ibf.MaxHashNum {
		panic(fmt.Sprintf("BUG: bad IBF hash num %d", op.ibfHashNum))
	}
	if op.maxIBFOrder < 1 || 1<<op.maxIBFOrder > ibf.MaxSize || 1<<op.maxIBFOrder < op.ibfHashNum {
		panic(fmt.Sprintf("BUG: bad max IBF order %d", op.maxIBFOrder))
	}
	op.index = setstore.BuildKeyIndex(set, op.generation)
	op.estimator = set.Estimator()
	op.initialSize = uint64(op.index.Len())
	op.avgElementSize = set.AvgElementSize()
	set.Acquire()
	return op
}

// NewInitiator creates an operation that asks the peer to compute the union
// of its set for the application with the local set.
func NewInitiator(set *setstore.Set, appID AppID, context []byte, options Options, opts ...Opt) *Operation {
	op := newOperation(set, options, opts)
	op.initiator = true
	op.appID = appID
	op.context = slices.Clone(context)
	return op
}

// NewResponder creates an operation that serves the peer's request.
func NewResponder(set *setstore.Set, req *OperationRequestMessage, options Options, opts ...Opt) *Operation {
	op := newOperation(set, options, opts)
	op.appID = req.AppID
	op.context = slices.Clone(req.Context)
	op.remoteSize = req.ElementCount
	return op
}

// Phase returns the current phase.
func (op *Operation) Phase() Phase {
	return op.phase
}

// Initiator returns true if the operation was created by NewInitiator.
func (op *Operation) Initiator() bool {
	return op.initiator
}

// AppID returns the application id of the operation.
func (op *Operation) AppID() AppID {
	return op.appID
}

// Context returns the application-defined context of the operation.
func (op *Operation) Context() []byte {
	return op.context
}

// Size returns the number of elements known to the operation.
func (op *Operation) Size() int {
	return op.index.Len()
}

// Start produces the first messages of the operation.
func (op *Operation) Start() (Step, error) {
	if op.started {
		panic("BUG: operation already started")
	}
	op.started = true
	return op.transition(func() error {
		if op.initiator {
			op.step.send(&OperationRequestMessage{
				ElementCount: op.initialSize,
				AppID:        op.appID,
				Context:      op.context,
			})
			op.setPhase(PhaseExpectSE)
			return nil
		}
		if err := op.checkLowerBound(); err != nil {
			return err
		}
		op.sendEstimator()
		op.estimator = nil
		op.setPhase(PhaseExpectIBF)
		return nil
	})
}

// Handle processes a message received from the peer.
func (op *Operation) Handle(m Message) (Step, error) {
	if !op.started {
		panic("BUG: operation not started")
	}
	return op.transition(func() error {
		op.logger.Debug("handle message",
			zap.Stringer("type", m.Type()),
			zap.Stringer("phase", op.phase))
		switch m := m.(type) {
		case *StrataEstimatorMessage:
			return op.handleStrataEstimator(m)
		case *IBFMessage:
			return op.handleIBF(m)
		case *InquiryMessage:
			return op.handleInquiry(m)
		case *OfferMessage:
			return op.handleOffer(m)
		case *DemandMessage:
			return op.handleDemand(m)
		case *ElementsMessage:
			return op.handleElements(m)
		case *FullElementMessage:
			return op.handleFullElement(m)
		case *RequestFullMessage:
			return op.handleRequestFull(m)
		case *FullDoneMessage:
			return op.handleFullDone(m)
		case *DoneMessage:
			return op.handleDone(m)
		case *OverMessage:
			return op.handleOver(m)
		default:
			return op.unexpected(m)
		}
	})
}

// ChannelClosed handles the channel to the peer being closed. The operation
// succeeds if it was only waiting for the peer's Over message.
func (op *Operation) ChannelClosed() Step {
	if op.phase.Terminal() {
		return Step{}
	}
	step, _ := op.transition(func() error {
		if op.phase == PhaseDone {
			op.finish()
			return nil
		}
		return fmt.Errorf("%w in phase %s", ErrChannelClosed, op.phase)
	})
	return step
}

// Fail fails the operation with err, which is usually a decoding error for
// a message received from the peer.
func (op *Operation) Fail(err error) Step {
	if op.phase.Terminal() {
		return Step{}
	}
	step, _ := op.transition(func() error { return err })
	return step
}

// Cancel stops the operation without reporting any result.
func (op *Operation) Cancel() {
	if op.phase.Terminal() {
		return
	}
	op.logger.Debug("operation canceled", zap.Stringer("phase", op.phase))
	op.phase = PhaseFailure
	op.release()
}

func (op *Operation) transition(f func() error) (step Step, err error) {
	if op.phase.Terminal() {
		return Step{}, ErrFinished
	}
	op.step = &step
	defer func() { op.step = nil }()
	if err = f(); err != nil {
		op.fail(err)
	}
	return step, err
}

func (op *Operation) setPhase(p Phase) {
	op.logger.Debug("phase change", zap.Stringer("from", op.phase), zap.Stringer("to", p))
	op.phase = p
}

func (op *Operation) release() {
	if !op.released {
		op.released = true
		op.set.Release()
		op.index = setstore.NewKeyIndex()
		op.estimator = nil
		op.remoteIBF = nil
	}
}

func (op *Operation) fail(err error) {
	op.logger.Warn("set union failed",
		zap.Stringer("phase", op.phase),
		zap.Bool("initiator", op.initiator),
		zap.Error(err))
	op.phase = PhaseFailure
	op.step.report(Result{Status: StatusFailure, Err: err})
	op.step.Finished = true
	op.release()
}

func (op *Operation) finish() {
	size := uint64(op.index.Len())
	op.logger.Info("set union done",
		zap.Bool("initiator", op.initiator),
		zap.Uint64("initialSize", op.initialSize),
		zap.Uint64("size", size),
		zap.Int("received", op.receivedTotal),
		zap.Int("fresh", op.receivedFresh))
	op.phase = PhaseFinished
	op.step.report(Result{Status: StatusDone, CurrentSize: size})
	op.step.Finished = true
	op.release()
}

func (op *Operation) unexpected(m Message) error {
	return fmt.Errorf("%w: %s in phase %s", ErrUnexpectedMessage, m.Type(), op.phase)
}

func (op *Operation) expect(m Message, phases ...Phase) error {
	if !slices.Contains(phases, op.phase) {
		return op.unexpected(m)
	}
	return nil
}

func (op *Operation) checkLowerBound() error {
	if op.opts.Byzantine && op.remoteSize < op.opts.ByzantineLowerBound {
		return fmt.Errorf("%w: peer set size %d is below the lower bound %d",
			ErrByzantine, op.remoteSize, op.opts.ByzantineLowerBound)
	}
	return nil
}

func (op *Operation) sendEstimator() {
	n := min(strata.EstimatorCount(op.avgElementSize, op.initialSize), op.estimator.Len())
	payload, width, compressed := op.estimator.Marshal(n)
	op.step.send(&StrataEstimatorMessage{
		SetSize:    op.initialSize,
		Estimators: uint8(n),
		CountWidth: uint8(width),
		Compressed: compressed,
		Payload:    payload,
	})
}

func (op *Operation) handleStrataEstimator(m *StrataEstimatorMessage) error {
	if err := op.expect(m, PhaseExpectSE); err != nil {
		return err
	}
	remote, err := strata.Unmarshal(op.estimator.Params(),
		int(m.Estimators), int(m.CountWidth), m.Payload, m.Compressed)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	op.remoteSize = m.SetSize
	if err := op.checkLowerBound(); err != nil {
		return err
	}
	localSurplus, remoteSurplus := op.estimator.Difference(remote)
	op.estimator = nil
	diff := localSurplus + remoteSurplus
	op.tracer.OnEstimate(localSurplus, remoteSurplus)
	estimatedDiff.Observe(float64(diff))
	op.logger.Debug("estimated difference",
		zap.Int("localSurplus", localSurplus),
		zap.Int("remoteSurplus", remoteSurplus),
		zap.Uint64("localSize", op.initialSize),
		zap.Uint64("remoteSize", op.remoteSize))

	full := op.opts.ForceFull ||
		(!op.opts.ForceDelta && (uint64(diff) > op.initialSize/4 || op.remoteSize == 0))
	if !full {
		return op.sendIBF(op.initialOrder(diff))
	}
	op.tracer.OnFullSync()
	fullSyncs.Inc()
	if op.initialSize <= op.remoteSize || op.remoteSize == 0 {
		op.sendFullSet()
		return nil
	}
	op.step.send(&RequestFullMessage{})
	op.setPhase(PhaseFullReceiving)
	return nil
}

// initialOrder returns the order of the first IBF for the estimated
// difference, with one extra bit of headroom.
func (op *Operation) initialOrder(diff int) int {
	order := 0
	for 1<<order < IBFAlpha*diff || 1<<order < op.ibfHashNum {
		order++
	}
	return min(order+1, op.maxIBFOrder)
}

func (op *Operation) sendIBF(order int) error {
	f, err := ibf.New(1<<order, op.ibfHashNum)
	if err != nil {
		return fmt.Errorf("create IBF: %w", err)
	}
	for ke := range op.index.All() {
		f.Insert(ibf.Salt(ke.Key, op.saltSend))
	}
	width := f.CountWidth()
	perMessage := (MaxIBFMessageSize - HeaderSize - ibfFixed) / ibf.BucketSize(width)
	for offset := 0; offset < f.Size(); offset += perMessage {
		n := min(perMessage, f.Size()-offset)
		op.step.send(&IBFMessage{
			Order:      uint8(order),
			CountWidth: uint8(width),
			Offset:     uint32(offset),
			Salt:       op.saltSend,
			Buckets:    f.WriteSlice(nil, offset, n, width),
		})
	}
	op.logger.Debug("sent IBF", zap.Int("order", order), zap.Uint32("salt", op.saltSend))
	op.tracer.OnIBF(order, op.saltSend)
	ibfOrders.Observe(float64(order))
	op.setPhase(PhaseInventoryPassive)
	return nil
}

func (op *Operation) handleIBF(m *IBFMessage) error {
	switch op.phase {
	case PhaseExpectIBF, PhaseInventoryPassive:
		if m.Offset != 0 {
			return fmt.Errorf("%w: IBF starts at offset %d", ErrUnexpectedMessage, m.Offset)
		}
		if int(m.Order) > op.maxIBFOrder {
			return fmt.Errorf("%w: IBF order %d exceeds %d", ErrUnexpectedMessage, m.Order, op.maxIBFOrder)
		}
		if m.Salt < op.saltSend {
			return fmt.Errorf("%w: stale IBF salt %d < %d", ErrUnexpectedMessage, m.Salt, op.saltSend)
		}
		f, err := ibf.New(1<<m.Order, op.ibfHashNum)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		op.remoteIBF = f
		op.remoteOrder = int(m.Order)
		op.ibfReceived = 0
		op.saltReceive = m.Salt
		op.saltSend = m.Salt
	case PhaseExpectIBFCont:
		if int(m.Order) != op.remoteOrder || m.Salt != op.saltReceive {
			return fmt.Errorf("%w: IBF fragment order %d salt %d, expected order %d salt %d",
				ErrUnexpectedMessage, m.Order, m.Salt, op.remoteOrder, op.saltReceive)
		}
		if int(m.Offset) != op.ibfReceived {
			return fmt.Errorf("%w: IBF fragment at offset %d, expected %d",
				ErrUnexpectedMessage, m.Offset, op.ibfReceived)
		}
	default:
		return op.unexpected(m)
	}
	n := m.NumBuckets()
	if op.ibfReceived+n > op.remoteIBF.Size() {
		return fmt.Errorf("%w: IBF fragment overflows %d buckets", ErrMalformed, op.remoteIBF.Size())
	}
	if err := op.remoteIBF.ReadSlice(m.Buckets, op.ibfReceived, n, int(m.CountWidth)); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	op.ibfReceived += n
	if op.ibfReceived < op.remoteIBF.Size() {
		op.setPhase(PhaseExpectIBFCont)
		return nil
	}
	op.setPhase(PhaseInventoryActive)
	return op.decode()
}

func (op *Operation) decode() error {
	remote := op.remoteIBF
	op.remoteIBF = nil
	diff, err := ibf.New(remote.Size(), op.ibfHashNum)
	if err != nil {
		return fmt.Errorf("create IBF: %w", err)
	}
	for ke := range op.index.All() {
		diff.Insert(ibf.Salt(ke.Key, op.saltSend))
	}
	diff.Subtract(remote)
	var last ibf.Key
	decoded := 0
	for {
		k, side, err := diff.DecodeOne()
		if err == nil && side != ibf.SideNone {
			decoded++
			if decoded > diff.Size() || (decoded > 1 && k == last) {
				err = errDecodeCycle
			}
			last = k
		}
		if err != nil {
			return op.retryDecode(err)
		}
		switch side {
		case ibf.SideNone:
			op.logger.Debug("IBF decoded", zap.Int("keys", decoded))
			op.step.send(&DoneMessage{})
			return nil
		case ibf.SideLocal:
			op.offer(ibf.Unsalt(k, op.saltReceive))
		case ibf.SideRemote:
			op.step.send(&InquiryMessage{Salt: op.saltReceive, Keys: []ibf.Key{k}})
		}
	}
}

func (op *Operation) retryDecode(cause error) error {
	op.tracer.OnDecodeFailure(op.remoteOrder)
	decodeRetries.Inc()
	next := op.remoteOrder + 1
	if next > op.maxIBFOrder {
		return fmt.Errorf("%w: order %d: %w", ErrDecodeLimit, op.remoteOrder, cause)
	}
	op.logger.Debug("IBF decode failed, sending a larger one",
		zap.Int("order", next), zap.Error(cause))
	op.saltSend++
	return op.sendIBF(next)
}

func (op *Operation) offer(k ibf.Key) {
	found := false
	for ke := range op.index.ByKey(k) {
		found = true
		op.step.send(&OfferMessage{Hashes: []setstore.ElementHash{ke.Hash}})
	}
	if !found {
		op.logger.Debug("no elements for decoded key", zap.Stringer("key", k))
	}
}

func (op *Operation) handleInquiry(m *InquiryMessage) error {
	if err := op.expect(m, PhaseInventoryPassive); err != nil {
		return err
	}
	for _, k := range m.Keys {
		op.offer(ibf.Unsalt(k, m.Salt))
	}
	return nil
}

func (op *Operation) handleOffer(m *OfferMessage) error {
	if err := op.expect(m, PhaseInventoryActive, PhaseInventoryPassive); err != nil {
		return err
	}
	var demand []setstore.ElementHash
	for _, h := range m.Hashes {
		if op.index.Lookup(h) != nil {
			continue
		}
		if _, found := op.demanded[h]; found {
			continue
		}
		op.demanded[h] = struct{}{}
		demand = append(demand, h)
	}
	if len(demand) != 0 {
		op.step.send(&DemandMessage{Hashes: demand})
	}
	return nil
}

func (op *Operation) handleDemand(m *DemandMessage) error {
	if err := op.expect(m,
		PhaseInventoryActive, PhaseInventoryPassive,
		PhaseFinishWaiting, PhaseFinishClosing, PhaseDone,
	); err != nil {
		return err
	}
	for _, h := range m.Hashes {
		e, found := op.set.VisibleAt(h, op.generation)
		if !found {
			return fmt.Errorf("%w: demand for unknown element %s", ErrUnexpectedMessage, h.ShortString())
		}
		op.step.send(&ElementsMessage{Element: e.Element})
		if op.opts.Symmetric {
			op.step.report(Result{Status: StatusAddRemote, Element: e.Element})
		}
	}
	return nil
}

func (op *Operation) receive(el setstore.Element, h setstore.ElementHash) {
	op.receivedTotal++
	if _, fresh := op.index.Insert(el, h, true); !fresh {
		knownElements.Inc()
		return
	}
	op.receivedFresh++
	freshElements.Inc()
	op.step.report(Result{Status: StatusAddLocal, Element: el})
}

func (op *Operation) handleElements(m *ElementsMessage) error {
	if err := op.expect(m,
		PhaseInventoryActive, PhaseInventoryPassive,
		PhaseFinishWaiting, PhaseFinishClosing,
	); err != nil {
		return err
	}
	h := m.Element.Hash()
	if _, found := op.demanded[h]; !found {
		return fmt.Errorf("%w: element %s was not demanded", ErrUnexpectedMessage, h.ShortString())
	}
	delete(op.demanded, h)
	op.receive(m.Element, h)
	if op.receivedTotal > 8 && op.receivedFresh < op.receivedTotal/3 {
		return fmt.Errorf("%w: %d of %d received elements are new",
			ErrByzantine, op.receivedFresh, op.receivedTotal)
	}
	op.maybeFinish()
	return nil
}

func (op *Operation) handleDone(m *DoneMessage) error {
	switch op.phase {
	case PhaseInventoryPassive:
		op.setPhase(PhaseFinishWaiting)
	case PhaseInventoryActive:
		op.setPhase(PhaseFinishClosing)
	default:
		return op.unexpected(m)
	}
	op.maybeFinish()
	return nil
}

func (op *Operation) maybeFinish() {
	if len(op.demanded) != 0 {
		return
	}
	switch op.phase {
	case PhaseFinishWaiting:
		op.step.send(&DoneMessage{})
		op.setPhase(PhaseDone)
	case PhaseFinishClosing:
		op.step.send(&OverMessage{})
		op.finish()
	}
}

func (op *Operation) handleRequestFull(m *RequestFullMessage) error {
	if err := op.expect(m, PhaseExpectIBF); err != nil {
		return err
	}
	op.tracer.OnFullSync()
	op.sendFullSet()
	return nil
}

func (op *Operation) sendFullElement(el setstore.Element) {
	op.step.send(&FullElementMessage{Element: el})
	if op.opts.Symmetric {
		op.step.report(Result{Status: StatusAddRemote, Element: el})
	}
}

func (op *Operation) sendFullSet() {
	for ke := range op.index.All() {
		op.sendFullElement(ke.Element)
	}
	op.step.send(&FullDoneMessage{})
	op.setPhase(PhaseFullSending)
}

func (op *Operation) handleFullElement(m *FullElementMessage) error {
	if err := op.expect(m, PhaseExpectIBF, PhaseFullReceiving, PhaseFullSending); err != nil {
		return err
	}
	if op.phase == PhaseExpectIBF {
		op.setPhase(PhaseFullReceiving)
	}
	op.receive(m.Element, m.Element.Hash())
	if op.opts.Byzantine &&
		op.receivedTotal > 384+4*op.receivedFresh &&
		op.receivedFresh < op.receivedTotal/6 {
		return fmt.Errorf("%w: %d of %d received elements are new",
			ErrByzantine, op.receivedFresh, op.receivedTotal)
	}
	return nil
}

func (op *Operation) handleFullDone(m *FullDoneMessage) error {
	switch op.phase {
	case PhaseExpectIBF, PhaseFullReceiving:
		var missing []setstore.Element
		for ke := range op.index.All() {
			if !ke.Received {
				missing = append(missing, ke.Element)
			}
		}
		for _, el := range missing {
			op.sendFullElement(el)
		}
		op.step.send(&FullDoneMessage{})
		op.setPhase(PhaseDone)
	case PhaseFullSending:
		op.step.send(&OverMessage{})
		op.finish()
	default:
		return op.unexpected(m)
	}
	return nil
}

func (op *Operation) handleOver(m *OverMessage) error {
	if err := op.expect(m, PhaseDone); err != nil {
		return err
	}
	op.finish()
	return nil
}
