package union

import (
	"fmt"

	"github.com/spacemeshos/go-setunion/setsync/setstore"
)

// Phase is the state of an operation.
type Phase int

const (
	// PhaseExpectSE waits for the peer's strata estimator.
	PhaseExpectSE Phase = iota
	// PhaseExpectIBF waits for an IBF or a full set request.
	PhaseExpectIBF
	// PhaseExpectIBFCont waits for the remaining buckets of an IBF.
	PhaseExpectIBFCont
	// PhaseInventoryActive is entered after decoding the peer's IBF.
	PhaseInventoryActive
	// PhaseInventoryPassive is entered after sending an IBF.
	PhaseInventoryPassive
	// PhaseFinishWaiting means the peer is done decoding while we still have
	// demands in flight.
	PhaseFinishWaiting
	// PhaseFinishClosing means we are done decoding and the peer agrees,
	// waiting for our remaining demands before sending Over.
	PhaseFinishClosing
	// PhaseFullSending means our full set has been sent.
	PhaseFullSending
	// PhaseFullReceiving receives the peer's full set.
	PhaseFullReceiving
	// PhaseDone waits for the peer's Over message.
	PhaseDone
	// PhaseFinished means the operation completed successfully.
	PhaseFinished
	// PhaseFailure means the operation failed or was canceled.
	PhaseFailure
)

var phaseNames = []string{
	"expectSE",
	"expectIBF",
	"expectIBFCont",
	"inventoryActive",
	"inventoryPassive",
	"finishWaiting",
	"finishClosing",
	"fullSending",
	"fullReceiving",
	"done",
	"finished",
	"failure",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("<unknown phase %d>", int(p))
}

// Terminal returns true for phases no message can leave.
func (p Phase) Terminal() bool {
	return p == PhaseFinished || p == PhaseFailure
}

// Status is the kind of a Result.
type Status int

const (
	// StatusAddLocal reports an element that was missing locally.
	StatusAddLocal Status = iota
	// StatusAddRemote reports an element that was sent to the peer.
	StatusAddRemote
	// StatusDone reports successful completion.
	StatusDone
	// StatusFailure reports a failed operation.
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusAddLocal:
		return "add-local"
	case StatusAddRemote:
		return "add-remote"
	case StatusDone:
		return "done"
	case StatusFailure:
		return "failure"
	default:
		return fmt.Sprintf("<unknown status %d>", int(s))
	}
}

// Result is an outcome of an operation reported to the client.
type Result struct {
	Status  Status
	Element setstore.Element
	// CurrentSize is the number of elements known to the operation. It is
	// only set for StatusDone.
	CurrentSize uint64
	// Err is the reason of a failure.
	Err error
}

// Step is the outcome of a single transition of an operation.
type Step struct {
	// Send contains the messages to send to the peer, in order.
	Send []Message
	// Results contains the results to report to the client, in order.
	Results []Result
	// Finished is set when the operation has reached a terminal phase.
	Finished bool
}

func (s *Step) send(m Message) {
	s.Send = append(s.Send, m)
}

func (s *Step) report(r Result) {
	s.Results = append(s.Results, r)
}
