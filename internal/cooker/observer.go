package cooker

import "github.com/chaz8081/sousvide-ble/internal/ble/protocol"

// DropReason says why a notification did not update the record.
type DropReason string

const (
	DropDecode      DropReason = "decode"
	DropUnsolicited DropReason = "unsolicited"
	DropDetached    DropReason = "detached"
)

// Observer receives synchronizer events, e.g. for metrics.
// Methods are called synchronously and must not block.
type Observer interface {
	CommandSent(key protocol.CommandKey)
	CommandFailed(key protocol.CommandKey, err error)
	NotificationApplied(key protocol.CommandKey, state CookingState)
	NotificationDropped(reason DropReason)
	PhaseChanged(phase Phase)
}

type nopObserver struct{}

func (nopObserver) CommandSent(protocol.CommandKey)                       {}
func (nopObserver) CommandFailed(protocol.CommandKey, error)              {}
func (nopObserver) NotificationApplied(protocol.CommandKey, CookingState) {}
func (nopObserver) NotificationDropped(DropReason)                        {}
func (nopObserver) PhaseChanged(Phase)                                    {}
