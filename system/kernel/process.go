package kernel

import (
	"github.com/R3E-Network/noded/system/address"
	"github.com/R3E-Network/noded/system/capability"
)

// OnExitKind selects the on_exit policy a process entry carries.
type OnExitKind int

const (
	// OnExitNone removes the process entry on termination.
	OnExitNone OnExitKind = iota
	// OnExitRestart re-initializes the process with the same code handle.
	OnExitRestart
	// OnExitRequests dispatches a fixed list of requests, then removes
	// the entry.
	OnExitRequests
)

// PendingRequest is one entry of an OnExitRequests policy: a request to
// build and dispatch, as if sent by the exiting process, when it
// terminates.
type PendingRequest struct {
	Target  address.Address
	Body    []byte
	Timeout *uint64
}

// OnExitPolicy describes what the router does when a process terminates.
type OnExitPolicy struct {
	Kind     OnExitKind
	Requests []PendingRequest
}

// ProcessEntry is the kernel's persisted record for one process. Its held
// capabilities live in the Oracle, keyed by the same ProcessId, so the
// entry itself only needs to describe lifecycle and code identity.
type ProcessEntry struct {
	ID          address.ProcessId
	CodeHandle  string
	ABIVersion  int
	OnExit      OnExitPolicy
	Public      bool
	State       ProcessState
}

// ProcessState is the lifecycle state of a ProcessEntry.
type ProcessState int

const (
	StateInitialized ProcessState = iota
	StateRunning
	StateStopped
)

// ProcessHost is the external collaborator that actually executes a
// process's code. The kernel calls it to initialize, start, and stop a
// process, but does not describe how it runs code (spec.md §1, "process
// host" is out of scope).
type ProcessHost interface {
	Initialize(id address.ProcessId, codeHandle string, abiVersion int) error
	Start(id address.ProcessId) error
	Stop(id address.ProcessId) error
}

// baselineMessagingParams is the params string minted for the "messaging"
// capability every runtime extension issues to every other runtime
// process at bootstrap.
const baselineMessagingParams = `{"class":"messaging"}`

// baselineNetworkParams is the params string minted for the kernel-issued
// "network" capability.
const baselineNetworkParams = `{"class":"network"}`

// messagingCapability builds the capability a process must hold, issued
// by target, to send target a message per invariant I-ROUTE-DENY.
func messagingCapability(target address.Address) capability.Capability {
	return capability.Capability{Issuer: target, Params: baselineMessagingParams}
}

// networkCapability builds the cross-node messaging capability.
func networkCapability(kernelAddr address.Address) capability.Capability {
	return capability.Capability{Issuer: kernelAddr, Params: baselineNetworkParams}
}
