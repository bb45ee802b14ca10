package kernel

import (
	"context"
	"fmt"

	"github.com/R3E-Network/noded/infrastructure/errors"
	"github.com/R3E-Network/noded/system/address"
	"github.com/R3E-Network/noded/system/capability"
	"github.com/R3E-Network/noded/system/message"
)

// InitializeProcess transitions id from absent to *initialized*, per
// spec.md §4.2. Fails if id violates I-ID or the host rejects the code
// handle.
func (r *Router) InitializeProcess(id address.ProcessId, codeHandle string, abiVersion int, onExit OnExitPolicy, initialCaps []capability.Capability, public bool) error {
	if err := id.Validate(); err != nil {
		return errors.AddressInvalid(id.String())
	}

	if onExit.Kind == OnExitRequests {
		selfAddr := address.Address{Node: r.localNode, Process: id}
		for _, req := range onExit.Requests {
			if req.Target == selfAddr {
				return errors.MalformedRequest("on_exit Requests entry may not target the exiting process itself")
			}
		}
	}

	if err := r.host.Initialize(id, codeHandle, abiVersion); err != nil {
		return errors.IO("initialize_process", err)
	}

	r.mu.Lock()
	r.processes[id] = &ProcessEntry{
		ID:         id,
		CodeHandle: codeHandle,
		ABIVersion: abiVersion,
		OnExit:     onExit,
		Public:     public,
		State:      StateInitialized,
	}
	r.mu.Unlock()

	if len(initialCaps) > 0 {
		r.oracle.Add(id, initialCaps, nil)
	}
	return nil
}

// RunProcess transitions id from *initialized* to *running*.
func (r *Router) RunProcess(id address.ProcessId) error {
	r.mu.Lock()
	entry, ok := r.processes[id]
	r.mu.Unlock()
	if !ok {
		return errors.NotFound("process", id.String())
	}
	if err := r.host.Start(id); err != nil {
		return errors.IO("run_process", err)
	}
	r.mu.Lock()
	entry.State = StateRunning
	r.mu.Unlock()
	return nil
}

// KillProcess stops the process host, removes the entry, and revokes every
// capability id issued (invariant: by t+ε no holder retains a capability
// issued by a killed process).
func (r *Router) KillProcess(id address.ProcessId) error {
	r.mu.Lock()
	_, ok := r.processes[id]
	if ok {
		delete(r.processes, id)
	}
	observers := append([]LifecycleObserver(nil), r.observers...)
	r.mu.Unlock()

	if !ok {
		return errors.NotFound("process", id.String())
	}

	_ = r.host.Stop(id)

	for _, obs := range observers {
		obs.OnProcessKilled(id)
	}

	r.oracle.RevokeAllIssuedBy(id)
	r.failPendingFrom(id)
	return nil
}

// failPendingFrom drops every outstanding request sourced from id and stops
// its timeout timer; no response is sent, since that process can no longer
// receive it.
func (r *Router) failPendingFrom(id address.ProcessId) {
	r.mu.Lock()
	var stale []uint64
	for msgID, p := range r.pending {
		if p.source == id {
			stale = append(stale, msgID)
		}
	}
	r.mu.Unlock()

	for _, msgID := range stale {
		r.mu.Lock()
		p, ok := r.pending[msgID]
		if ok {
			delete(r.pending, msgID)
		}
		r.mu.Unlock()
		if ok {
			p.cancel()
		}
	}
}

// GrantCapabilities inserts caps into target's set, signing with the
// Oracle if the issuer is local.
func (r *Router) GrantCapabilities(target address.ProcessId, caps []capability.Capability) {
	r.oracle.Add(target, caps, nil)
}

// Shutdown flushes persisted state via persist, then stops every running
// process. The caller is responsible for canceling the context passed to
// Run after this returns.
func (r *Router) Shutdown(ctx context.Context, persist func(context.Context) error) error {
	if persist != nil {
		if err := persist(ctx); err != nil {
			return fmt.Errorf("kernel: shutdown persist: %w", err)
		}
	}
	r.mu.Lock()
	ids := make([]address.ProcessId, 0, len(r.processes))
	for id := range r.processes {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		_ = r.host.Stop(id)
	}
	return nil
}

// HandleProcessExit implements the on_exit policy described in spec.md
// §4.2: None removes the entry, Restart re-invokes the host with the same
// code handle, Requests dispatches each configured request as if sent by
// the exiting process and then removes the entry.
func (r *Router) HandleProcessExit(ctx context.Context, id address.ProcessId) {
	r.mu.Lock()
	entry, ok := r.processes[id]
	r.mu.Unlock()
	if !ok {
		return
	}

	switch entry.OnExit.Kind {
	case OnExitNone:
		_ = r.KillProcess(id)
	case OnExitRestart:
		if err := r.host.Start(id); err != nil {
			r.log.WithError(err).Warn("restart failed, removing process")
			_ = r.KillProcess(id)
			return
		}
		r.mu.Lock()
		entry.State = StateRunning
		r.mu.Unlock()
	case OnExitRequests:
		for _, req := range entry.OnExit.Requests {
			var timeoutSecs *uint64
			if req.Timeout != nil {
				t := *req.Timeout
				timeoutSecs = &t
			}
			env := message.Envelope{
				ID:     r.allocateID(),
				Source: address.Address{Node: r.localNode, Process: id},
				Target: req.Target,
				Message: message.Message{
					Kind: message.KindRequest,
					Request: &message.Request{
						ExpectsResponseSecs: timeoutSecs,
						Body:                req.Body,
					},
				},
			}
			r.Send(env)
		}
		_ = r.KillProcess(id)
	}
}

func (r *Router) allocateID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}
