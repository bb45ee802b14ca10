// Package kernel implements the Kernel Message Router: the single event
// loop that owns the process table, dispatches every message, enforces
// capability gates, and restarts crashed processes per on_exit policy.
// Grounded on the teacher's system/core/engine.go (dependency-ordered
// dispatch loop) and system/framework/core/service_router.go (endpoint
// dispatch table).
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/noded/infrastructure/logging"
	"github.com/R3E-Network/noded/infrastructure/metrics"
	nodederrors "github.com/R3E-Network/noded/infrastructure/errors"
	"github.com/R3E-Network/noded/system/address"
	"github.com/R3E-Network/noded/system/capability"
	"github.com/R3E-Network/noded/system/message"
)

// Transport is the out-of-scope external collaborator that moves a
// message to a non-local node. It reports success, Timeout, or Offline;
// the router translates the latter two into synthetic error responses.
type Transport interface {
	Send(ctx context.Context, env message.Envelope) error
}

// LifecycleObserver is notified when a process is killed, so that runtime
// services owning per-process state (subscriptions, file handles) can
// tear it down. Registered observers are called synchronously from
// KillProcess, after the process entry is removed.
type LifecycleObserver interface {
	OnProcessKilled(id address.ProcessId)
}

// ingress/channel sizing from spec.md §5.
const (
	kernelIngressSlots     = 100_000
	defaultServiceInbox    = 1_000
	debugInboxSlots        = 32
)

type pendingRequest struct {
	replyTo address.Address
	cancel  context.CancelFunc
	source  address.ProcessId
}

// Router is the kernel's single logical task. Work per message may be
// off-loaded to per-source serial queues (one FIFO goroutine per source
// ProcessId) so a slow downstream service cannot head-of-line block other
// sources, while still preserving in-order delivery for any one source.
type Router struct {
	mu sync.Mutex

	localNode string
	kernelPid address.ProcessId

	processes map[address.ProcessId]*ProcessEntry
	oracle    *capability.Oracle
	host      ProcessHost
	transport Transport

	inboxes map[address.ProcessId]chan message.Envelope

	// perSource is one serial worker queue per source ProcessId.
	perSource map[address.ProcessId]chan message.Envelope

	pending map[uint64]*pendingRequest

	observers []LifecycleObserver

	ingress chan message.Envelope

	log     *logging.Logger
	metrics *metrics.Metrics

	nextID uint64
}

// New constructs a Router for localNode.
func New(localNode string, oracle *capability.Oracle, host ProcessHost, transport Transport, log *logging.Logger, m *metrics.Metrics) *Router {
	return &Router{
		localNode: localNode,
		kernelPid: address.ProcessId{Name: "kernel", Package: "kernel", Publisher: "sys"},
		processes: make(map[address.ProcessId]*ProcessEntry),
		oracle:    oracle,
		host:      host,
		transport: transport,
		inboxes:   make(map[address.ProcessId]chan message.Envelope),
		perSource: make(map[address.ProcessId]chan message.Envelope),
		pending:   make(map[uint64]*pendingRequest),
		ingress:   make(chan message.Envelope, kernelIngressSlots),
		log:       log,
		metrics:   m,
	}
}

// KernelAddress returns this node's address for the kernel pseudo-process,
// the issuer of the "network" baseline capability.
func (r *Router) KernelAddress() address.Address {
	return address.Address{Node: r.localNode, Process: r.kernelPid}
}

// RegisterInbox attaches (or replaces) the inbox channel a process/runtime
// service reads incoming envelopes from. Callers own draining it.
func (r *Router) RegisterInbox(id address.ProcessId, size int) chan message.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	if size <= 0 {
		size = defaultServiceInbox
	}
	ch := make(chan message.Envelope, size)
	r.inboxes[id] = ch
	return ch
}

// RegisterObserver subscribes an observer to KillProcess notifications.
func (r *Router) RegisterObserver(o LifecycleObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Run drains the kernel ingress channel until ctx is canceled, dispatching
// each envelope onto its source's serial queue.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-r.ingress:
			r.enqueuePerSource(ctx, env)
		}
	}
}

// Send enqueues an envelope for dispatch. Safe to call from any goroutine,
// including from within a per-source worker (e.g. a response being sent
// back to a requester).
func (r *Router) Send(env message.Envelope) {
	r.ingress <- env
}

func (r *Router) enqueuePerSource(ctx context.Context, env message.Envelope) {
	r.mu.Lock()
	queue, ok := r.perSource[env.Source.Process]
	if !ok {
		queue = make(chan message.Envelope, defaultServiceInbox)
		r.perSource[env.Source.Process] = queue
		go r.drainSerialQueue(ctx, queue)
	}
	r.mu.Unlock()

	select {
	case queue <- env:
	case <-ctx.Done():
	}
}

func (r *Router) drainSerialQueue(ctx context.Context, queue chan message.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-queue:
			r.dispatch(ctx, env)
		}
	}
}

// dispatch implements invariant I-ROUTE-DENY: locality, then publicity,
// then the capability gate, then inbound capability verification.
func (r *Router) dispatch(ctx context.Context, env message.Envelope) {
	logEntry := r.log.WithMessage(env.ID, env.Source.String(), env.Target.String())

	if env.Target.Node != r.localNode {
		r.dispatchRemote(ctx, env, logEntry)
		return
	}

	r.mu.Lock()
	targetEntry, exists := r.processes[env.Target.Process]
	r.mu.Unlock()

	if !exists {
		r.dropWithError(env, nodederrors.AddressInvalid(env.Target.String()), logEntry, "no_such_process")
		return
	}

	if env.Message.Kind == message.KindResponse {
		r.routeResponse(env, logEntry)
		return
	}

	// Publicity: public targets skip the capability gate entirely.
	if !targetEntry.Public {
		gateCap := messagingCapability(env.Target)
		hasGate := r.oracle.Has(env.Source.Process, gateCap)
		hasNetwork := env.Source.Node != r.localNode && r.oracle.Has(env.Source.Process, networkCapability(r.KernelAddress()))
		if !hasGate && !hasNetwork {
			r.dropWithError(env, nodederrors.PermissionDenied(fmt.Sprintf("%s lacks a messaging capability issued by %s", env.Source, env.Target)), logEntry, "capability_gate")
			return
		}
	}

	// Inbound cap verification: any attached caps whose issuer is the
	// local node must verify, or are stripped.
	if env.Message.Request != nil {
		env.Message.Request.CapabilitiesAttached = r.oracle.VerifyAttached(env.Message.Request.CapabilitiesAttached)
	}

	if timeout, expects := requestTimeout(env); expects {
		r.trackPending(ctx, env, timeout)
	}

	r.deliverLocal(env.Target.Process, env, logEntry)
}

func requestTimeout(env message.Envelope) (time.Duration, bool) {
	if env.Message.Request == nil {
		return 0, false
	}
	return env.Message.Request.ExpectsResponse()
}

func (r *Router) dropWithError(env message.Envelope, err *nodederrors.NodeError, logEntry loggerEntry, reason string) {
	if r.metrics != nil {
		r.metrics.MessagesDropped.WithLabelValues(reason).Inc()
	}
	logEntry.Warn("dropping message: " + err.Error())

	if env.Message.Request == nil {
		return
	}
	if _, expects := env.Message.Request.ExpectsResponse(); !expects {
		return
	}
	r.sendErrorResponse(env, err)
}

func (r *Router) sendErrorResponse(env message.Envelope, err *nodederrors.NodeError) {
	body, _ := json.Marshal(map[string]any{"error": err.Kind, "message": err.Message})
	resp := message.Envelope{
		ID:     env.ID,
		Source: env.Target,
		Target: env.ReplyTo(),
		Message: message.Message{
			Kind:     message.KindResponse,
			Response: &message.Response{Body: body},
		},
	}
	// Delivered directly: the pending entry is either absent (gate drop) or
	// already removed (timeout, transport failure), so routeResponse would
	// discard it as unmatched.
	r.deliverLocal(resp.Target.Process, resp, r.log.WithMessage(resp.ID, resp.Source.String(), resp.Target.String()))
}

// routeResponse delivers a response to its pending request's rsvp/source,
// dropping it with a diagnostic if there is no matching outstanding
// request (I-REQ-ID: at most one response per request; responses without
// a match are not silently lost, they are logged and discarded).
func (r *Router) routeResponse(env message.Envelope, logEntry loggerEntry) {
	r.mu.Lock()
	pend, ok := r.pending[env.ID]
	if ok {
		delete(r.pending, env.ID)
	}
	r.mu.Unlock()

	if !ok {
		logEntry.Warn("response with no matching outstanding request, dropped")
		if r.metrics != nil {
			r.metrics.MessagesDropped.WithLabelValues("unmatched_response").Inc()
		}
		return
	}
	pend.cancel()

	if env.Target.Process != pend.replyTo.Process || env.Target.Node != pend.replyTo.Node {
		// A peer sent a response whose declared target differs from the
		// expected rsvp/source: drop per the boundary behavior in §8.
		logEntry.Warn("response target does not match expected recipient, dropped")
		return
	}

	r.deliverLocal(env.Target.Process, env, logEntry)
	if r.metrics != nil {
		r.metrics.MessagesRouted.WithLabelValues(env.Target.String()).Inc()
	}
}

func (r *Router) deliverLocal(target address.ProcessId, env message.Envelope, logEntry loggerEntry) {
	r.mu.Lock()
	inbox, ok := r.inboxes[target]
	r.mu.Unlock()
	if !ok {
		logEntry.Warn("no inbox registered for local target, dropped")
		return
	}
	select {
	case inbox <- env:
		if r.metrics != nil {
			r.metrics.MessagesRouted.WithLabelValues(target.String()).Inc()
		}
	default:
		logEntry.Warn("target inbox full, applying backpressure")
		inbox <- env // yield rather than buffer unboundedly elsewhere (I-BP)
	}
}

func (r *Router) dispatchRemote(ctx context.Context, env message.Envelope, logEntry loggerEntry) {
	if timeout, expects := requestTimeout(env); expects {
		r.trackPending(ctx, env, timeout)
	}
	if err := r.transport.Send(ctx, env); err != nil {
		r.handleTransportFailure(env, err, logEntry)
	}
}

// loggerEntry is the minimal interface the router needs from a
// *logrus.Entry, kept narrow so tests can supply a stub.
type loggerEntry interface {
	Warn(args ...any)
}

func (r *Router) handleTransportFailure(env message.Envelope, transportErr error, logEntry loggerEntry) {
	var kind *nodederrors.NodeError
	if ne, ok := transportErr.(*nodederrors.NodeError); ok {
		kind = ne
	} else {
		kind = nodederrors.Offline(env.Target.Node)
	}

	r.mu.Lock()
	pend, ok := r.pending[env.ID]
	if ok {
		delete(r.pending, env.ID)
	}
	r.mu.Unlock()
	if ok {
		pend.cancel()
	}

	if env.Message.Request == nil {
		return
	}
	if _, expects := env.Message.Request.ExpectsResponse(); !expects {
		return
	}
	r.sendErrorResponse(env, kind)
}

// trackPending spawns the one-shot timer invariant I-REQ-ID relies on: a
// synthetic Timeout response is injected if no real response arrives
// within the request's deadline.
func (r *Router) trackPending(ctx context.Context, env message.Envelope, timeout time.Duration) {
	timerCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.pending[env.ID] = &pendingRequest{replyTo: env.ReplyTo(), cancel: cancel, source: env.Source.Process}
	r.mu.Unlock()

	go func() {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-timerCtx.Done():
			return
		case <-t.C:
			r.mu.Lock()
			_, stillPending := r.pending[env.ID]
			delete(r.pending, env.ID)
			r.mu.Unlock()
			if !stillPending {
				return
			}
			if r.metrics != nil {
				r.metrics.MessageTimeouts.Inc()
			}
			r.sendErrorResponse(env, nodederrors.Timeout(env.ID))
		}
	}()
}
