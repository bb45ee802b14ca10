package main

import (
	"context"

	"github.com/R3E-Network/noded/infrastructure/errors"
	"github.com/R3E-Network/noded/infrastructure/logging"
	"github.com/R3E-Network/noded/system/address"
	"github.com/R3E-Network/noded/system/message"
)

// unimplementedHost is the kernel.ProcessHost used when no WASM execution
// engine is wired in: spec.md §1 scopes "defining user-process contents"
// out, so initializing or starting a process is accepted (the process
// entry exists in the router and can hold capabilities and be targeted by
// messages) but nothing ever actually runs its code.
type unimplementedHost struct {
	log *logging.Logger
}

func newUnimplementedHost(log *logging.Logger) *unimplementedHost {
	return &unimplementedHost{log: log}
}

func (h *unimplementedHost) Initialize(id address.ProcessId, codeHandle string, abiVersion int) error {
	h.log.WithFields(map[string]interface{}{"process": id.String(), "code_handle": codeHandle}).
		Debug("process initialized with no execution engine attached")
	return nil
}

func (h *unimplementedHost) Start(id address.ProcessId) error {
	return nil
}

func (h *unimplementedHost) Stop(id address.ProcessId) error {
	return nil
}

// localTransport is the kernel.Transport used when no inter-node wire
// protocol is wired in: spec.md §1 scopes "defining a wire protocol for
// inter-node transport" out, so every remote send fails as Offline, which
// the router already turns into a synthetic error response on the
// original request.
type localTransport struct{}

func (localTransport) Send(ctx context.Context, env message.Envelope) error {
	return errors.Offline(env.Target.Node)
}
