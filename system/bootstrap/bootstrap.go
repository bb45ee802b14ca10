// Package bootstrap performs the one-shot, two-phase wiring described in
// spec.md §4.6: reload the persisted process table, re-sign capabilities,
// mint the baseline capability set every runtime extension holds, then
// extract the embedded package archive and grant the capabilities its
// manifests declare. Grounded on the teacher's system/bootstrap/wiring.go
// component-wiring shape (Config struct in, fully wired System out),
// adapted from HTTP/event-system wiring to kernel process/capability
// wiring.
package bootstrap

import (
	"context"
	"crypto/ed25519"
	"encoding/json"

	"github.com/R3E-Network/noded/infrastructure/errors"
	"github.com/R3E-Network/noded/infrastructure/logging"
	"github.com/R3E-Network/noded/infrastructure/store"
	"github.com/R3E-Network/noded/system/address"
	"github.com/R3E-Network/noded/system/capability"
	"github.com/R3E-Network/noded/system/kernel"
	"github.com/R3E-Network/noded/system/vfs"
)

const processBucket = "kernel_processes"
const processMapKey = "process_map"

// persistedProcess is the JSON-on-disk shape of one kernel.ProcessEntry,
// the kernel/ "RocksDB process-map" persisted-state entry from spec.md §6.
type persistedProcess struct {
	ID         address.ProcessId    `json:"id"`
	CodeHandle string               `json:"code_handle"`
	ABIVersion int                  `json:"abi_version"`
	OnExit     kernel.OnExitPolicy  `json:"on_exit"`
	Public     bool                 `json:"public"`
	Caps       []capability.Capability `json:"caps"`
}

// Config describes everything bootstrap needs to wire the kernel, the
// capability oracle, and the package VFS at first boot.
type Config struct {
	Home string

	Router *kernel.Router
	Oracle *capability.Oracle
	VFS    *vfs.VFS
	Store  *store.Store
	Log    *logging.Logger

	// RuntimeExtensions is every non-kernel runtime service's pseudo
	// ProcessId (eth multiplexer, identity indexer, package indexer, …).
	// Each receives, and issues, the baseline "messaging" capability to
	// every other entry in this list, per spec.md §4.6 step 4.
	RuntimeExtensions []address.ProcessId

	// ArchiveData is the embedded package archive, if this boot should
	// extract one (nil skips step 5/6 entirely — a re-boot of an
	// already-bootstrapped home directory does not need to re-extract).
	ArchiveData []byte
}

// Bootstrap runs the cold-boot sequence once; Run is idempotent only in
// the sense that re-running re-extracts the archive (clearing each
// package's VFS tree again), matching "clears its VFS directory" in
// spec.md §4.6 step 5.
type Bootstrap struct {
	cfg Config
}

func New(cfg Config) *Bootstrap {
	return &Bootstrap{cfg: cfg}
}

// Run executes the full six-step sequence from spec.md §4.6. networkKey
// and networkKeyFingerprint identify the node's current signing key; key
// derivation itself is out of scope (spec.md §1), so bootstrap only
// consumes the material, never produces it.
func (b *Bootstrap) Run(ctx context.Context, networkKey ed25519.PrivateKey, networkKeyFingerprint string) error {
	if err := b.reloadProcessMap(); err != nil {
		return err
	}

	b.cfg.Oracle.ReSignAll(networkKey, networkKeyFingerprint)

	b.mintBaselineCapabilities()

	if b.cfg.ArchiveData != nil {
		if err := b.extractArchive(); err != nil {
			return err
		}
	}

	return nil
}

// reloadProcessMap deserializes the persisted process table (if present),
// purges entries whose ProcessId fails I-ID, and re-inserts the rest into
// the router.
func (b *Bootstrap) reloadProcessMap() error {
	bucket, err := b.cfg.Store.Bucket(processBucket)
	if err != nil {
		return err
	}

	raw, ok, err := bucket.Get(processMapKey)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	var entries []persistedProcess
	if err := json.Unmarshal(raw, &entries); err != nil {
		return errors.MalformedRequest("persisted process map did not parse: " + err.Error())
	}

	var kept []persistedProcess
	for _, e := range entries {
		if err := e.ID.Validate(); err != nil {
			b.cfg.Log.WithFields(map[string]interface{}{"process": e.ID.String()}).Warn("purging process entry failing I-ID")
			continue
		}
		if err := b.cfg.Router.InitializeProcess(e.ID, e.CodeHandle, e.ABIVersion, e.OnExit, e.Caps, e.Public); err != nil {
			b.cfg.Log.WithError(err).Warn("failed to reinitialize persisted process, dropping")
			continue
		}
		kept = append(kept, e)
	}

	return b.persistProcessMap(kept)
}

func (b *Bootstrap) persistProcessMap(entries []persistedProcess) error {
	bucket, err := b.cfg.Store.Bucket(processBucket)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return bucket.Put(processMapKey, raw)
}

// mintBaselineCapabilities grants every holder a "messaging" capability
// issued by every other holder, plus (for every holder but the kernel
// itself) the kernel's "network" capability,
// per spec.md §4.6 step 4 ("kernel, net, and every registered runtime
// extension"). The kernel itself is folded into the holder set alongside
// RuntimeExtensions; there is no separate `net` process in this
// implementation (the wire transport is an external collaborator per
// spec.md §1's Non-goals), so the holder set here is kernel plus every
// registered runtime extension, not kernel/net/extensions as named
// verbatim. Every runtime extension receives the full baseline set; user
// processes (extracted from the package archive) do not.
func (b *Bootstrap) mintBaselineCapabilities() {
	kernelAddr := b.cfg.Router.KernelAddress()
	netCap := capability.Capability{Issuer: kernelAddr, Params: `{"class":"network"}`}

	holders := append([]address.ProcessId{kernelAddr.Process}, b.cfg.RuntimeExtensions...)

	for _, holder := range holders {
		var caps []capability.Capability
		if holder != kernelAddr.Process {
			caps = append(caps, netCap)
		}
		for _, issuer := range holders {
			if issuer == holder {
				continue
			}
			caps = append(caps, capability.Capability{
				Issuer: address.Address{Node: kernelAddr.Node, Process: issuer},
				Params: `{"class":"messaging"}`,
			})
		}
		b.cfg.Oracle.Add(holder, caps, nil)
	}
}

// extractArchive runs spec.md §4.6 steps 5 and 6: extract every package,
// initialize its declared processes, then walk grant_capabilities.
func (b *Bootstrap) extractArchive() error {
	packages, err := b.cfg.VFS.ExtractArchive(b.cfg.ArchiveData)
	if err != nil {
		return err
	}

	node := b.cfg.Router.KernelAddress().Node

	// processByName resolves a manifest's process_name to the ProcessId it
	// was initialized under, scoped to the package currently being walked.
	for _, pkg := range packages {
		processByName := make(map[string]address.ProcessId, len(pkg.Manifest))
		for _, entry := range pkg.Manifest {
			id := address.ProcessId{Name: entry.ProcessName, Package: pkg.Package, Publisher: pkg.Publisher}
			if err := id.Validate(); err != nil {
				return errors.AddressInvalid(id.String())
			}
			processByName[entry.ProcessName] = id

			policy := resolveOnExit(entry.OnExit, node, pkg.Package, pkg.Publisher)

			// Requested capabilities are minted out of thin air at
			// bootstrap: the process simply receives a capability with
			// those params issued by itself, since no other process has
			// vouched for the request yet and bootstrap precedes any
			// user code running.
			var initialCaps []capability.Capability
			selfAddr := address.Address{Node: node, Process: id}
			for _, params := range entry.RequestCapabilities {
				initialCaps = append(initialCaps, capability.Capability{Issuer: selfAddr, Params: params})
			}

			if err := b.cfg.Router.InitializeProcess(id, entry.ProcessWasmPath, 1, policy, initialCaps, entry.Public); err != nil {
				return err
			}
		}

		// Second pass: grant_capabilities, now that every process_name in
		// this package resolves to a ProcessId.
		for _, entry := range pkg.Manifest {
			issuerID, ok := processByName[entry.ProcessName]
			if !ok {
				continue
			}
			issuerAddr := address.Address{Node: node, Process: issuerID}
			for _, grant := range entry.GrantCapabilities {
				targetID, ok := processByName[grant.Target]
				if !ok {
					continue
				}
				b.cfg.Oracle.Add(targetID, []capability.Capability{{Issuer: issuerAddr, Params: grant.Params}}, nil)
			}
		}
	}
	return nil
}

func resolveOnExit(spec vfs.OnExitSpec, node, pkg, publisher string) kernel.OnExitPolicy {
	switch spec.Kind {
	case "restart":
		return kernel.OnExitPolicy{Kind: kernel.OnExitRestart}
	case "requests":
		var reqs []kernel.PendingRequest
		for _, r := range spec.Requests {
			reqs = append(reqs, kernel.PendingRequest{
				Target:  address.Address{Node: node, Process: address.ProcessId{Name: r.ProcessName, Package: pkg, Publisher: publisher}},
				Body:    r.Body,
				Timeout: r.TimeoutSecs,
			})
		}
		return kernel.OnExitPolicy{Kind: kernel.OnExitRequests, Requests: reqs}
	default:
		return kernel.OnExitPolicy{Kind: kernel.OnExitNone}
	}
}
