// Package address implements the node's canonical identifiers: ProcessId,
// Address, and the I-ID identifier grammar invariant.
package address

import (
	"fmt"
	"regexp"
	"strings"
)

// identifierPattern matches the grammar required by invariant I-ID:
// [a-z0-9-]+, with '.' permitted only within the publisher component.
var identifierPattern = regexp.MustCompile(`^[a-z0-9-]+$`)
var publisherPattern = regexp.MustCompile(`^[a-z0-9-]+(\.[a-z0-9-]+)*$`)

// ProcessId identifies a process by its (name, package, publisher) triple.
type ProcessId struct {
	Name      string
	Package   string
	Publisher string
}

// String renders the canonical "name:package:publisher" form.
func (p ProcessId) String() string {
	return fmt.Sprintf("%s:%s:%s", p.Name, p.Package, p.Publisher)
}

// Validate enforces invariant I-ID: name and package are restricted to
// [a-z0-9-]; publisher additionally permits '.' as a component separator.
func (p ProcessId) Validate() error {
	if !identifierPattern.MatchString(p.Name) {
		return fmt.Errorf("address: process name %q violates I-ID", p.Name)
	}
	if !identifierPattern.MatchString(p.Package) {
		return fmt.Errorf("address: package %q violates I-ID", p.Package)
	}
	if !publisherPattern.MatchString(p.Publisher) {
		return fmt.Errorf("address: publisher %q violates I-ID", p.Publisher)
	}
	return nil
}

// ParseProcessId parses the canonical "name:package:publisher" form.
func ParseProcessId(s string) (ProcessId, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return ProcessId{}, fmt.Errorf("address: %q is not name:package:publisher", s)
	}
	pid := ProcessId{Name: parts[0], Package: parts[1], Publisher: parts[2]}
	if err := pid.Validate(); err != nil {
		return ProcessId{}, err
	}
	return pid, nil
}

// ValidateLabel enforces I-ID for a bare label (used by the identity
// indexer when validating chain-log Mint labels before composing a name).
func ValidateLabel(label string) error {
	if !identifierPattern.MatchString(label) {
		return fmt.Errorf("address: label %q violates I-ID", label)
	}
	return nil
}

// Address is a (node, process) pair; node is opaque and may be local or
// remote, with locality resolved by the kernel router at dispatch time.
type Address struct {
	Node    string
	Process ProcessId
}

// String renders "node/name:package:publisher".
func (a Address) String() string {
	return fmt.Sprintf("%s/%s", a.Node, a.Process.String())
}

// Equal reports whether two addresses refer to the same (node, process).
func (a Address) Equal(other Address) bool {
	return a.Node == other.Node && a.Process == other.Process
}
