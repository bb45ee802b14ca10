package vfs

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"

	"github.com/R3E-Network/noded/infrastructure/errors"
)

// PackageMetadata is one entry of the outer archive's file_to_metadata.json,
// an ERC-721-style metadata struct describing the inner package zip.
type PackageMetadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Image       string `json:"image"`
}

// OnExitSpec mirrors the manifest's on_exit field before it is translated
// into a kernel.OnExitPolicy (request bodies in a manifest are raw JSON,
// resolved against process names rather than addresses, so bootstrap
// resolves them after every process in the archive is known).
type OnExitSpec struct {
	Kind     string            `json:"kind"`
	Requests []ManifestRequest `json:"requests"`
}

// ManifestRequest is one on_exit Requests entry, addressed by process name
// within the same package rather than a resolved Address.
type ManifestRequest struct {
	ProcessName string          `json:"process_name"`
	Body        json.RawMessage `json:"body"`
	TimeoutSecs *uint64         `json:"timeout_secs"`
}

// GrantCapability is one manifest grant_capabilities entry: the granting
// process (implicit, the manifest entry's own process_name) issues a
// capability with the given params to target.
type GrantCapability struct {
	Target string `json:"process"`
	Params string `json:"params"`
}

// ManifestEntry is one process declaration inside a package's manifest.json.
type ManifestEntry struct {
	ProcessName         string            `json:"process_name"`
	ProcessWasmPath     string            `json:"process_wasm_path"`
	OnExit              OnExitSpec        `json:"on_exit"`
	RequestCapabilities []string          `json:"request_capabilities"`
	GrantCapabilities   []GrantCapability `json:"grant_capabilities"`
	RequestNetworking   bool              `json:"request_networking"`
	Public              bool              `json:"public"`
}

// ExtractedPackage is the result of extracting one inner zip: its publisher
// (taken from PackageMetadata.Name, "pkg:publisher" split) and manifest.
type ExtractedPackage struct {
	Package   string
	Publisher string
	Manifest  []ManifestEntry
}

// ExtractArchive unpacks the outer ZIP-of-ZIPs (spec: "outer ZIP with
// top-level entry file_to_metadata.json mapping inner-zip filename to
// metadata; each inner entry is a ZIP containing manifest.json and process
// code blobs") into v's root, returning one ExtractedPackage per inner zip.
func (v *VFS) ExtractArchive(data []byte) ([]ExtractedPackage, error) {
	outer, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errors.MalformedRequest("package archive is not a valid zip: " + err.Error())
	}

	fileToMetadata, err := readFileToMetadata(outer)
	if err != nil {
		return nil, err
	}

	var out []ExtractedPackage
	for _, f := range outer.File {
		if f.Name == "file_to_metadata.json" {
			continue
		}
		meta, ok := fileToMetadata[f.Name]
		if !ok {
			continue
		}
		pkg, publisher := splitPackageName(meta.Name)

		innerData, err := readZipEntry(f)
		if err != nil {
			return nil, errors.Wrap(errors.KindIO, "reading inner archive entry", err).WithDetails("entry", f.Name)
		}

		manifest, err := v.extractInner(pkg, publisher, innerData)
		if err != nil {
			return nil, err
		}
		out = append(out, ExtractedPackage{Package: pkg, Publisher: publisher, Manifest: manifest})
	}
	return out, nil
}

func readFileToMetadata(outer *zip.Reader) (map[string]PackageMetadata, error) {
	for _, f := range outer.File {
		if f.Name != "file_to_metadata.json" {
			continue
		}
		raw, err := readZipEntry(f)
		if err != nil {
			return nil, errors.Wrap(errors.KindIO, "reading file_to_metadata.json", err)
		}
		var m map[string]PackageMetadata
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, errors.MalformedRequest("file_to_metadata.json did not parse: " + err.Error())
		}
		return m, nil
	}
	return nil, errors.MalformedRequest("package archive missing file_to_metadata.json")
}

// extractInner clears pkg's directory, writes the inner zip's raw bytes
// and every extracted entry, then parses and returns manifest.json.
func (v *VFS) extractInner(pkg, publisher string, innerData []byte) ([]ManifestEntry, error) {
	if err := v.ClearPackage(pkg, publisher); err != nil {
		return nil, err
	}

	// The inner zip itself is kept alongside its own extracted contents,
	// inside pkg/ named "<pkg>:<publisher>.zip", for sharing with others.
	if err := v.WriteFile(pkg, publisher, packageDir(pkg, publisher)+".zip", innerData); err != nil {
		return nil, err
	}

	inner, err := zip.NewReader(bytes.NewReader(innerData), int64(len(innerData)))
	if err != nil {
		return nil, errors.MalformedRequest("inner package archive is not a valid zip: " + err.Error())
	}

	var manifest []ManifestEntry
	for _, f := range inner.File {
		if f.FileInfo().IsDir() {
			continue
		}
		raw, err := readZipEntry(f)
		if err != nil {
			return nil, errors.Wrap(errors.KindIO, "reading inner entry", err).WithDetails("entry", f.Name)
		}
		if err := v.WriteFile(pkg, publisher, f.Name, raw); err != nil {
			return nil, err
		}
		if f.Name == "manifest.json" {
			if err := json.Unmarshal(raw, &manifest); err != nil {
				return nil, errors.MalformedRequest("manifest.json did not parse: " + err.Error())
			}
		}
	}
	if manifest == nil {
		return nil, errors.MalformedRequest("package " + pkg + ":" + publisher + " has no manifest.json")
	}
	return manifest, nil
}

func readZipEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// splitPackageName splits "pkg:publisher" metadata names; a name without a
// colon is treated as the package with an empty publisher.
func splitPackageName(name string) (pkg, publisher string) {
	for i := 0; i < len(name); i++ {
		if name[i] == ':' {
			return name[:i], name[i+1:]
		}
	}
	return name, ""
}
