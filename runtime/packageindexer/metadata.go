package packageindexer

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/R3E-Network/noded/infrastructure/chain"
)

// maxMetadataBytes bounds the metadata document fetch, matching the kind of
// defensive cap the teacher applies to its own HTTP response bodies.
const maxMetadataBytes = 4 << 20

// Fetcher is the narrow HTTP surface the metadata verifier needs.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

func defaultFetcher() Fetcher {
	return &http.Client{Timeout: 30 * time.Second}
}

// fetchAndVerifyMetadata retrieves uri's body over HTTP(S) and checks its
// keccak256 digest against expectedHash (hex, optionally 0x-prefixed)
// before the caller is allowed to accept it into a listing.
func fetchAndVerifyMetadata(ctx context.Context, fetcher Fetcher, uri, expectedHash string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", fmt.Errorf("packageindexer: build metadata request: %w", err)
	}
	resp, err := fetcher.Do(req)
	if err != nil {
		return "", fmt.Errorf("packageindexer: fetch metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("packageindexer: metadata fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes+1))
	if err != nil {
		return "", fmt.Errorf("packageindexer: read metadata body: %w", err)
	}
	if len(body) > maxMetadataBytes {
		return "", fmt.Errorf("packageindexer: metadata body exceeds %d bytes", maxMetadataBytes)
	}

	digest := hex.EncodeToString(chain.Keccak256(body))
	want := strings.ToLower(strings.TrimPrefix(expectedHash, "0x"))
	if digest != want {
		return "", fmt.Errorf("packageindexer: metadata hash mismatch: got %s want %s", digest, want)
	}
	return string(body), nil
}
