package artifactcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

////////////////////////////////////////////////////////////////////////////////

// ErrDownloadFailed marks a bundle that could not be fetched. The cache
// guarantees no entry directory exists for a failed download.
var ErrDownloadFailed = errors.New("artifact download failed")

// Fetcher downloads one bundle to a local path.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string) error
}

////////////////////////////////////////////////////////////////////////////////

// CurlFetcher shells out to curl. Build archives sit behind redirecting
// CDNs and corporate proxies; curl picks all of that up from the ambient
// environment on both developer machines and CI bots.
type CurlFetcher struct {
	Tool    string
	Retries int
}

func NewCurlFetcher() *CurlFetcher {
	return &CurlFetcher{Tool: "curl", Retries: 3}
}

func (f *CurlFetcher) Fetch(ctx context.Context, url, dest string) error {
	args := []string{
		"--fail",
		"--silent",
		"--show-error",
		"--location",
		"--retry", strconv.Itoa(f.Retries),
		"--output", dest,
		url,
	}

	cmd := exec.CommandContext(ctx, f.Tool, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return fmt.Errorf("%w: %s: %s", ErrDownloadFailed, url, detail)
	}
	return nil
}
