package scanner

import (
	"context"
	"fmt"

	"github.com/docker/docker/client"

	"github.com/fortline/verifier/registry/oci"
)

// DockerSource implements VulnerabilitySource against the local Docker
// daemon's image inspection API. It reports layer history and image size
// directly from the engine; it carries no CVE feed of its own, so
// Vulnerabilities is always empty here — a real deployment pairs this with
// a dedicated scanning engine's results merged in by the caller.
type DockerSource struct {
	cli *client.Client
}

// NewDockerSource opens a client against the local Docker daemon using the
// standard DOCKER_HOST/DOCKER_* environment conventions, the same
// construction as backtest.NewContainerRunner.
func NewDockerSource() (*DockerSource, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("scanner: opening docker client: %w", err)
	}
	return &DockerSource{cli: cli}, nil
}

// Inspect implements VulnerabilitySource.
func (s *DockerSource) Inspect(ctx context.Context, ref oci.Reference) ([]Layer, int64, []Vulnerability, error) {
	name := ref.String()

	inspect, _, err := s.cli.ImageInspectWithRaw(ctx, name)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("scanner: inspecting %s: %w", name, err)
	}

	history, err := s.cli.ImageHistory(ctx, name)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("scanner: reading history for %s: %w", name, err)
	}

	layers := make([]Layer, 0, len(history))
	for _, h := range history {
		layers = append(layers, Layer{Command: h.CreatedBy, Bytes: h.Size})
	}

	// No CVE feed wired here; Report.Vulnerabilities stays empty and the
	// security category degrades accordingly.
	return layers, inspect.Size, nil, nil
}
