// Package docker runs the embedding engine sidecar as a local container.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// SidecarSpec describes the engine container to launch.
type SidecarSpec struct {
	Image     string
	ModelName string
	// GPU requests every available GPU from the daemon.
	GPU bool
}

// Client wraps the official Docker SDK client.
type Client struct {
	cli *client.Client
}

// NewClient initializes a Docker client and verifies the daemon is reachable.
func NewClient(ctx context.Context) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	slog.Info("Docker Client initialized successfully")
	return &Client{cli: cli}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Sidecar is a running engine container.
type Sidecar struct {
	cli *client.Client
	ID  string
}

// StartSidecar pulls the image, then creates and starts the engine container.
// The container shares the host network so the engine URL stays the same
// whether or not it was launched from here.
func (c *Client) StartSidecar(ctx context.Context, spec SidecarSpec) (*Sidecar, error) {
	slog.Info("Pulling image", "image", spec.Image)
	reader, err := c.cli.ImagePull(ctx, spec.Image, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", spec.Image, err)
	}
	// Drain the response body to ensure the pull completes properly.
	_, err = io.Copy(io.Discard, reader)
	reader.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", spec.Image, err)
	}

	cfg, hostCfg := containerConfig(spec)
	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	slog.Info("Container created successfully", "containerID", resp.ID)

	sc := &Sidecar{cli: c.cli, ID: resp.ID}
	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best effort; the create already succeeded.
		if rmErr := sc.Stop(context.WithoutCancel(ctx)); rmErr != nil {
			slog.Warn("Failed to remove unstarted container", "containerID", resp.ID, "error", rmErr)
		}
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	slog.Info("Engine sidecar started", "containerID", resp.ID, "model", spec.ModelName, "gpu", spec.GPU)
	return sc, nil
}

// Stop stops and removes the container.
func (s *Sidecar) Stop(ctx context.Context) error {
	if err := s.cli.ContainerStop(ctx, s.ID, container.StopOptions{}); err != nil {
		slog.Warn("Failed to stop container", "containerID", s.ID, "error", err)
	}
	if err := s.cli.ContainerRemove(ctx, s.ID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", s.ID, err)
	}
	slog.Info("Engine sidecar removed", "containerID", s.ID)
	return nil
}

func containerConfig(spec SidecarSpec) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image: spec.Image,
		Env:   []string{"CLIP_MODEL_NAME=" + spec.ModelName},
	}

	hostCfg := &container.HostConfig{
		NetworkMode: "host",
	}
	if spec.GPU {
		hostCfg.Resources.DeviceRequests = []container.DeviceRequest{
			{Count: -1, Capabilities: [][]string{{"gpu"}}},
		}
	}
	return cfg, hostCfg
}
