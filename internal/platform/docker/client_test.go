package docker

import (
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
)

func TestContainerConfig(t *testing.T) {
	cfg, hostCfg := containerConfig(SidecarSpec{
		Image:     "goclip/engine:latest",
		ModelName: "openai/clip-vit-base-patch16",
	})

	assert.Equal(t, "goclip/engine:latest", cfg.Image)
	assert.Equal(t, []string{"CLIP_MODEL_NAME=openai/clip-vit-base-patch16"}, cfg.Env)
	assert.Equal(t, container.NetworkMode("host"), hostCfg.NetworkMode)
	assert.Empty(t, hostCfg.Resources.DeviceRequests)
}

func TestContainerConfig_GPU(t *testing.T) {
	_, hostCfg := containerConfig(SidecarSpec{Image: "goclip/engine:latest", GPU: true})

	if assert.Len(t, hostCfg.Resources.DeviceRequests, 1) {
		req := hostCfg.Resources.DeviceRequests[0]
		assert.Equal(t, -1, req.Count)
		assert.Equal(t, [][]string{{"gpu"}}, req.Capabilities)
	}
}
