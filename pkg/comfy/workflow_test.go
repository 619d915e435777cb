package comfy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(v int) *int          { return &v }
func strp(v string) *string    { return &v }
func floatp(v float64) *float64 { return &v }

func TestBuildImageWorkflow(t *testing.T) {
	w := BuildImageWorkflow("a red fox", GraphParams{
		Width:  intp(1024),
		Height: intp(768),
		Steps:  intp(30),
		Model:  strp("anime-v3.safetensors"),
	})

	latent := w["4"]
	require.Equal(t, "EmptyLatentImage", latent.ClassType)
	assert.Equal(t, 1024, latent.Inputs["width"])
	assert.Equal(t, 768, latent.Inputs["height"])
	assert.Equal(t, 1, latent.Inputs["batch_size"], "unset batch size defaults to 1")

	sampler := w["5"]
	assert.Equal(t, 30, sampler.Inputs["steps"])
	assert.Equal(t, 7.0, sampler.Inputs["cfg"], "unset cfg keeps default")

	assert.Equal(t, "anime-v3.safetensors", w["1"].Inputs["ckpt_name"])
	assert.Equal(t, "a red fox", w["2"].Inputs["text"])
	assert.Equal(t, "SaveImage", w["7"].ClassType)
}

func TestBuildVideoWorkflow(t *testing.T) {
	w := BuildVideoWorkflow("ocean waves", GraphParams{Frames: intp(24)})

	assert.Equal(t, 24, w["4"].Inputs["batch_size"], "frames ride the latent batch dimension")
	assert.Equal(t, "SaveAnimatedWEBP", w["7"].ClassType)
}

func TestApplyParamsOnlyTouchesSetFields(t *testing.T) {
	w := BuildImageWorkflow("prompt", GraphParams{
		Width:  intp(2048),
		Height: intp(2048),
		Steps:  intp(40),
	})

	ApplyParams(w, GraphParams{
		Width:  intp(1024),
		Height: intp(1024),
		Model:  strp("fallback.safetensors"),
	})

	assert.Equal(t, 1024, w["4"].Inputs["width"])
	assert.Equal(t, 1024, w["4"].Inputs["height"])
	assert.Equal(t, 40, w["5"].Inputs["steps"], "steps not in the patch, left alone")
	assert.Equal(t, "fallback.safetensors", w["1"].Inputs["ckpt_name"])
}

func TestApplyParamsCFGAndSampler(t *testing.T) {
	w := BuildImageWorkflow("prompt", GraphParams{})

	ApplyParams(w, GraphParams{CFGScale: floatp(5.5), Sampler: strp("dpmpp_2m")})

	assert.Equal(t, 5.5, w["5"].Inputs["cfg"])
	assert.Equal(t, "dpmpp_2m", w["5"].Inputs["sampler_name"])
}

func TestWorkflowClone(t *testing.T) {
	w := BuildImageWorkflow("prompt", GraphParams{Width: intp(512)})

	clone := w.Clone()
	ApplyParams(clone, GraphParams{Width: intp(256)})

	assert.Equal(t, 256, clone["4"].Inputs["width"])
	assert.Equal(t, 512, w["4"].Inputs["width"], "patching the clone leaves the source intact")

	assert.Nil(t, Workflow(nil).Clone())
}
