package comfy

// Workflow is a node graph keyed by node id, in the backend's API format
type Workflow map[string]Node

// Node is one step of a workflow graph
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// Clone copies the graph one input-map deep, enough for ApplyParams on the
// copy to leave the original untouched. Nested link slices are shared.
func (w Workflow) Clone() Workflow {
	if w == nil {
		return nil
	}
	out := make(Workflow, len(w))
	for id, node := range w {
		inputs := make(map[string]any, len(node.Inputs))
		for k, v := range node.Inputs {
			inputs[k] = v
		}
		out[id] = Node{ClassType: node.ClassType, Inputs: inputs}
	}
	return out
}

// GraphParams are the generation knobs the builder and patcher understand.
// Nil fields leave the corresponding node inputs at their defaults.
type GraphParams struct {
	Width     *int
	Height    *int
	Steps     *int
	BatchSize *int
	Frames    *int
	CFGScale  *float64
	Seed      *int64
	Model     *string
	Sampler   *string
}

func intOr(v *int, def int) int {
	if v != nil {
		return *v
	}
	return def
}

func floatOr(v *float64, def float64) float64 {
	if v != nil {
		return *v
	}
	return def
}

func strOr(v *string, def string) string {
	if v != nil {
		return *v
	}
	return def
}

func int64Or(v *int64, def int64) int64 {
	if v != nil {
		return *v
	}
	return def
}

// BuildImageWorkflow assembles the standard text-to-image graph.
func BuildImageWorkflow(prompt string, p GraphParams) Workflow {
	w := Workflow{
		"1": {ClassType: "CheckpointLoaderSimple", Inputs: map[string]any{
			"ckpt_name": strOr(p.Model, "v1-5-pruned-emaonly.safetensors"),
		}},
		"2": {ClassType: "CLIPTextEncode", Inputs: map[string]any{
			"text": prompt,
			"clip": []any{"1", 1},
		}},
		"3": {ClassType: "CLIPTextEncode", Inputs: map[string]any{
			"text": "",
			"clip": []any{"1", 1},
		}},
		"4": {ClassType: "EmptyLatentImage", Inputs: map[string]any{
			"width":      intOr(p.Width, 512),
			"height":     intOr(p.Height, 512),
			"batch_size": intOr(p.BatchSize, 1),
		}},
		"5": {ClassType: "KSampler", Inputs: map[string]any{
			"seed":         int64Or(p.Seed, 0),
			"steps":        intOr(p.Steps, 20),
			"cfg":          floatOr(p.CFGScale, 7.0),
			"sampler_name": strOr(p.Sampler, "euler"),
			"scheduler":    "normal",
			"denoise":      1.0,
			"model":        []any{"1", 0},
			"positive":     []any{"2", 0},
			"negative":     []any{"3", 0},
			"latent_image": []any{"4", 0},
		}},
		"6": {ClassType: "VAEDecode", Inputs: map[string]any{
			"samples": []any{"5", 0},
			"vae":     []any{"1", 2},
		}},
		"7": {ClassType: "SaveImage", Inputs: map[string]any{
			"images":          []any{"6", 0},
			"filename_prefix": "kiln",
		}},
	}
	return w
}

// BuildVideoWorkflow assembles an animation graph. The frame count rides the
// latent batch dimension, which is how animation pipelines consume it.
func BuildVideoWorkflow(prompt string, p GraphParams) Workflow {
	w := BuildImageWorkflow(prompt, p)
	w["4"].Inputs["batch_size"] = intOr(p.Frames, 16)
	w["7"] = Node{ClassType: "SaveAnimatedWEBP", Inputs: map[string]any{
		"images":          []any{"6", 0},
		"filename_prefix": "kiln",
		"fps":             8.0,
		"lossless":        false,
		"quality":         90,
		"method":          "default",
	}}
	return w
}

// ApplyParams patches the knobs in p onto an existing graph in place. Nodes
// are located by class, and only non-nil fields are written, so a resumed or
// hand-built graph keeps everything else intact.
func ApplyParams(w Workflow, p GraphParams) {
	for _, node := range w {
		switch node.ClassType {
		case "EmptyLatentImage":
			if p.Width != nil {
				node.Inputs["width"] = *p.Width
			}
			if p.Height != nil {
				node.Inputs["height"] = *p.Height
			}
			if p.Frames != nil {
				node.Inputs["batch_size"] = *p.Frames
			} else if p.BatchSize != nil {
				node.Inputs["batch_size"] = *p.BatchSize
			}
		case "KSampler", "KSamplerAdvanced":
			if p.Steps != nil {
				node.Inputs["steps"] = *p.Steps
			}
			if p.CFGScale != nil {
				node.Inputs["cfg"] = *p.CFGScale
			}
			if p.Seed != nil {
				node.Inputs["seed"] = *p.Seed
			}
			if p.Sampler != nil {
				node.Inputs["sampler_name"] = *p.Sampler
			}
		case "CheckpointLoaderSimple":
			if p.Model != nil {
				node.Inputs["ckpt_name"] = *p.Model
			}
		}
	}
}
