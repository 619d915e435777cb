package model

// ParamField identifies one adjustable generation parameter
type ParamField string

const (
	FieldWidth     ParamField = "width"
	FieldHeight    ParamField = "height"
	FieldSteps     ParamField = "steps"
	FieldBatchSize ParamField = "batch_size"
	FieldFrames    ParamField = "frames"
	FieldCFGScale  ParamField = "cfg_scale"
	FieldSeed      ParamField = "seed"
	FieldModel     ParamField = "model"
	FieldSampler   ParamField = "sampler"
)

// GenerationParams carries the knobs a job sends to the backend. Pointer
// fields distinguish "absent" from zero so recovery adjustments only touch
// what the caller actually set.
type GenerationParams struct {
	Width     *int     `bson:"width,omitempty" json:"width,omitempty"`
	Height    *int     `bson:"height,omitempty" json:"height,omitempty"`
	Steps     *int     `bson:"steps,omitempty" json:"steps,omitempty"`
	BatchSize *int     `bson:"batch_size,omitempty" json:"batch_size,omitempty"`
	Frames    *int     `bson:"frames,omitempty" json:"frames,omitempty"`
	CFGScale  *float64 `bson:"cfg_scale,omitempty" json:"cfg_scale,omitempty"`
	Seed      *int64   `bson:"seed,omitempty" json:"seed,omitempty"`
	Model     *string  `bson:"model,omitempty" json:"model,omitempty"`
	Sampler   *string  `bson:"sampler,omitempty" json:"sampler,omitempty"`
}

// Ptr returns a pointer to v. Convenience for building params literals.
func Ptr[T any](v T) *T {
	return &v
}

// Clone returns a deep copy; mutating the copy never aliases the original.
func (p GenerationParams) Clone() GenerationParams {
	out := p
	if p.Width != nil {
		out.Width = Ptr(*p.Width)
	}
	if p.Height != nil {
		out.Height = Ptr(*p.Height)
	}
	if p.Steps != nil {
		out.Steps = Ptr(*p.Steps)
	}
	if p.BatchSize != nil {
		out.BatchSize = Ptr(*p.BatchSize)
	}
	if p.Frames != nil {
		out.Frames = Ptr(*p.Frames)
	}
	if p.CFGScale != nil {
		out.CFGScale = Ptr(*p.CFGScale)
	}
	if p.Seed != nil {
		out.Seed = Ptr(*p.Seed)
	}
	if p.Model != nil {
		out.Model = Ptr(*p.Model)
	}
	if p.Sampler != nil {
		out.Sampler = Ptr(*p.Sampler)
	}
	return out
}

// Number returns the numeric value of field and whether the caller set it.
// Integer fields are widened to float64 so adjustment math has one shape.
func (p GenerationParams) Number(field ParamField) (float64, bool) {
	switch field {
	case FieldWidth:
		if p.Width != nil {
			return float64(*p.Width), true
		}
	case FieldHeight:
		if p.Height != nil {
			return float64(*p.Height), true
		}
	case FieldSteps:
		if p.Steps != nil {
			return float64(*p.Steps), true
		}
	case FieldBatchSize:
		if p.BatchSize != nil {
			return float64(*p.BatchSize), true
		}
	case FieldFrames:
		if p.Frames != nil {
			return float64(*p.Frames), true
		}
	case FieldCFGScale:
		if p.CFGScale != nil {
			return *p.CFGScale, true
		}
	}
	return 0, false
}

// SetNumber stores v into field, truncating for integer-typed fields. Fields
// the struct does not model numerically are ignored.
func (p *GenerationParams) SetNumber(field ParamField, v float64) {
	switch field {
	case FieldWidth:
		p.Width = Ptr(int(v))
	case FieldHeight:
		p.Height = Ptr(int(v))
	case FieldSteps:
		p.Steps = Ptr(int(v))
	case FieldBatchSize:
		p.BatchSize = Ptr(int(v))
	case FieldFrames:
		p.Frames = Ptr(int(v))
	case FieldCFGScale:
		p.CFGScale = Ptr(v)
	}
}

// Text returns the string value of field and whether the caller set it.
func (p GenerationParams) Text(field ParamField) (string, bool) {
	switch field {
	case FieldModel:
		if p.Model != nil {
			return *p.Model, true
		}
	case FieldSampler:
		if p.Sampler != nil {
			return *p.Sampler, true
		}
	}
	return "", false
}

// SetText stores v into field. Non-string fields are ignored.
func (p *GenerationParams) SetText(field ParamField, v string) {
	switch field {
	case FieldModel:
		p.Model = Ptr(v)
	case FieldSampler:
		p.Sampler = Ptr(v)
	}
}
