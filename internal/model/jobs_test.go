package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatusIsTerminal(t *testing.T) {
	terminal := []JobStatus{StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "status %s should be terminal", s)
	}

	live := []JobStatus{StatusQueued, StatusProcessing, StatusRecovering}
	for _, s := range live {
		assert.False(t, s.IsTerminal(), "status %s should not be terminal", s)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		want     bool
	}{
		{StatusQueued, StatusProcessing, true},
		{StatusQueued, StatusFailed, true},
		{StatusQueued, StatusCancelled, true},
		{StatusQueued, StatusCompleted, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusRecovering, true},
		{StatusProcessing, StatusTimeout, true},
		{StatusProcessing, StatusQueued, false},
		{StatusRecovering, StatusQueued, true},
		{StatusRecovering, StatusFailed, true},
		{StatusRecovering, StatusTimeout, true},
		{StatusRecovering, StatusCompleted, false},
		{StatusCompleted, StatusQueued, false},
		{StatusFailed, StatusQueued, false},
		{StatusTimeout, StatusProcessing, false},
		{StatusCancelled, StatusQueued, false},
	}
	for _, c := range cases {
		assert.Equalf(t, c.want, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestJobClone(t *testing.T) {
	started := time.Now().Add(-time.Minute)
	job := &Job{
		ID:     "job-1",
		Kind:   KindImage,
		Status: StatusProcessing,
		Parameters: GenerationParams{
			Width: Ptr(1024),
			Model: Ptr("base.safetensors"),
		},
		OriginalParameters: GenerationParams{
			Width: Ptr(1024),
		},
		RecoveryHistory: []RecoveryAttempt{
			{AttemptNumber: 1, Strategy: StrategyRetry},
		},
		StartedAt: &started,
	}

	dup := job.Clone()
	require.NotSame(t, job, dup)

	*dup.Parameters.Width = 512
	dup.RecoveryHistory[0].Strategy = StrategyAbort
	*dup.StartedAt = started.Add(time.Hour)

	assert.Equal(t, 1024, *job.Parameters.Width)
	assert.Equal(t, StrategyRetry, job.RecoveryHistory[0].Strategy)
	assert.True(t, job.StartedAt.Equal(started))
}

func TestGenerationParamsClone(t *testing.T) {
	p := GenerationParams{
		Width:    Ptr(2048),
		Steps:    Ptr(30),
		CFGScale: Ptr(7.5),
		Model:    Ptr("anime-v3.safetensors"),
	}

	dup := p.Clone()
	*dup.Width = 256
	*dup.Model = "other"

	assert.Equal(t, 2048, *p.Width)
	assert.Equal(t, "anime-v3.safetensors", *p.Model)
	assert.Nil(t, dup.Height, "unset fields stay unset on the copy")
}

func TestGenerationParamsNumberAccess(t *testing.T) {
	p := GenerationParams{Width: Ptr(1024), CFGScale: Ptr(7.0)}

	v, ok := p.Number(FieldWidth)
	require.True(t, ok)
	assert.Equal(t, 1024.0, v)

	v, ok = p.Number(FieldCFGScale)
	require.True(t, ok)
	assert.Equal(t, 7.0, v)

	_, ok = p.Number(FieldSteps)
	assert.False(t, ok, "unset field reports absent")

	_, ok = p.Number(FieldModel)
	assert.False(t, ok, "string field is not numeric")

	p.SetNumber(FieldSteps, 20.9)
	require.NotNil(t, p.Steps)
	assert.Equal(t, 20, *p.Steps, "integer fields truncate")

	p.SetNumber(FieldCFGScale, 5.5)
	assert.Equal(t, 5.5, *p.CFGScale)
}

func TestGenerationParamsTextAccess(t *testing.T) {
	p := GenerationParams{Model: Ptr("base.safetensors")}

	v, ok := p.Text(FieldModel)
	require.True(t, ok)
	assert.Equal(t, "base.safetensors", v)

	_, ok = p.Text(FieldSampler)
	assert.False(t, ok)

	p.SetText(FieldSampler, "euler")
	require.NotNil(t, p.Sampler)
	assert.Equal(t, "euler", *p.Sampler)

	p.SetText(FieldWidth, "ignored")
	assert.Nil(t, p.Width)
}
