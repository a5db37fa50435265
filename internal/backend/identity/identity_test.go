package identity_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepimagej/tileflow/internal/backend"
	"github.com/deepimagej/tileflow/internal/backend/identity"
	"github.com/deepimagej/tileflow/internal/tensor"
)

func ramp(t *testing.T, axes string, shape ...int) *tensor.Volume {
	t.Helper()
	v, err := tensor.NewVolume(tensor.MustParseAxes(axes), shape)
	require.NoError(t, err)
	for i := range v.Data {
		v.Data[i] = float64(i)
	}
	return v
}

func load(t *testing.T, b *identity.Backend, outputs ...tensor.Spec) backend.Session {
	t.Helper()
	ref := backend.ModelRef{
		Name:      "echo",
		Framework: "identity",
		Inputs: []tensor.Spec{{
			Name: "input", Kind: tensor.KindImage, Axes: tensor.MustParseAxes("byxc"),
		}},
		Outputs: outputs,
	}
	s, err := b.Load(context.Background(), ref)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunBatchEchoesInput(t *testing.T) {
	s := load(t, identity.New(), tensor.Spec{
		Name: "output", Kind: tensor.KindImage, Axes: tensor.MustParseAxes("byxc"), ReferenceInput: "input",
	})
	in := ramp(t, "byxc", 1, 4, 3, 2)

	out, err := s.RunBatch(context.Background(), map[string]tensor.Value{"input": in})
	require.NoError(t, err)

	got := out["output"].(*tensor.Volume)
	assert.Equal(t, in.Shape, got.Shape)
	assert.Equal(t, in.Data, got.Data)
}

func TestRunBatchScalesAndOffsets(t *testing.T) {
	s := load(t, identity.New(), tensor.Spec{
		Name:   "output",
		Kind:   tensor.KindImage,
		Axes:   tensor.MustParseAxes("byxc"),
		Scale:  []float64{1, 2, 2, 1},
		Offset: []int{0, 0, 0, 2},
	})
	in := ramp(t, "byxc", 1, 2, 2, 1)

	out, err := s.RunBatch(context.Background(), map[string]tensor.Value{"input": in})
	require.NoError(t, err)

	got := out["output"].(*tensor.Volume)
	assert.Equal(t, []int{1, 4, 4, 3}, got.Shape)
	// Nearest neighbour: output (y=3, x=2) reads input (1, 1).
	assert.Equal(t, in.At(0, 1, 1, 0), got.At(0, 3, 2, 0))
	// Extra channels repeat the last input channel.
	assert.Equal(t, in.At(0, 1, 0, 0), got.At(0, 2, 1, 2))
}

func TestRunBatchTableAndList(t *testing.T) {
	s := load(t, identity.New(),
		tensor.Spec{Name: "stats", Kind: tensor.KindTable},
		tensor.Spec{Name: "range", Kind: tensor.KindList},
	)
	in := ramp(t, "byxc", 1, 2, 2, 1)

	out, err := s.RunBatch(context.Background(), map[string]tensor.Value{"input": in})
	require.NoError(t, err)

	table := out["stats"].(*tensor.Table)
	assert.Equal(t, []string{"mean", "min", "max"}, table.Columns)
	assert.Equal(t, [][]float64{{1.5, 0, 3}}, table.Rows)
	assert.Equal(t, []float64{0, 3}, out["range"].(*tensor.List).Values)
}

func TestRunBatchMissingInput(t *testing.T) {
	s := load(t, identity.New(), tensor.Spec{Name: "output", Kind: tensor.KindImage, Axes: tensor.MustParseAxes("byxc")})

	_, err := s.RunBatch(context.Background(), map[string]tensor.Value{})
	assert.Error(t, err)
}

func TestRunBatchHonoursCancellation(t *testing.T) {
	s := load(t, &identity.Backend{Delay: time.Second}, tensor.Spec{Name: "output", Kind: tensor.KindImage, Axes: tensor.MustParseAxes("byxc")})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.RunBatch(ctx, map[string]tensor.Value{"input": ramp(t, "byxc", 1, 2, 2, 1)})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestLoadRequiresInputs(t *testing.T) {
	_, err := identity.New().Load(context.Background(), backend.ModelRef{Name: "empty"})
	assert.Error(t, err)
}
