package provision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gantry/pkg/matrix"
	"github.com/3leaps/gantry/pkg/workflow"
)

var imageJob = matrix.JobSpec{
	OS:     "ubuntu-20.04",
	Python: "3.9",
	Topic:  "image",
	Extras: []string{"image_extra"},
}

func TestExpand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    string
	}{
		{
			"extras placeholder",
			"pip install -e '.[{extras}]'",
			"pip install -e '.[image,image_extra]'",
		},
		{
			"topic scoped tests",
			"python -m pytest tests/{topic} -v",
			"python -m pytest tests/image -v",
		},
		{
			"python and os",
			"echo {os} uses python {python}",
			"echo ubuntu-20.04 uses python 3.9",
		},
		{
			"no placeholders",
			"make test",
			"make test",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Expand(tt.command, imageJob))
		})
	}
}

func TestBuildSteps_OSConditionSkipsNotFails(t *testing.T) {
	steps := []workflow.StepConfig{
		{Name: "apt deps", OS: "ubuntu-*", Run: "apt-get install -y libsndfile1"},
		{Name: "brew deps", OS: "macos-*", Run: "brew install libsndfile"},
		{Name: "install", Run: "pip install -e '.[{extras}]'"},
	}

	out := BuildSteps(imageJob, steps, nil)
	require.Len(t, out, 3)

	assert.False(t, out[0].Skip)
	assert.True(t, out[1].Skip)
	assert.Contains(t, out[1].SkipReason, "macos-*")
	assert.False(t, out[2].Skip)
	assert.Equal(t, "pip install -e '.[image,image_extra]'", out[2].Run)
}

func TestBuildSteps_EnvMergePrecedence(t *testing.T) {
	base := map[string]string{
		"FREEZE_REQUIREMENTS": "1",
		"HF_DATASETS_VERBOSITY": "error",
	}
	steps := []workflow.StepConfig{
		{Run: "pytest", Env: map[string]string{"FREEZE_REQUIREMENTS": "0", "EXTRA": "x"}},
	}

	out := BuildSteps(imageJob, steps, base)
	require.Len(t, out, 1)

	env := out[0].Env
	// step values win over workflow values
	assert.Equal(t, "0", env["FREEZE_REQUIREMENTS"])
	assert.Equal(t, "error", env["HF_DATASETS_VERBOSITY"])
	assert.Equal(t, "x", env["EXTRA"])
	// job built-ins are always present
	assert.Equal(t, "ubuntu-20.04", env["GANTRY_OS"])
	assert.Equal(t, "3.9", env["GANTRY_PYTHON"])
	assert.Equal(t, "image", env["GANTRY_TOPIC"])
	assert.Equal(t, "image,image_extra", env["GANTRY_EXTRAS"])
}

func TestBuildSteps_UnnamedStepUsesCommand(t *testing.T) {
	out := BuildSteps(imageJob, []workflow.StepConfig{{Run: "make docs"}}, nil)
	require.Len(t, out, 1)
	assert.Equal(t, "make docs", out[0].Name)
}

func TestBuildSteps_ContinueOnError(t *testing.T) {
	out := BuildSteps(imageJob, []workflow.StepConfig{
		{Name: "publish test index", Run: "twine upload", ContinueOnError: true},
	}, nil)
	require.Len(t, out, 1)
	assert.True(t, out[0].ContinueOnError)
}

func TestEnviron_DeterministicOrder(t *testing.T) {
	env := map[string]string{"B": "2", "A": "1", "C": "3"}

	first := Environ(env)
	second := Environ(env)
	assert.Equal(t, first, second)

	// custom keys appear after the inherited environment, sorted
	n := len(first)
	assert.Equal(t, "A=1", first[n-3])
	assert.Equal(t, "B=2", first[n-2])
	assert.Equal(t, "C=3", first[n-1])
}

func TestOSMatches_InvalidPatternNeverMatches(t *testing.T) {
	assert.False(t, osMatches("[", "ubuntu-20.04"))
}
