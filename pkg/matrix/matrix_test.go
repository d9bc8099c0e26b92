package matrix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpand_CrossProductOrder(t *testing.T) {
	cfg := Config{
		OS:     []string{"ubuntu-20.04", "macos-12"},
		Python: []string{"3.8", "3.9"},
		Topic:  []string{"core"},
	}

	jobs, err := Expand(cfg)
	require.NoError(t, err)
	require.Len(t, jobs, 4)

	// os varies slowest, python faster, topic fastest
	assert.Equal(t, JobSpec{OS: "ubuntu-20.04", Python: "3.8", Topic: "core"}, jobs[0])
	assert.Equal(t, JobSpec{OS: "ubuntu-20.04", Python: "3.9", Topic: "core"}, jobs[1])
	assert.Equal(t, JobSpec{OS: "macos-12", Python: "3.8", Topic: "core"}, jobs[2])
	assert.Equal(t, JobSpec{OS: "macos-12", Python: "3.9", Topic: "core"}, jobs[3])
}

func TestExpand_IncludeDecoratesMatchingCombination(t *testing.T) {
	cfg := Config{
		OS:     []string{"ubuntu-20.04"},
		Python: []string{"3.8", "3.9"},
		Topic:  []string{"image", "text"},
		Include: []map[string]any{
			{"os": "ubuntu-20.04", "python": "3.9", "topic": "image", "extra": "image_extra"},
		},
	}

	jobs, err := Expand(cfg)
	require.NoError(t, err)
	require.Len(t, jobs, 4)

	for _, j := range jobs {
		if j.Python == "3.9" && j.Topic == "image" {
			assert.Equal(t, []string{"image_extra"}, j.Extras)
			assert.Equal(t, "image,image_extra", j.ExtrasString())
		} else {
			assert.Empty(t, j.Extras)
		}
	}
}

func TestExpand_PartialIncludeDecoratesAllMatches(t *testing.T) {
	cfg := Config{
		OS:     []string{"ubuntu-20.04", "windows-2022"},
		Python: []string{"3.9"},
		Topic:  []string{"core"},
		Include: []map[string]any{
			// no axis keys: applies to every combination
			{"extra": "serve"},
		},
	}

	jobs, err := Expand(cfg)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, []string{"serve"}, j.Extras)
	}
}

func TestExpand_UnmatchedIncludeAppendsNewJob(t *testing.T) {
	cfg := Config{
		OS:     []string{"ubuntu-20.04"},
		Python: []string{"3.9"},
		Topic:  []string{"core"},
		Include: []map[string]any{
			// python 3.10 is not an axis value: must not overwrite, appended instead
			{"os": "ubuntu-20.04", "python": "3.10", "topic": "core"},
		},
	}

	jobs, err := Expand(cfg)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "3.9", jobs[0].Python)
	assert.Equal(t, "3.10", jobs[1].Python)
}

func TestExpand_RequiresOldest(t *testing.T) {
	cfg := Config{
		OS:     []string{"ubuntu-20.04"},
		Python: []string{"3.8", "3.9"},
		Topic:  []string{"core"},
		Include: []map[string]any{
			{"python": "3.8", "requires": "oldest"},
		},
	}

	jobs, err := Expand(cfg)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.True(t, jobs[0].RequiresOldest)
	assert.False(t, jobs[1].RequiresOldest)
	assert.Contains(t, jobs[0].Name(), "/oldest")
}

func TestExpand_RequiresRejectsUnknownValue(t *testing.T) {
	cfg := Config{
		OS:     []string{"ubuntu-20.04"},
		Python: []string{"3.9"},
		Topic:  []string{"core"},
		Include: []map[string]any{
			{"requires": "newest"},
		},
	}

	_, err := Expand(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires")
}

func TestExpand_UnknownIncludeKey(t *testing.T) {
	cfg := Config{
		OS:     []string{"ubuntu-20.04"},
		Python: []string{"3.9"},
		Topic:  []string{"core"},
		Include: []map[string]any{
			{"oss": "ubuntu-20.04"},
		},
	}

	_, err := Expand(cfg)
	require.ErrorIs(t, err, ErrUnknownIncludeKey)
}

func TestExpand_EmptyMatrix(t *testing.T) {
	_, err := Expand(Config{})
	require.ErrorIs(t, err, ErrEmptyMatrix)
}

func TestExpand_IncludeOnlyMatrix(t *testing.T) {
	cfg := Config{
		Include: []map[string]any{
			{"os": "ubuntu-22.04", "python": "3.11", "topic": "serve", "extra": "audio"},
		},
	}

	jobs, err := Expand(cfg)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "serve,audio", jobs[0].ExtrasString())
}

func TestExpand_Dedupe(t *testing.T) {
	cfg := Config{
		OS:     []string{"ubuntu-20.04", "ubuntu-20.04"},
		Python: []string{"3.9"},
		Topic:  []string{"core"},
	}

	jobs, err := Expand(cfg)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestJobSpec_ExtrasString(t *testing.T) {
	tests := []struct {
		name string
		job  JobSpec
		want string
	}{
		{"topic only", JobSpec{Topic: "image"}, "image"},
		{"topic plus extra", JobSpec{Topic: "image", Extras: []string{"image_extra"}}, "image,image_extra"},
		{"multiple extras", JobSpec{Topic: "text", Extras: []string{"a", "b"}}, "text,a,b"},
		{"no topic", JobSpec{Extras: []string{"serve"}}, "serve"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.job.ExtrasString())
		})
	}
}
