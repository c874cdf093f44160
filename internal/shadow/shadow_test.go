package shadow

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/tejun/internal/model"
)

func step(tool string, args map[string]any) model.PlannedStep {
	return model.PlannedStep{Name: tool, Tool: tool, Args: args}
}

func TestCompareAgentSupersetOfReference(t *testing.T) {
	// Agent produced [A, B, C]; reference is [A, B].
	agent := []model.PlannedStep{
		step("a.one", map[string]any{"k": "v"}),
		step("b.two", nil),
		step("c.three", nil),
	}
	ref := []model.PlannedStep{
		step("a.one", map[string]any{"k": "v"}),
		step("b.two", nil),
	}

	r := Compare(agent, ref)
	assert.Equal(t, 1.0, r.Match)
	assert.Equal(t, 0.0, r.Missing)
	assert.InDelta(t, 1.0/3.0, r.Hallucination, 1e-9)
}

func TestCompareMissingStep(t *testing.T) {
	agent := []model.PlannedStep{step("a.one", nil)}
	ref := []model.PlannedStep{step("a.one", nil), step("b.two", nil)}

	r := Compare(agent, ref)
	assert.Equal(t, 0.5, r.Match)
	assert.Equal(t, 0.5, r.Missing)
	assert.Equal(t, 0.0, r.Hallucination)
}

func TestCompareArgsSubset(t *testing.T) {
	// Extra agent args don't hurt; missing or different expected args do.
	agent := []model.PlannedStep{step("a.one", map[string]any{"k": "v", "extra": 1})}
	ref := []model.PlannedStep{step("a.one", map[string]any{"k": "v"})}
	assert.Equal(t, 1.0, Compare(agent, ref).Match)

	agent = []model.PlannedStep{step("a.one", map[string]any{"k": "other"})}
	r := Compare(agent, ref)
	assert.Equal(t, 0.0, r.Match)
	assert.True(t, r.Steps[0].ToolMatch)
	assert.Contains(t, r.Steps[0].ArgsFieldDiff, "k")
}

func TestCompareTemplateMatching(t *testing.T) {
	agent := []model.PlannedStep{step("a.one", map[string]any{"title": "incident INC-1234 follow-up"})}
	ref := []model.PlannedStep{step("a.one", map[string]any{"title": "incident {{id}} follow-up"})}
	assert.Equal(t, 1.0, Compare(agent, ref).Match)

	agent[0].Args["title"] = "unrelated"
	assert.Equal(t, 0.0, Compare(agent, ref).Match)
}

func TestCompareOrderMatters(t *testing.T) {
	// Both tools present but swapped: no aligned matches, nothing missing or
	// hallucinated.
	agent := []model.PlannedStep{step("b.two", nil), step("a.one", nil)}
	ref := []model.PlannedStep{step("a.one", nil), step("b.two", nil)}

	r := Compare(agent, ref)
	assert.Equal(t, 0.0, r.Match)
	assert.Equal(t, 0.0, r.Missing)
	assert.Equal(t, 0.0, r.Hallucination)
	assert.Equal(t, 1, r.Steps[0].OrderIndexAgent)
	assert.Equal(t, 0, r.Steps[0].OrderIndexExpected)
}

func TestCompareEmptyLists(t *testing.T) {
	r := Compare(nil, nil)
	assert.Equal(t, 0.0, r.Match)
	assert.Equal(t, 0.0, r.Missing)
	assert.Equal(t, 0.0, r.Hallucination)
}
