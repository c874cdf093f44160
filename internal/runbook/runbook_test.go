package runbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tejun/internal/errs"
)

const sampleYAML = `
name: restart-billing
version: v3
steps:
  - name: snapshot
    tool: ops.config_snapshot
    args:
      service: billing
  - name: restart
    tool: ops.service_restart
    args:
      service: billing
    compensates: snapshot
  - name: verify
    prompt: Confirm billing answers health checks within two minutes.
`

func TestParseYAML(t *testing.T) {
	rb, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "restart-billing", rb.Name)
	require.Len(t, rb.Steps, 3)
	assert.Equal(t, "ops.service_restart", rb.Steps[1].Tool)
	assert.Equal(t, "snapshot", rb.Steps[1].Compensates)
	assert.Empty(t, rb.Steps[2].Tool)
}

func TestParseJSON(t *testing.T) {
	// YAML is a superset of JSON, so the same parser serves both.
	rb, err := Parse([]byte(`{"name":"j","steps":[{"name":"a","tool":"test.echo"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "j", rb.Name)
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"missing name", `steps: [{name: a, tool: test.echo}]`},
		{"nameless step", `{name: x, steps: [{tool: test.echo}]}`},
		{"duplicate step name", `{name: x, steps: [{name: a, tool: test.echo}, {name: a, tool: test.echo}]}`},
		{"neither tool nor prompt", `{name: x, steps: [{name: a}]}`},
		{"malformed tool id", `{name: x, steps: [{name: a, tool: Echo}]}`},
		{"wildcard is not a tool", `{name: x, steps: [{name: a, tool: "test.*"}]}`},
		{"unknown compensates target", `{name: x, steps: [{name: a, tool: test.echo, compensates: zzz}]}`},
		{"negative timeout", `{name: x, steps: [{name: a, tool: test.echo, timeout_ms: -1}]}`},
		{"not yaml at all", "\t{"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
			assert.True(t, errs.IsKind(err, errs.KindValidation))
		})
	}
}

func TestValidToolID(t *testing.T) {
	assert.True(t, ValidToolID("ops.service_restart"))
	assert.True(t, ValidToolID("aws.ec2.reboot"))
	assert.False(t, ValidToolID("noDots"))
	assert.False(t, ValidToolID("test.*"))
	assert.False(t, ValidToolID("Upper.Case"))
}
