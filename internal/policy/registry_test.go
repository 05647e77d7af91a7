package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validPolicyYAML = `scaling_policies:
  default:
    allows_multiple_entries: false
    max_entries_per_symbol: 1
    max_position_pct_of_equity: 0.10
  pyramid:
    allows_multiple_entries: true
    max_entries_per_symbol: 3
    scaling_type: pyramid
    min_wall_clock_gap_min: 60
    min_bar_gap: 1
    min_confidence_for_add: 3
    max_position_pct_of_equity: 0.20
`

func writePolicyFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRegistryLoadsPolicies(t *testing.T) {
	reg, err := NewRegistry(writePolicyFile(t, validPolicyYAML))
	require.NoError(t, err)

	def, ok := reg.Policy("default")
	require.True(t, ok)
	assert.Equal(t, "default", def.ID)
	assert.False(t, def.AllowsMultipleEntries)
	assert.InDelta(t, 0.10, def.MaxPositionPctOfEquity, 1e-9)

	pyr, ok := reg.Policy("pyramid")
	require.True(t, ok)
	assert.Equal(t, TypePyramid, pyr.ScalingType)
	assert.Equal(t, 3, pyr.MaxEntriesPerSymbol)

	_, ok = reg.Policy("missing")
	assert.False(t, ok)
}

func TestRegistrySnapshotIsACopy(t *testing.T) {
	reg, err := NewRegistry(writePolicyFile(t, validPolicyYAML))
	require.NoError(t, err)

	snap := reg.Snapshot()
	require.Len(t, snap.Policies, 2)
	delete(snap.Policies, "default")

	_, ok := reg.Policy("default")
	assert.True(t, ok)
}

func TestRegistryRejectsInvalidFiles(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{
			name:    "missing required pct",
			content: "scaling_policies:\n  p:\n    allows_multiple_entries: false\n",
		},
		{
			name:    "unknown scaling type",
			content: "scaling_policies:\n  p:\n    scaling_type: martingale\n    max_position_pct_of_equity: 0.1\n",
		},
		{
			name:    "pct above one",
			content: "scaling_policies:\n  p:\n    max_position_pct_of_equity: 1.5\n",
		},
		{
			name:    "scaling without enough entries",
			content: "scaling_policies:\n  p:\n    allows_multiple_entries: true\n    scaling_type: pyramid\n    max_entries_per_symbol: 1\n    max_position_pct_of_equity: 0.1\n",
		},
		{
			name:    "average without excursion bound",
			content: "scaling_policies:\n  p:\n    allows_multiple_entries: true\n    scaling_type: average\n    max_entries_per_symbol: 2\n    max_position_pct_of_equity: 0.1\n",
		},
		{
			name:    "no policies at all",
			content: "scaling_policies: {}\n",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRegistry(writePolicyFile(t, tc.content))
			assert.Error(t, err)
		})
	}
}

func TestRegistryKeepsSnapshotOnBadReload(t *testing.T) {
	path := writePolicyFile(t, validPolicyYAML)
	reg, err := NewRegistry(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("scaling_policies: {}\n"), 0o644))
	require.Error(t, reg.reload())

	_, ok := reg.Policy("pyramid")
	assert.True(t, ok)
}
