package version

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetEngineVersion(t *testing.T) {
	// Tests run as the main module without a version.
	require.Equal(t, Dev, GetEngineVersion())
	require.Equal(t, GetEngineVersion(), GetEngineVersion())
}

func TestVersionOf(t *testing.T) {
	tests := []struct {
		name     string
		dep      *debug.Module
		expected string
	}{
		{name: "tagged", dep: &debug.Module{Path: modulePath, Version: "v1.2.3"}, expected: "v1.2.3"},
		{name: "replaced", dep: &debug.Module{Path: modulePath, Version: "v1.2.3", Replace: &debug.Module{Path: "../"}}, expected: Dev},
		{name: "empty", dep: &debug.Module{Path: modulePath}, expected: Dev},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, versionOf(tc.dep))
		})
	}
}
