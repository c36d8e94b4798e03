package binary

import (
	"testing"

	"github.com/stretchr/testify/require"
	wabin "github.com/tetratelabs/wabin/binary"
	wabinwasm "github.com/tetratelabs/wabin/wasm"

	"github.com/tetratelabs/tierwasm/api"
	"github.com/tetratelabs/tierwasm/internal/wasm"
)

// TestEncodeModule_Wabin decodes the output of EncodeModule with an independent decoder.
func TestEncodeModule_Wabin(t *testing.T) {
	tests := []struct {
		name  string
		input *wasm.Module
	}{
		{name: "add_one", input: addOneModule()},
		{name: "all sections", input: fullModule()},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			bin := EncodeModule(tc.input)
			other, err := wabin.DecodeModule(bin, wabinwasm.CoreFeaturesV2)
			require.NoError(t, err)

			require.Equal(t, len(tc.input.TypeSection), len(other.TypeSection))
			for i, ft := range tc.input.TypeSection {
				require.Equal(t, api.FunctionType{Params: ft.Params, Results: ft.Results}.String(),
					api.FunctionType{Params: other.TypeSection[i].Params, Results: other.TypeSection[i].Results}.String())
			}
			require.Equal(t, len(tc.input.FunctionSection), len(other.FunctionSection))
			for i, typeIdx := range tc.input.FunctionSection {
				require.Equal(t, typeIdx, uint32(other.FunctionSection[i]))
			}
			require.Equal(t, len(tc.input.CodeSection), len(other.CodeSection))

			var names []string
			for _, e := range other.ExportSection {
				names = append(names, e.Name)
			}
			var expected []string
			for _, e := range tc.input.ExportSection {
				expected = append(expected, e.Name)
			}
			require.Equal(t, expected, names)
		})
	}
}
