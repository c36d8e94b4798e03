package api

import "strings"

// CoreFeatures is a bit flag of WebAssembly Core specification features beyond 1.0 (20191205).
//
// Only CoreFeatureSignExtensionOps and CoreFeatureNonTrappingFloatToIntConversion are implemented. The others exist
// so that a module using them is rejected with the name of the feature instead of a generic decoding failure.
type CoreFeatures uint64

const (
	// CoreFeatureSignExtensionOps adds instructions to sign-extend integers in place, e.g. i32.extend8_s.
	//
	// See https://github.com/WebAssembly/spec/blob/main/proposals/sign-extension-ops/Overview.md
	CoreFeatureSignExtensionOps CoreFeatures = 1 << iota

	// CoreFeatureNonTrappingFloatToIntConversion adds saturating float to int conversions, e.g. i32.trunc_sat_f32_s.
	//
	// See https://github.com/WebAssembly/spec/blob/main/proposals/nontrapping-float-to-int-conversion/Overview.md
	CoreFeatureNonTrappingFloatToIntConversion

	CoreFeatureMultiValue
	CoreFeatureBulkMemoryOperations
	CoreFeatureReferenceTypes
	CoreFeatureSIMD
	CoreFeatureThreads
	CoreFeatureExceptionHandling
	CoreFeatureTailCall
)

const (
	// CoreFeaturesV1 are the features in WebAssembly 1.0 (20191205), which is none.
	CoreFeaturesV1 CoreFeatures = 0

	// CoreFeaturesSupported are all features the engine can execute.
	CoreFeaturesSupported = CoreFeatureSignExtensionOps | CoreFeatureNonTrappingFloatToIntConversion
)

var featureNames = []struct {
	f    CoreFeatures
	name string
}{
	{CoreFeatureSignExtensionOps, "sign-extension-ops"},
	{CoreFeatureNonTrappingFloatToIntConversion, "nontrapping-float-to-int-conversion"},
	{CoreFeatureMultiValue, "multi-value"},
	{CoreFeatureBulkMemoryOperations, "bulk-memory-operations"},
	{CoreFeatureReferenceTypes, "reference-types"},
	{CoreFeatureSIMD, "simd"},
	{CoreFeatureThreads, "threads"},
	{CoreFeatureExceptionHandling, "exception-handling"},
	{CoreFeatureTailCall, "tail-call"},
}

// SetEnabled enables or disables the feature or group of features.
func (f CoreFeatures) SetEnabled(feature CoreFeatures, val bool) CoreFeatures {
	if val {
		return f | feature
	}
	return f &^ feature
}

// IsEnabled returns true if the feature (or group of features) is enabled.
func (f CoreFeatures) IsEnabled(feature CoreFeatures) bool {
	return f&feature == feature
}

// String implements fmt.Stringer by returning each enabled feature, joined by '|'.
func (f CoreFeatures) String() string {
	var names []string
	for _, fn := range featureNames {
		if f.IsEnabled(fn.f) {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, "|")
}

// FeatureName returns the name of a single feature, e.g. "multi-value".
func FeatureName(f CoreFeatures) string {
	for _, fn := range featureNames {
		if fn.f == f {
			return fn.name
		}
	}
	return ""
}
