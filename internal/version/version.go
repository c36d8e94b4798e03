// Package version is the engine version stamped into cache keys and ahead-of-time objects, so that artifacts from
// another build are never reused.
package version

import (
	"runtime/debug"
	"sync"
)

// modulePath is the import path of this module in the build info of programs that depend on it.
const modulePath = "github.com/tetratelabs/tierwasm"

// Dev is the version when the module is the main module or has no version, as in tests.
const Dev = "dev"

var (
	engineVersion string
	once          sync.Once
)

// GetEngineVersion returns the version of this module in the program's build info, or Dev.
func GetEngineVersion() string {
	once.Do(func() {
		engineVersion = Dev
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		for _, dep := range info.Deps {
			if dep.Path == modulePath {
				engineVersion = versionOf(dep)
				return
			}
		}
		if info.Main.Path == modulePath && info.Main.Version != "" && info.Main.Version != "(devel)" {
			engineVersion = info.Main.Version
		}
	})
	return engineVersion
}

func versionOf(dep *debug.Module) string {
	// A replace directive points at a local copy, whose version says nothing about its contents.
	if dep.Replace != nil {
		return Dev
	}
	if dep.Version == "" {
		return Dev
	}
	return dep.Version
}
