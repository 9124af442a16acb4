package amqp

import "fmt"

const (
	versionMajor = 0
	versionMinor = 1
	versionPatch = 0
	// 1 for a release build, 0 for a pre-release
	versionRelease = 1
)

// Version returns the library version as "major.minor.patch"
func Version() string {
	if versionRelease == 0 {
		return fmt.Sprintf("%d.%d.%d-pre", versionMajor, versionMinor, versionPatch)
	}
	return fmt.Sprintf("%d.%d.%d", versionMajor, versionMinor, versionPatch)
}

// VersionNumber returns the version packed as
// major<<24 | minor<<16 | patch<<8 | release
func VersionNumber() uint32 {
	return versionMajor<<24 | versionMinor<<16 | versionPatch<<8 | versionRelease
}
