package version

import "fmt"

// Build information, overridden at link time with
// -ldflags "-X github.com/effective-security/tokensign/internal/version.build=..."
var (
	major = 0
	minor = 9
	patch = 0
	build = "dev"
)

// Version provides the version of the build
type Version struct {
	Major int
	Minor int
	Patch int
	Build string
}

// Current returns the version of the build
func Current() Version {
	return Version{
		Major: major,
		Minor: minor,
		Patch: patch,
		Build: build,
	}
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d-%s", v.Major, v.Minor, v.Patch, v.Build)
}
