package foodblock

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Wrappers from any 0.x release at or after 0.4.0 share the same canonical
// form, so they verify against this build. 1.0 is the first release allowed
// to break it.
var versionRange *semver.Constraints

func init() {
	c, err := semver.NewConstraint(">=0.4.0, <1.0.0")
	if err != nil {
		panic(fmt.Sprintf("invalid protocol version constraint: %v", err))
	}
	versionRange = c
}

// CompatibleVersion reports whether a wrapper's protocol_version label is one
// this build can verify. Two-segment labels like "0.5" are accepted.
func CompatibleVersion(label string) bool {
	if label == "" {
		return false
	}
	v, err := semver.NewVersion(label)
	if err != nil {
		return false
	}
	return versionRange.Check(v)
}
