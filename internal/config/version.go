package config

import "fmt"

// CurrentVersion is the config file format this build reads. A file without
// a version field is treated as current.
const CurrentVersion = 1

const (
	reasonInvalid = "not a valid version"
	reasonNewer   = "newer than this build"
)

// VersionError reports a config file written for another format version.
type VersionError struct {
	Version int
	Current int
	Reason  string
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	switch e.Reason {
	case reasonNewer:
		return fmt.Sprintf("config version %d is newer than this build (current: %d); upgrade chatline to continue", e.Version, e.Current)
	case "":
		return fmt.Sprintf("config version %d is unsupported (current: %d); update the version field", e.Version, e.Current)
	default:
		return fmt.Sprintf("config version %d is %s (current: %d); update the version field", e.Version, e.Reason, e.Current)
	}
}

// ValidateVersion accepts only CurrentVersion.
func ValidateVersion(version int) error {
	switch {
	case version <= 0:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: reasonInvalid}
	case version > CurrentVersion:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: reasonNewer}
	case version < CurrentVersion:
		return &VersionError{Version: version, Current: CurrentVersion}
	}
	return nil
}
