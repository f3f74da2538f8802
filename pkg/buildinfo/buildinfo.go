package buildinfo

import "runtime/debug"

// Version holds the application's version string.
// It's a `var` so it can be set at compile time using ldflags.
// Example: go build -ldflags="-X github.com/paulschiretz/pgl-cronbackup/pkg/buildinfo.Version=1.0.0"
var Version = "dev"

// Name is the canonical name of the application used for logging.
var Name = "PGL-CronBackup"

// Describe returns the name, version and VCS revision when the binary carries one.
func Describe() string {
	s := Name + " " + Version
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return s
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
			return s + " (" + setting.Value[:7] + ")"
		}
	}
	return s
}
