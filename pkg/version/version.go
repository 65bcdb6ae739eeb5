package version

// version is overridden at build time via -ldflags.
var version = "dev"

func Get() string {
	return version
}
