package version

const (
	// Version represents the current version of GridServe
	Version = "1.0.0"

	// BuildDate will be set during build
	BuildDate = ""

	// GitCommit will be set during build
	GitCommit = ""

	// AppName is the application name
	AppName = "GridServe"

	// AppDescription is the application description
	AppDescription = "Fleet coordination control plane for LLM inference"
)

// GetVersionInfo returns formatted version information
func GetVersionInfo() map[string]string {
	return map[string]string{
		"name":        AppName,
		"version":     Version,
		"description": AppDescription,
		"build_date":  BuildDate,
		"git_commit":  GitCommit,
	}
}
