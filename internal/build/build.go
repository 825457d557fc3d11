// Package build holds build-time metadata stamped in via ldflags.
package build

var (
	// Version is the placer release version.
	Version = "dev"

	// Commit is the git commit the binary was built from.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)

// ProjectName is used to namespace metrics and telemetry.
const ProjectName = "placer"

// MinimumSupportedDatastoreSchemaRevision is the minimum migration revision
// the SQL datastores require before reporting ready.
const MinimumSupportedDatastoreSchemaRevision = int64(1)
