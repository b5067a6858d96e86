package pkg

import "fmt"

var (
	// Set by the linker during a release build.
	PgdogVersion = "devel"
	GitRevision  = "devel"

	VersionRevision = fmt.Sprintf("%s-%s", PgdogVersion, GitRevision)
)
