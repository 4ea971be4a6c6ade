package version

var (
	// GitCommit is the current HEAD set using ldflags.
	GitCommit string

	// Version is the built softwares version.
	Version string = OverlaySemVer
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit
	}
}

const (
	// OverlaySemVer is the current version of overlay.
	// It's the Semantic Version of the software.
	OverlaySemVer = "0.3.0"
)

// Protocol is used for implementation agnostic versioning.
type Protocol uint64

var (
	// DiscoveryProtocol versions the discovery datagrams.
	DiscoveryProtocol Protocol = 1

	// SyncProtocol versions the block sync messages.
	SyncProtocol Protocol = 1
)
