package version

// Version is the released version of safeguard, overridden at build time with
// -ldflags "-X github.com/Daskott/safeguard/version.Version=..."
var Version = "0.1.0"
