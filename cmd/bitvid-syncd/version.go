// Version information for bitvid-syncd.
package main

// ProjectName is the display name of the project
const ProjectName = "bitvid-syncd"

// Version is the application version string.
// It is meant to be overridden at build time via:
//
//	go build -ldflags "-X main.Version=<version>"
//
// Default value is for non-ldflags development builds.
var Version = "dev"
