// Command gopdfsig signs documents with detached CMS signatures and
// validates their signature revisions.
//
// Usage:
//
//	gopdfsig <command> [flags] <args>
//
// Commands:
//
//	sign        Append a signature dictionary and sign the covered bytes
//	verify      Validate every signature revision of a signed file
//	ltv         Build the document security store for a signed file
//	check-cert  Run the trust chain on one certificate
//	version     Show version information
//
// Examples:
//
//	gopdfsig sign --cert signer.pem --key signer.key in.pdf out.pdf
//	gopdfsig verify --trust root.pem out.pdf
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/georgepadayatti/gopdfsig/cli"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/gopdfsig
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cli.Version = version
	cli.BuildTime = buildTime

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		os.Exit(130)
	}()

	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, cli.ErrInvalid) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
