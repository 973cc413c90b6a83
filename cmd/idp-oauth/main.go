// Command idp-oauth serves the multi-tenant authorization engine over HTTP.
package main

import (
	"fmt"
	"os"
)

// version is set at build time
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
