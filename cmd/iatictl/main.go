// Command iatictl inspects IATI activity files and imports them into the
// configured database without going through the HTTP server.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
