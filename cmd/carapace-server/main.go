// Command carapace-server runs the Server half of Carapace: the trusted
// host process that accepts framed Agent connections, evaluates policy,
// dispatches CLI/HTTP requests, and writes the audit trail.
package main

import "github.com/carapace-gateway/carapace/cmd/carapace-server/cmd"

func main() {
	cmd.Execute()
}
