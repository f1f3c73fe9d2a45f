// Command carapace-agent runs the Agent half of Carapace: the process that
// lives on the untrusted client host, relays local CLI/HTTP calls to the
// trusted Server over the framed channel, and auto-reconnects on drop.
package main

import "github.com/carapace-gateway/carapace/cmd/carapace-agent/cmd"

func main() {
	cmd.Execute()
}
