// previewd is the preview orchestrator: it materialises user projects,
// supervises their dev-server children, and fronts them with a signed
// control plane, a reverse proxy, and an HMR relay.
package main

import "github.com/omniflow/previewd/cmd/previewd/cmd"

func main() {
	cmd.Execute()
}
