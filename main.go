// Command track-release records releases of a git repository's branches and
// runs a build hook for each new one. It is meant to run as a post-receive
// hook.
package main

import "github.com/papapumpkin/track-release/cmd"

func main() {
	cmd.Execute()
}
