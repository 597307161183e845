// Command replvol runs the replicated volume daemon and its admin client.
package main

import "github.com/jvs-project/replvol/internal/cli"

func main() {
	cli.Execute()
}
