/*
CLI for cyclenet node
*/
package main

import (
	"github.com/skycoin/cyclenet/cmd/cyclenet-cli/commands"
)

func main() {
	commands.Execute()
}
