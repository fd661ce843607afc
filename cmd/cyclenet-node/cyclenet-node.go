/*
cyclenet node
*/
package main

import "github.com/skycoin/cyclenet/cmd/cyclenet-node/commands"

func main() {
	commands.Execute()
}
