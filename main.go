package main

import "github.com/orcfabric/fabric/cmd"

func main() {
	cmd.Execute()
}
