package main

import "github.com/relaygate/mailbridge/cmd"

func main() {
	cmd.Execute()
}
