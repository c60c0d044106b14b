package main

import "github.com/evolab/evosim-session/cmd"

func main() {
	cmd.Execute()
}
