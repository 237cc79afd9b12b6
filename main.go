package main

import "github.com/ecogrid/gridsim/cmd"

func main() {
	cmd.Execute()
}
