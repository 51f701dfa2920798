package main

import "github.com/noctics/central/cmd"

func main() {
	cmd.Execute()
}
