package main

import "github.com/coveyhq/covey/cmd"

func main() {
	cmd.Execute()
}
