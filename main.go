package main

import "github.com/kozaktomas/face-memory/cmd"

func main() {
	cmd.Execute()
}
