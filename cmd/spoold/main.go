package main

import "github.com/busybox42/spoold/cmd/spoold/commands"

func main() {
	commands.Execute()
}
