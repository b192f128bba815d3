package main

import "pnar.online/cmd/pnar-gate/cmd"

func main() {
	cmd.Execute()
}
