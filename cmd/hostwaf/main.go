package main

import "github.com/hostwaf/hostwaf/cmd/hostwaf/cmd"

func main() {
	cmd.Execute()
}
