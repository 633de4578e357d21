package main

import "github.com/picvault/picvault/cmd"

func main() {
	cmd.Execute()
}
