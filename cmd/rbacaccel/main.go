package main

import "github.com/jmcleod/rbacaccel/cmd/rbacaccel/cmd"

func main() {
	cmd.Execute()
}
