package main

import "github.com/stleox/seespan/pkg/cmd"

func main() {
	cmd.Execute()
}
