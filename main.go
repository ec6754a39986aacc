package main

import "linkscrub/cmd"

var version string = "<dev>"

func main() {
	cmd.Execute(version)
}
