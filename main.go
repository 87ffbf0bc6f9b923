package main

import "github.com/killallgit/somleng/cmd"

func main() {
	cmd.Execute()
}
