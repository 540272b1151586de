package main

import "github.com/nextlevelbuilder/larkclaw/cmd"

func main() {
	cmd.Execute()
}
