package main

import "github.com/Mohammed3MG/ainbox/cmd"

func main() {
	cmd.Execute()
}
