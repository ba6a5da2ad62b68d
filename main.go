package main

import "buzzconnect/cmd"

func main() {
	cmd.Execute()
}
