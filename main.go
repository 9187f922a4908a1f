package main

import "stevedore/cmd"

func main() {
	cmd.Execute()
}
