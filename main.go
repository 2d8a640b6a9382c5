package main

import "ffbatch/cmd"

func main() {
	cmd.Execute()
}
