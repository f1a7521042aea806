package main

import "github.com/dennishilgert/stockade/cmd/stockade-guest/cmd"

func main() {
	cmd.Run()
}
