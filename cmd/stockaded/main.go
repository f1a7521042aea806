package main

import "github.com/dennishilgert/stockade/cmd/stockaded/app"

func main() {
	app.Run()
}
