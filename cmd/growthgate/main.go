package main

import "growthgate/cmd/cli"

func main() {
	cli.Execute()
}
