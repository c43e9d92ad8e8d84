package main

import "weavectl/internal/cli"

func main() {
	cli.Execute()
}
