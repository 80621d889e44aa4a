package main

import "programista_hub/internal/cli"

func main() {
	cli.Execute()
}
