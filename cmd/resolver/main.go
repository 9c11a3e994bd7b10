package main

import "market-resolver/internal/cli"

func main() {
	cli.Execute()
}
