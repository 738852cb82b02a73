package main

import "fallback-oracle/internal/cli"

func main() {
	cli.Execute()
}
