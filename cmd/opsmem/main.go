package main

import "github.com/dnanh/opsmem/internal/cli"

func main() {
	cli.Execute()
}
