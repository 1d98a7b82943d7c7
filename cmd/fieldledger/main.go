package main

import "github.com/fieldledger/fieldledger/internal/cli"

func main() {
	cli.Execute()
}
