package main

import "auth-guard/internal/cli"

func main() {
	cli.Execute()
}
