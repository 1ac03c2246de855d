package main

import "chaintrack/internal/cli"

func main() {
	cli.Execute()
}
