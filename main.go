package main

import "github.com/ftl/sdrstream/ui/cli"

func main() {
	cli.Execute()
}
