package main

import "github.com/chapterhq/chapterd/cli"

func main() {
	cli.Execute()
}
