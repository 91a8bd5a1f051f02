package main

import "github.com/ramiqadoumi/genflow/services/reaper/cli"

func main() {
	cli.Execute()
}
