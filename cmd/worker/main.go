package main

import "github.com/ramiqadoumi/genflow/services/worker/cli"

func main() {
	cli.Execute()
}
