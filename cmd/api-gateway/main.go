package main

import "github.com/ramiqadoumi/genflow/services/api-gateway/cli"

func main() {
	cli.Execute()
}
