// Command waiwai-agent runs a collaborative editing peer.
package main

import (
	"os"

	"github.com/moppymopperson/waiwai-uml/internal/cli"
)

func main() {
	os.Exit(cli.Execute(cli.NewAgentCommand()))
}
