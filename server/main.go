// Command waiwai-server runs the room relay.
package main

import (
	"os"

	"github.com/moppymopperson/waiwai-uml/internal/cli"
)

func main() {
	os.Exit(cli.Execute(cli.NewServerCommand()))
}
