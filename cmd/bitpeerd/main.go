// Command bitpeerd runs the peer engine as a standalone daemon: add one
// or more .torrent files on the command line (or rely on a previously
// saved torrents.json index) and it downloads/seeds them until
// interrupted. Grounded on cmd/go-torrent/main.go's entrypoint shape,
// reworked onto spf13/cobra + spf13/viper per the ambient-stack upgrade.
package main

import (
	"os"

	"github.com/nvilla/bitpeer/cmd/bitpeerd/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
