// Command ucl-sync copies configured tables from a source database into the
// warehouse in resumable, watermark-driven chunks.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Command().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
