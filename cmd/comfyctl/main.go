// Command comfyctl drives the generation engine from the command line.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := Execute(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
