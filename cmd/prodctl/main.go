// Command prodctl is the operator CLI for stuck productions. It talks to the
// database directly and acts with the admin role as cli:<os user>.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
