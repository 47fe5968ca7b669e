// Command source-crawler is the CLI entry point.
package main

import "github.com/JakeFAU/source-crawler/cmd"

func main() {
	cmd.Execute()
}
