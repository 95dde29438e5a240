// The main package for the canoncrawler executable.
package main

import "github.com/sagastream/canon-crawler/cmd"

func main() {
	cmd.Execute()
}
