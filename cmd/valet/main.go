// Command valet runs the sandboxed capability broker.
package main

import "github.com/plyght/valet/cmd"

func main() {
	cmd.Execute()
}
