package main

import "github.com/tesseradb/tessera/cmd"

func main() {
	cmd.Execute()
}
