package main

import "github.com/sunbk201/reqhdr/cmd"

func main() {
	cmd.Execute()
}
