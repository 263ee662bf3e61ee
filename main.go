package main

import "github.com/dhcgn/mailtext/cmd"

func main() {
	cmd.Execute()
}
