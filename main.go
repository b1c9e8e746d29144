package main

import "formdesk-server/cmd"

func main() {
	cmd.Execute()
}
