package main

import "github.com/relog-db/relog/cmd"

func main() {
	cmd.Execute()
}
