package main

import "github.com/countersign-labs/countersign/cmd/countersign/cmd"

func main() {
	cmd.Execute()
}
