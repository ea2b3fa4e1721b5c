package main

import (
	"example.com/payhub/services/ledger/cmd"
)

func main() {
	cmd.Execute()
}
