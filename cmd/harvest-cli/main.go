package main

import (
	"context"

	"github.com/use-agent/harvest/cmd/harvest-cli/commands"
)

func main() {
	commands.ExecuteContext(context.Background())
}
