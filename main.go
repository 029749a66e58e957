package main

import (
	"context"
	"os"
)

func main() {
	rootCommand := newRootCommand()
	if executeError := rootCommand.ExecuteContext(context.Background()); executeError != nil {
		os.Exit(1)
	}
}
