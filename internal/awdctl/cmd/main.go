package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/LeonardoBeccarini/awd_irrigation/internal/awdctl"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	awdctl.SetVersion(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := awdctl.NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
