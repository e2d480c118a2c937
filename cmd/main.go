package main

import (
	"fmt"
	"os"

	"github.com/planloom/planloom-backend/internal/app"
)

func main() {
	application, err := app.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start: %v\n", err)
		os.Exit(1)
	}
	defer application.Close()

	application.Start()

	if err := application.Run(); err != nil {
		application.Log.Error("Server exited", "error", err)
		os.Exit(1)
	}
}
