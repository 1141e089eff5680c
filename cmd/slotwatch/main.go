package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/me/slotwatch/internal/challenge/tesseract"
	"github.com/me/slotwatch/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := cli.Execute(ctx, func(language string) (cli.Recognizer, error) {
		rec, err := tesseract.New(language)
		if err != nil {
			return nil, err
		}
		return rec, nil
	})
	if err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
