package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
)

func cmdRedact(args []string) error {
	fs := flag.NewFlagSet("redact", flag.ExitOnError)
	cfgPath := fs.String("config", "runbox.yaml", "config file path")
	text := fs.String("text", "", "text to redact (default: read stdin)")
	restore := fs.Bool("restore", false, "restore placeholders back to plaintext instead")
	if err := fs.Parse(args); err != nil {
		return err
	}

	p, err := buildPipeline(context.Background(), *cfgPath)
	if err != nil {
		return err
	}
	defer p.Close()

	input := *text
	if input == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		input = string(data)
	}

	if *restore {
		fmt.Print(p.redactor.RestoreString(input))
		return nil
	}
	fmt.Print(p.redactor.Redact(input))
	return nil
}
