package main

import (
	"context"
	"flag"
	"fmt"
	"time"
)

func cmdHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	cfgPath := fs.String("config", "runbox.yaml", "config file path")
	n := fs.Int("n", 10, "number of records to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	p, err := buildPipeline(context.Background(), *cfgPath)
	if err != nil {
		return err
	}
	defer p.Close()

	if p.history == nil {
		return fmt.Errorf("history is disabled in the configuration")
	}

	records, err := p.history.Recent(context.Background(), *n)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no history")
		return nil
	}

	for _, rec := range records {
		exit := "-"
		if rec.ExitCode != nil {
			exit = fmt.Sprintf("%d", *rec.ExitCode)
		}
		session := rec.SessionKey
		if session == "" {
			session = "-"
		}
		fmt.Printf("%s  %-9s exit=%-3s session=%-12s %s  %s\n",
			rec.StartedAt.Local().Format(time.DateTime),
			rec.Outcome, exit, session,
			rec.Duration.Round(time.Millisecond), rec.Command)
		if rec.SpillPath != "" {
			fmt.Printf("%*sfull output: %s\n", 21, "", rec.SpillPath)
		}
	}
	return nil
}
