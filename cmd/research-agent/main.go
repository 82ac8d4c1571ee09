// Command research-agent answers research questions with a manager agent
// that delegates web browsing to a search agent.
//
//	research-agent "How many studio albums did Mercedes Sosa release before 2007?"
//	research-agent -m gpt-4o -s duckduckgo -s wikipedia "Latest AI research papers"
//	research-agent batch --input questions.jsonl --output answers.jsonl
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
