// Command search-cli runs one search or browsing tool from the shell and
// prints what an agent would observe.
//
// Usage:
//
//	search-cli duckduckgo "Python programming"
//	search-cli google "machine learning" --filter-year 2023
//	search-cli api "AI news"
//	search-cli websearch "climate change" --engine bing
//	search-cli visit "https://example.com"
//	search-cli wikipedia "Python_(programming_language)" --content-type summary
//	search-cli archive "example.com" 20200301
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
