package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"solana-copy-bot/internal/console"
	"solana-copy-bot/internal/storage"
)

func main() {
	dbPath := flag.String("db", "./data/copybot.db", "path to the bot's sqlite database")
	flag.Parse()

	if _, err := os.Stat(*dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "no database at %s (start the bot first, or point -db at its data dir)\n", *dbPath)
		os.Exit(1)
	}

	db, err := storage.NewDB(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	p := tea.NewProgram(console.New(db, *dbPath), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "console: %v\n", err)
		os.Exit(1)
	}
}
