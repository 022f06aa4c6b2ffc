package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"parley/server/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("parley server %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "rooms":
		return cliRooms(args[1:], dbPath)
	case "stats":
		return cliStats(dbPath)
	case "backup":
		return cliBackup(args[1:], dbPath)
	default:
		return false
	}
}

func openStore(dbPath string) *store.Store {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliStatus(dbPath string) bool {
	st := openStore(dbPath)
	defer st.Close()

	ctx := context.Background()
	stats, err := st.GetStats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Rooms: %d\n", stats.Rooms)
	fmt.Printf("Messages: %d\n", stats.Messages)
	fmt.Printf("Version: %s\n", Version)
	return true
}

func cliRooms(args []string, dbPath string) bool {
	st := openStore(dbPath)
	defer st.Close()

	ctx := context.Background()
	if len(args) == 0 || args[0] == "list" {
		rooms, err := st.ListRooms(ctx, store.ListRoomsParams{IncludeArchived: true})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if len(rooms) == 0 {
			fmt.Println("No rooms found.")
			return true
		}
		for _, r := range rooms {
			marker := ""
			if r.ArchivedAt != nil {
				marker = " (archived)"
			}
			fmt.Printf("  [%s] %s%s\n", r.ID, r.Name, marker)
		}
		return true
	}

	if args[0] == "create" && len(args) > 1 {
		r, err := st.CreateRoom(ctx, store.CreateRoomParams{Name: args[1], CreatedBy: "cli"})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error creating room: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created room %q (id=%s)\n", r.Name, r.ID)
		fmt.Printf("Admin key: %s\n", r.AdminKey)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: server rooms [list|create <name>]\n")
	os.Exit(1)
	return true
}

func cliStats(dbPath string) bool {
	st := openStore(dbPath)
	defer st.Close()

	stats, err := st.GetStats(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(out))
	return true
}

func cliBackup(args []string, dbPath string) bool {
	st := openStore(dbPath)
	defer st.Close()

	outPath := "parley-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}

	if err := st.Backup(context.Background(), outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}
