// snapconv moves world snapshots between the columnar directory format and
// the Postgres catalog.
//
// Usage:
//
//	go run ./cmd/snapconv <command> [-dir path] [-dsn url] [-id n] [-name s]
//
// Commands: info, list, push, pull
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/alejandrosuarez/elodin/internal/snapshot"
)

func printUsage() {
	fmt.Println("Usage: snapconv <command> [-dir path] [-dsn url] [-id n] [-name s]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  info  Print a summary of the snapshot directory")
	fmt.Println("  list  List snapshots stored in the Postgres catalog")
	fmt.Println("  push  Upload the snapshot directory to the catalog")
	fmt.Println("  pull  Download a catalog snapshot into the directory")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	if cmd == "-h" || cmd == "--help" || cmd == "help" {
		printUsage()
		return
	}

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	dir := fs.String("dir", "snapshots", "snapshot directory")
	dsn := fs.String("dsn", os.Getenv("ELODIN_DB_DSN"), "Postgres DSN (or ELODIN_DB_DSN)")
	id := fs.Int64("id", 0, "catalog snapshot id (0 = latest)")
	name := fs.String("name", "snapconv", "catalog name used by push")
	_ = fs.Parse(os.Args[2:])

	commands := map[string]func() error{
		"info": func() error { return runInfo(*dir) },
		"list": func() error { return runList(*dsn) },
		"push": func() error { return runPush(*dir, *dsn, *name) },
		"pull": func() error { return runPull(*dir, *dsn, *id) },
	}

	fn, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err := fn(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func runInfo(dir string) error {
	snap, err := snapshot.ReadDir(dir)
	if err != nil {
		return err
	}
	digest := snap.Digest()
	fmt.Printf("  tick:       %d\n", snap.Tick)
	fmt.Printf("  entities:   %d\n", snap.EntityCount())
	fmt.Printf("  archetypes: %d\n", len(snap.Archetypes))
	fmt.Printf("  digest:     %s\n", hex.EncodeToString(digest[:]))
	fmt.Println("  components:")
	for _, c := range snap.Components {
		fmt.Printf("    %-24s %s\n", c.Name, fmtSchema(c))
	}
	return nil
}

func runList(dsn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, db, err := openStore(ctx, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	infos, err := store.List(ctx)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("  (no snapshots)")
		return nil
	}
	fmt.Printf("  %-6s %-16s %-10s %-10s %s\n", "ID", "NAME", "TICK", "ENTITIES", "CREATED")
	for _, in := range infos {
		fmt.Printf("  %-6d %-16s %-10d %-10d %s\n",
			in.ID, in.Name, in.Tick, in.Entities, in.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func runPush(dir, dsn, name string) error {
	snap, err := snapshot.ReadDir(dir)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	store, db, err := openStore(ctx, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	id, err := store.Save(ctx, name, snap)
	if err != nil {
		return err
	}
	fmt.Printf("  pushed snapshot %d (tick %d, %d entities)\n", id, snap.Tick, snap.EntityCount())
	return nil
}

func runPull(dir, dsn string, id int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	store, db, err := openStore(ctx, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	var snap *snapshot.Snapshot
	if id > 0 {
		snap, err = store.Load(ctx, id)
	} else {
		snap, err = store.LoadLatest(ctx)
	}
	if err != nil {
		return err
	}

	if err := snapshot.WriteDir(snap, dir); err != nil {
		return err
	}
	fmt.Printf("  pulled snapshot (tick %d, %d entities) into %s\n", snap.Tick, snap.EntityCount(), dir)
	return nil
}

func openStore(ctx context.Context, dsn string) (*snapshot.Store, *snapshot.DB, error) {
	if dsn == "" {
		return nil, nil, fmt.Errorf("a Postgres DSN is required (-dsn or ELODIN_DB_DSN)")
	}
	db, err := snapshot.NewDB(ctx, dsn, zap.NewNop())
	if err != nil {
		return nil, nil, err
	}
	if err := snapshot.RunMigrations(ctx, db.Pool); err != nil {
		db.Close()
		return nil, nil, err
	}
	return snapshot.NewStore(db), db, nil
}

func fmtSchema(c snapshot.Component) string {
	var sb strings.Builder
	for _, d := range c.Shape {
		fmt.Fprintf(&sb, "[%d]", d)
	}
	sb.WriteString(c.Elem.String())
	return sb.String()
}
