// Command fmdhost-admin inspects and repairs the document store of a
// fmdhost data directory. Run it while the server is stopped.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	json "github.com/goccy/go-json"
	"github.com/maruel/fmdhost/internal/docstore"
	"github.com/maruel/fmdhost/internal/storage/history"
)

type globals struct {
	ctx   context.Context
	store *docstore.Store
	out   io.Writer
}

type cli struct {
	DataDir string `name:"data-dir" default:"./data" help:"Data directory."`

	Collections collectionsCmd `cmd:"" help:"List collections and their document count."`
	Dump        dumpCmd        `cmd:"" help:"Print every document of a collection."`
	Get         getCmd         `cmd:"" help:"Print one document."`
	Rm          rmCmd          `cmd:"" help:"Remove one document."`
	Verify      verifyCmd      `cmd:"" help:"Check that collections decode and ids are unique."`
	History     historyCmd     `cmd:"" help:"Show the latest db history commits."`
}

type collectionsCmd struct{}

func (c *collectionsCmd) Run(g *globals) error {
	names, err := g.store.Collections()
	if err != nil {
		return err
	}
	for _, name := range names {
		docs, err := g.store.Find(g.ctx, name, nil)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(g.out, "%-20s %d\n", name, len(docs))
	}
	return nil
}

type dumpCmd struct {
	Collection string `arg:"" help:"Collection name."`
	Secrets    bool   `help:"Include password hashes."`
}

func (c *dumpCmd) Run(g *globals) error {
	docs, err := g.store.Find(g.ctx, c.Collection, nil)
	if err != nil {
		return err
	}
	if !c.Secrets {
		for _, d := range docs {
			redact(d)
		}
	}
	return printJSON(g.out, docs)
}

type getCmd struct {
	Collection string `arg:"" help:"Collection name."`
	ID         string `arg:"" help:"Document id."`
	Secrets    bool   `help:"Include password hashes."`
}

func (c *getCmd) Run(g *globals) error {
	d, err := g.store.FindByID(g.ctx, c.Collection, c.ID)
	if err != nil {
		return err
	}
	if !c.Secrets {
		redact(d)
	}
	return printJSON(g.out, d)
}

type rmCmd struct {
	Collection string `arg:"" help:"Collection name."`
	ID         string `arg:"" help:"Document id."`
}

func (c *rmCmd) Run(g *globals) error {
	ok, err := g.store.Remove(g.ctx, c.Collection, c.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s/%s: %w", c.Collection, c.ID, docstore.ErrNotFound)
	}
	_, _ = fmt.Fprintf(g.out, "removed %s/%s\n", c.Collection, c.ID)
	return nil
}

type verifyCmd struct {
	Collections []string `arg:"" optional:"" help:"Collections to check; all when empty."`
}

var errVerifyFailed = errors.New("verification failed")

func (c *verifyCmd) Run(g *globals) error {
	names := c.Collections
	if len(names) == 0 {
		var err error
		if names, err = g.store.Collections(); err != nil {
			return err
		}
	}
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	failed := false
	for _, name := range names {
		n, err := g.store.Verify(g.ctx, name)
		if err != nil {
			failed = true
			_, _ = red.Fprint(g.out, "FAIL")
			_, _ = fmt.Fprintf(g.out, " %s: %v\n", name, err)
			continue
		}
		_, _ = green.Fprint(g.out, "OK  ")
		_, _ = fmt.Fprintf(g.out, " %s: %d documents\n", name, n)
	}
	if failed {
		return errVerifyFailed
	}
	return nil
}

type historyCmd struct {
	Count int `short:"n" default:"20" help:"Number of commits."`
}

func (c *historyCmd) Run(g *globals) error {
	if _, err := os.Stat(filepath.Join(g.store.Dir(), ".git")); err != nil {
		return errors.New("db history is not enabled for this data directory")
	}
	repo, err := history.Open(g.store.Dir(), "fmdhost-admin", "fmdhost@localhost")
	if err != nil {
		return err
	}
	commits, err := repo.Log(g.ctx, c.Count)
	if err != nil {
		return err
	}
	yellow := color.New(color.FgYellow)
	for _, cm := range commits {
		_, _ = yellow.Fprint(g.out, cm.Hash[:min(len(cm.Hash), 10)])
		_, _ = fmt.Fprintf(g.out, " %s %-24s %s\n", cm.When.Format(time.DateTime), cm.Author, cm.Message)
	}
	return nil
}

// redact removes password hashes from a user document.
func redact(d docstore.Document) {
	if _, ok := d["password"]; ok {
		d["password"] = "<redacted>"
	}
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var c cli
	parser, err := kong.New(&c,
		kong.Name("fmdhost-admin"),
		kong.Description("Inspect the fmdhost document store."),
		kong.Writers(stdout, stderr),
		kong.UsageOnError(),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	store, err := docstore.New(filepath.Join(c.DataDir, "db"))
	if err != nil {
		return err
	}
	return kctx.Run(&globals{ctx: ctx, store: store, out: stdout})
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "fmdhost-admin: %v\n", err)
		os.Exit(1)
	}
}
