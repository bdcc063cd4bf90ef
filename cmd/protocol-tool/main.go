package main

import (
	"bms-can-monitor/internal/logging"
	"bms-can-monitor/internal/protocol"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

const usage = `Usage: protocol-tool [flags] <command> [args]

Commands:
  validate <file>        check a protocol JSON document
  print <ref>            print a definition normalised (file, builtin:<name> or custom:<file>)
  builtins               list compiled-in definitions
  list                   list definitions stored in the library
  fetch <url> [name]     download a definition into the library

Flags:
`

func main() {
	dir := flag.String("dir", "./data/protocols", "Protocol library directory")
	verbose := flag.Bool("v", false, "Log protocol operations")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	level := "error"
	if *verbose {
		level = "debug"
	}
	logger, closer, err := logging.New(logging.Options{Level: level, Format: "text"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closer.Close()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	loader := protocol.NewLoader(*dir, logger)
	if err := run(loader, flag.Args(), os.Stdout, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(loader *protocol.Loader, args []string, out io.Writer, logger logrus.FieldLogger) error {
	cmd, args := args[0], args[1:]
	switch cmd {
	case "validate":
		if len(args) != 1 {
			return fmt.Errorf("validate takes one file")
		}
		doc, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		d, err := loader.LoadBytes(doc)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "OK: %q by %q, %d messages\n", d.Name, d.Manufacturer, d.Messages.Len())
		for _, m := range d.Messages.All() {
			fmt.Fprintf(out, "  0x%03X %-24s %d fields\n", m.CANID, m.Name, m.Fields.Len())
		}
		return nil

	case "print":
		if len(args) != 1 {
			return fmt.Errorf("print takes one reference")
		}
		d, err := resolve(loader, args[0])
		if err != nil {
			return err
		}
		doc, err := protocol.Encode(d)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "%s\n", doc)
		return err

	case "builtins":
		for _, d := range protocol.Builtins() {
			fmt.Fprintf(out, "%-28s %-20s %d messages\n", d.Name, d.Manufacturer, d.Messages.Len())
		}
		return nil

	case "list":
		infos, err := loader.List()
		if err != nil {
			return err
		}
		for _, info := range infos {
			fmt.Fprintf(out, "%-20s %-28s %-20s %6d bytes\n", info.Filename, info.Name, info.Manufacturer, info.Size)
		}
		return nil

	case "fetch":
		if len(args) < 1 || len(args) > 2 {
			return fmt.Errorf("fetch takes a url and an optional name")
		}
		name := ""
		if len(args) == 2 {
			name = args[1]
		}
		if err := loader.Init(); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		file, d, err := loader.FetchFromURL(ctx, args[0], name)
		if err != nil {
			return err
		}
		logger.WithField("file", file).Debug("Stored fetched protocol")
		fmt.Fprintf(out, "Saved %q as %s\n", d.Name, file)
		return nil

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// resolve accepts a plain file path in addition to library references
func resolve(loader *protocol.Loader, ref string) (*protocol.Definition, error) {
	if doc, err := os.ReadFile(ref); err == nil {
		return loader.LoadBytes(doc)
	}
	return loader.Resolve(ref)
}
