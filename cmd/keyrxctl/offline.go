package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"keyrxd/internal/keymap"
	"keyrxd/internal/keys"
	"keyrxd/internal/recording"
	"keyrxd/internal/remap"
)

func cmdCompile(args []string) error {
	fs := flag.NewFlagSet("compile", flag.ExitOnError)
	out := fs.String("o", "", "Output file (default: source name with .krx)")
	fs.Parse(reorder(args, "o"))

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: keyrxctl compile SRC [-o OUT.krx]")
	}
	src := fs.Arg(0)
	if *out == "" {
		*out = strings.TrimSuffix(src, filepath.Ext(src)) + keymap.FileExtension
	}

	cfg, err := keymap.CompileFile(src, keymap.CompileOptions{})
	if err != nil {
		return err
	}
	data, err := keymap.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode keymap: %w", err)
	}

	tmp := *out + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}
	if err := os.Rename(tmp, *out); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", *out, err)
	}

	fmt.Printf("%s%sCompiled%s %s -> %s (%d bytes, %d layers, %d bindings)\n",
		c.Bold, c.Green, c.Reset, src, *out, len(data), len(cfg.Layers), cfg.EntryCount())
	fmt.Printf("  %sFingerprint%s %s\n", c.Dim, c.Reset, keymap.FingerprintOf(data))
	return nil
}

func cmdVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	verbose := fs.Bool("v", false, "List every binding")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: keyrxctl verify FILE.krx")
	}
	path := fs.Arg(0)

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	cfg, err := keymap.Load(data)
	if err != nil {
		fmt.Printf("  %s%sINVALID%s %s\n", c.Bold, c.Red, c.Reset, path)
		return err
	}

	if *jsonOutput {
		return printJSON(map[string]any{
			"path":             path,
			"name":             cfg.Metadata.Name,
			"fingerprint":      keymap.FingerprintOf(data).String(),
			"compiled_at":      cfg.Metadata.CompiledAt,
			"compiler_version": cfg.Metadata.CompilerVersion,
			"source_hash":      cfg.Metadata.SourceHash,
			"layers":           len(cfg.Layers),
			"bindings":         cfg.EntryCount(),
		})
	}

	fmt.Printf("  %s%sVALID%s %s\n", c.Bold, c.Green, c.Reset, path)
	printField("Name", cfg.Metadata.Name)
	printField("Fingerprint", keymap.FingerprintOf(data))
	if !cfg.Metadata.CompiledAt.IsZero() {
		printField("Compiled", cfg.Metadata.CompiledAt.Format("2006-01-02 15:04:05 MST"))
	}
	if cfg.Metadata.CompilerVersion != "" {
		printField("Compiler", cfg.Metadata.CompilerVersion)
	}
	if cfg.Metadata.SourceHash != "" {
		printField("Source hash", cfg.Metadata.SourceHash)
	}
	for _, l := range cfg.Layers {
		printField("Layer "+fmt.Sprint(l.ID), fmt.Sprintf("%s (%d bindings)", l.Name, len(l.Entries)))
		if *verbose {
			for _, k := range sortedKeys(l) {
				fmt.Printf("      %-14s %s\n", k, l.Entries[k])
			}
		}
	}
	return nil
}

func cmdReplay(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	keymapPath := fs.String("keymap", "", "Keymap file (.krx or source)")
	recID := fs.String("recording", "", "Recording id in the database")
	db := fs.String("db", "", "Recording database (default: from settings)")
	eventsPath := fs.String("events", "", "JSON file with a recording or an event array")
	fs.Parse(args)

	if *keymapPath == "" || (*recID == "") == (*eventsPath == "") {
		return fmt.Errorf("usage: keyrxctl replay -keymap FILE (-recording ID [-db FILE] | -events FILE.json)")
	}

	data, err := keymap.ReadEncoded(*keymapPath)
	if err != nil {
		return err
	}
	cfg, err := keymap.Load(data)
	if err != nil {
		return err
	}

	var rec *recording.Recording
	if *recID != "" {
		store, err := openStore(*db)
		if err != nil {
			return err
		}
		defer store.Close()
		if rec, err = store.Load(*recID); err != nil {
			return err
		}
	} else {
		f, err := os.Open(*eventsPath)
		if err != nil {
			return err
		}
		defer f.Close()
		if rec, err = recording.ReadJSON(f); err != nil {
			return err
		}
	}

	steps := recording.Replay(cfg, rec)
	if *jsonOutput {
		return printJSON(steps)
	}

	fmt.Printf("%sReplaying %d events through %q%s\n", c.Bold, len(rec.Events), cfg.Metadata.Name, c.Reset)
	for _, s := range steps {
		input := s.Input.Key.String() + " " + s.Input.Kind.String()
		if s.Tick {
			input = "(timeout)"
		}
		fmt.Printf("  %s%10.3fms%s  %-18s -> %-30s %slayer %s%s\n",
			c.Dim, float64(s.Input.Timestamp)/1000, c.Reset,
			input, outputsString(s.Outputs), c.Dim, cfg.LayerName(s.Layer), c.Reset)
	}
	return nil
}

func cmdRecordings(args []string) error {
	fs := flag.NewFlagSet("recordings", flag.ExitOnError)
	db := fs.String("db", "", "Recording database (default: from settings)")
	fs.Parse(args)

	action := "list"
	if fs.NArg() > 0 {
		action = fs.Arg(0)
	}
	id := fs.Arg(1)
	if action != "list" && id == "" {
		return fmt.Errorf("usage: keyrxctl recordings %s ID", action)
	}

	store, err := openStore(*db)
	if err != nil {
		return err
	}
	defer store.Close()

	switch action {
	case "list":
		list, err := store.List()
		if err != nil {
			return err
		}
		if *jsonOutput {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No recordings. Create one with: keyrxd record -device PATH")
			return nil
		}
		for _, r := range list {
			fmt.Printf("%s  %s  %5d events  %8s  %s %s\n",
				r.ID, r.CreatedAt.Local().Format("2006-01-02 15:04"), r.Events, r.Duration.Round(time.Millisecond), r.Name, r.DeviceName)
		}
	case "show", "export":
		return store.Export(id, os.Stdout)
	case "delete":
		if err := store.Delete(id); err != nil {
			return err
		}
		fmt.Printf("Deleted recording %s\n", id)
	default:
		return fmt.Errorf("unknown recordings action %q", action)
	}
	return nil
}

func openStore(path string) (*recording.Store, error) {
	if path == "" {
		path = loadConfig().Recording.Database
	}
	return recording.Open(path)
}

func outputsString(outs []remap.OutputEvent) string {
	if len(outs) == 0 {
		return "-"
	}
	parts := make([]string, len(outs))
	for i, o := range outs {
		sign := "+"
		if o.Kind == keys.Release {
			sign = "-"
		}
		parts[i] = sign + o.Key.String()
	}
	return strings.Join(parts, " ")
}

func sortedKeys(l keymap.LayerTable) []keys.Key {
	out := make([]keys.Key, 0, len(l.Entries))
	for k := range l.Entries {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// reorder moves "-flag value" pairs named in valueFlags ahead of positional
// arguments so "compile SRC -o OUT" parses like "compile -o OUT SRC".
func reorder(args []string, valueFlags ...string) []string {
	takes := make(map[string]bool, len(valueFlags))
	for _, f := range valueFlags {
		takes["-"+f] = true
		takes["--"+f] = true
	}
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case takes[a] && i+1 < len(args):
			flags = append(flags, a, args[i+1])
			i++
		case strings.HasPrefix(a, "-") && len(a) > 1:
			flags = append(flags, a)
		default:
			positional = append(positional, a)
		}
	}
	return append(flags, positional...)
}
