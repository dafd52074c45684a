// Command vidx is a small driver over package valueindex, exercising the
// full public API from the shell: add, delete, replace, lookup and stats
// subcommands against a directory of idxl/idxr/ctext files.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/nodexdb/valueindex/valueindex"
	"github.com/nodexdb/valueindex/vidxlog"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut *os.File) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}

	cmd, rest := args[0], args[1:]

	switch cmd {
	case "add":
		return cmdAdd(rest, out, errOut)
	case "delete":
		return cmdDelete(rest, out, errOut)
	case "replace":
		return cmdReplace(rest, out, errOut)
	case "lookup":
		return cmdLookup(rest, out, errOut)
	case "stats":
		return cmdStats(rest, out, errOut)
	case "-h", "--help", "help":
		printUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "vidx: unknown command %q\n", cmd)
		printUsage(errOut)
		return 2
	}
}

func printUsage(w *os.File) {
	fmt.Fprintln(w, "Usage: vidx <add|delete|replace|lookup|stats> --dir <path> [--attr] ...")
}

// commonFlags holds the --dir/--attr pair shared by every subcommand.
type commonFlags struct {
	dir  string
	attr bool
}

func bindCommon(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}
	fs.StringVar(&c.dir, "dir", ".", "directory holding the index files")
	fs.BoolVar(&c.attr, "attr", false, "operate on the attribute-value index instead of the text index")
	return c
}

func (c *commonFlags) kind() valueindex.Kind {
	if c.attr {
		return valueindex.KindAttribute
	}
	return valueindex.KindText
}

func openIndex(c *commonFlags) (*valueindex.Index, error) {
	return valueindex.Open(valueindex.Options{
		Dir:    c.dir,
		Kind:   c.kind(),
		Logger: vidxlog.New(),
	})
}

// parseIDList parses a comma-separated list of ids, e.g. "1,2,3".
func parseIDList(s string) ([]uint32, error) {
	parts := strings.Split(s, ",")
	ids := make([]uint32, 0, len(parts))

	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", p, err)
		}
		ids = append(ids, uint32(v))
	}

	return ids, nil
}

func cmdAdd(args []string, out, errOut *os.File) int {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	fs.SetOutput(errOut)
	c := bindCommon(fs)
	key := fs.String("key", "", "key to add ids to")
	idsFlag := fs.String("ids", "", "comma-separated ascending ids to add")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *key == "" || *idsFlag == "" {
		fmt.Fprintln(errOut, "vidx add: --key and --ids are required")
		return 2
	}

	ids, err := parseIDList(*idsFlag)
	if err != nil {
		fmt.Fprintln(errOut, "vidx add:", err)
		return 1
	}

	ix, err := openIndex(c)
	if err != nil {
		fmt.Fprintln(errOut, "vidx add:", err)
		return 1
	}
	defer ix.Close()

	if err := ix.Add(context.Background(), map[string][]uint32{*key: ids}); err != nil {
		fmt.Fprintln(errOut, "vidx add:", err)
		return 1
	}

	fmt.Fprintf(out, "added %d id(s) to %q\n", len(ids), *key)
	return 0
}

func cmdDelete(args []string, out, errOut *os.File) int {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	fs.SetOutput(errOut)
	c := bindCommon(fs)
	key := fs.String("key", "", "key to remove ids from")
	idsFlag := fs.String("ids", "", "comma-separated ids to remove")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *key == "" || *idsFlag == "" {
		fmt.Fprintln(errOut, "vidx delete: --key and --ids are required")
		return 2
	}

	ids, err := parseIDList(*idsFlag)
	if err != nil {
		fmt.Fprintln(errOut, "vidx delete:", err)
		return 1
	}

	ix, err := openIndex(c)
	if err != nil {
		fmt.Fprintln(errOut, "vidx delete:", err)
		return 1
	}
	defer ix.Close()

	if err := ix.Delete(context.Background(), map[string][]uint32{*key: ids}); err != nil {
		fmt.Fprintln(errOut, "vidx delete:", err)
		return 1
	}

	fmt.Fprintf(out, "removed %d id(s) from %q\n", len(ids), *key)
	return 0
}

func cmdReplace(args []string, out, errOut *os.File) int {
	fs := flag.NewFlagSet("replace", flag.ContinueOnError)
	fs.SetOutput(errOut)
	c := bindCommon(fs)
	oldKey := fs.String("old-key", "", "key currently holding the id")
	newKey := fs.String("new-key", "", "key to move the id to")
	idFlag := fs.Uint32("id", 0, "id to move")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *oldKey == "" || *newKey == "" {
		fmt.Fprintln(errOut, "vidx replace: --old-key and --new-key are required")
		return 2
	}

	ix, err := openIndex(c)
	if err != nil {
		fmt.Fprintln(errOut, "vidx replace:", err)
		return 1
	}
	defer ix.Close()

	if err := ix.Replace([]byte(*oldKey), []byte(*newKey), *idFlag); err != nil {
		fmt.Fprintln(errOut, "vidx replace:", err)
		return 1
	}

	fmt.Fprintf(out, "moved id %d from %q to %q\n", *idFlag, *oldKey, *newKey)
	return 0
}

func cmdLookup(args []string, out, errOut *os.File) int {
	fs := flag.NewFlagSet("lookup", flag.ContinueOnError)
	fs.SetOutput(errOut)
	c := bindCommon(fs)
	key := fs.String("key", "", "key to look up")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *key == "" {
		fmt.Fprintln(errOut, "vidx lookup: --key is required")
		return 2
	}

	ix, err := openIndex(c)
	if err != nil {
		fmt.Fprintln(errOut, "vidx lookup:", err)
		return 1
	}
	defer ix.Close()

	ids, err := ix.Lookup([]byte(*key))
	if err != nil {
		fmt.Fprintln(errOut, "vidx lookup:", err)
		return 1
	}
	if ids == nil {
		fmt.Fprintf(out, "%q: not found\n", *key)
		return 0
	}

	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = strconv.FormatUint(uint64(id), 10)
	}
	fmt.Fprintf(out, "%q: [%s]\n", *key, strings.Join(strs, ","))
	return 0
}

func cmdStats(args []string, out, errOut *os.File) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(errOut)
	c := bindCommon(fs)

	if err := fs.Parse(args); err != nil {
		return 2
	}

	ix, err := openIndex(c)
	if err != nil {
		fmt.Fprintln(errOut, "vidx stats:", err)
		return 1
	}
	defer ix.Close()

	fmt.Fprintf(out, "keys: %d\n", ix.Size())
	fmt.Fprintf(out, "fragmentation: %.4f\n", ix.FragmentationRatio())
	return 0
}
