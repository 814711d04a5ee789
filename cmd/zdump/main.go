package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/khorinis/zengin/archive"
	glog "github.com/khorinis/zengin/internal/log"
)

var (
	verbose   bool
	structure bool
	asJSON    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "zdump <archive>",
		Short: "Inspect ZenGin archives",
		Long: `zdump inspects ZenGin archive files (.zen and friends).

Without flags it prints the archive header. With --structure it walks the
object tree and prints every object and entry; --json emits the same tree
as JSON. Both require a self-delimiting encoding (ASCII or BIN_SAFE).

Examples:
  zdump OLDWORLD.ZEN               # header only
  zdump WORLD.ZEN --structure      # full object/entry dump
  zdump SAVEGAME.SAV --json        # object tree as JSON`,
		Args:                  cobra.ExactArgs(1),
		DisableFlagsInUseLine: true,
		RunE:                  runDump,
	}

	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.Flags().BoolVarP(&structure, "structure", "s", false, "dump the object structure")
	rootCmd.Flags().BoolVarP(&asJSON, "json", "j", false, "dump the object tree as JSON")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDump(cmd *cobra.Command, args []string) error {
	glog.Init(verbose)

	rd, f, err := archive.OpenFile(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	header := rd.Header()
	fmt.Printf("file:     %s\n", args[0])
	fmt.Printf("version:  %d\n", header.Version)
	fmt.Printf("archiver: %s\n", header.Archiver)
	fmt.Printf("format:   %s\n", header.Format)
	fmt.Printf("saveGame: %v\n", header.Save)
	if header.Date != "" {
		fmt.Printf("date:     %s\n", header.Date)
	}
	if header.User != "" {
		fmt.Printf("user:     %s\n", header.User)
	}

	switch {
	case asJSON:
		return dumpJSON(rd)
	case structure:
		return dumpStructure(rd)
	}
	return nil
}

// dumpStructure prints every object and entry the way the reference dump
// tool does.
func dumpStructure(rd archive.Reader) error {
	depth := 0
	indent := func() {
		for i := 0; i < depth; i++ {
			fmt.Print("  ")
		}
	}

	return rd.Visit(false, func(obj *archive.Object, entry *archive.Entry) {
		switch {
		case obj != nil:
			indent()
			fmt.Printf("<object class=%q name=%q version=%d index=%d>\n",
				obj.ClassName, obj.ObjectName, obj.Version, obj.Index)
			depth++
		case entry != nil:
			indent()
			fmt.Printf("<entry name=%q type=%q value=%v />\n", entry.Name, entry.Type, entry.Value)
		default:
			depth--
			indent()
			fmt.Println("</object>")
		}
	})
}

// jsonObject is the JSON shape of one archived object.
type jsonObject struct {
	ObjectName string        `json:"object_name,omitempty"`
	ClassName  string        `json:"class_name,omitempty"`
	Version    uint16        `json:"version"`
	Index      uint32        `json:"index"`
	Entries    []jsonEntry   `json:"entries,omitempty"`
	Children   []*jsonObject `json:"children,omitempty"`
}

type jsonEntry struct {
	Name  string `json:"name,omitempty"`
	Type  string `json:"type"`
	Value any    `json:"value"`
}

func dumpJSON(rd archive.Reader) error {
	root := &jsonObject{}
	stack := []*jsonObject{root}

	err := rd.Visit(false, func(obj *archive.Object, entry *archive.Entry) {
		top := stack[len(stack)-1]
		switch {
		case obj != nil:
			child := &jsonObject{
				ObjectName: obj.ObjectName,
				ClassName:  obj.ClassName,
				Version:    obj.Version,
				Index:      obj.Index,
			}
			top.Children = append(top.Children, child)
			stack = append(stack, child)
		case entry != nil:
			value := entry.Value
			if raw, ok := value.([]byte); ok {
				value = fmt.Sprintf("%x", raw)
			}
			top.Entries = append(top.Entries, jsonEntry{Name: entry.Name, Type: entry.Type.String(), Value: value})
		default:
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		}
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(root.Children)
}
