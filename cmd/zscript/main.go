package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/khorinis/zengin/daedalus"
	glog "github.com/khorinis/zengin/internal/log"
	"github.com/khorinis/zengin/internal/ui/colorize"
)

var (
	verbose bool
	filter  string
	asYaml  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "zscript <script.dat>",
		Short: "Inspect compiled Daedalus scripts",
		Long: `zscript inspects compiled Daedalus script files (.dat).

Without a subcommand it prints a short summary of the script: version,
symbol count and code segment size.

Examples:
  zscript GOTHIC.DAT                       # summary
  zscript symbols GOTHIC.DAT -f NPC_       # symbol table, filtered
  zscript disassemble GOTHIC.DAT B_SAY     # colorized bytecode listing
  zscript externals GOTHIC.DAT --yaml      # external signatures as YAML`,
		Args:                  cobra.ExactArgs(1),
		DisableFlagsInUseLine: true,
		RunE:                  runSummary,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")

	symbolsCmd := &cobra.Command{
		Use:   "symbols <script.dat>",
		Short: "List the symbol table",
		Args:  cobra.ExactArgs(1),
		RunE:  runSymbols,
	}
	symbolsCmd.Flags().StringVarP(&filter, "filter", "f", "", "only symbols containing this substring")
	rootCmd.AddCommand(symbolsCmd)

	disCmd := &cobra.Command{
		Use:     "disassemble <script.dat> <function>",
		Aliases: []string{"dis"},
		Short:   "Disassemble one function",
		Args:    cobra.ExactArgs(2),
		RunE:    runDisassemble,
	}
	rootCmd.AddCommand(disCmd)

	externalsCmd := &cobra.Command{
		Use:   "externals <script.dat>",
		Short: "List declared external functions",
		Args:  cobra.ExactArgs(1),
		RunE:  runExternals,
	}
	externalsCmd.Flags().BoolVar(&asYaml, "yaml", false, "emit a YAML manifest")
	rootCmd.AddCommand(externalsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func open(path string) (*daedalus.Script, error) {
	glog.Init(verbose)
	scr, err := daedalus.ParseScriptFile(path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return scr, nil
}

func runSummary(cmd *cobra.Command, args []string) error {
	scr, err := open(args[0])
	if err != nil {
		return err
	}
	defer scr.Close()

	var functions, externals, classes, instances int
	for i := range scr.Symbols() {
		sym := &scr.Symbols()[i]
		switch sym.Type() {
		case daedalus.TypeFunc:
			functions++
			if sym.IsExternal() {
				externals++
			}
		case daedalus.TypeClass:
			classes++
		case daedalus.TypeInstance:
			instances++
		}
	}

	fmt.Printf("file:      %s\n", args[0])
	fmt.Printf("version:   %d\n", scr.Version())
	fmt.Printf("symbols:   %d\n", len(scr.Symbols()))
	fmt.Printf("functions: %d (%d external)\n", functions, externals)
	fmt.Printf("classes:   %d\n", classes)
	fmt.Printf("instances: %d\n", instances)
	fmt.Printf("code:      %d bytes\n", scr.CodeSize())
	return nil
}

func runSymbols(cmd *cobra.Command, args []string) error {
	scr, err := open(args[0])
	if err != nil {
		return err
	}
	defer scr.Close()

	for i := range scr.Symbols() {
		sym := &scr.Symbols()[i]
		if filter != "" && !strings.Contains(sym.Name(), filter) {
			continue
		}

		var flags []string
		if sym.IsConst() {
			flags = append(flags, "const")
		}
		if sym.IsMember() {
			flags = append(flags, "member")
		}
		if sym.IsExternal() {
			flags = append(flags, "external")
		}
		if sym.IsMerged() {
			flags = append(flags, "merged")
		}

		fmt.Printf("%6d  %-9s  %-40s  %s\n", sym.Index(), sym.Type(), sym.Name(), strings.Join(flags, ","))
	}
	return nil
}

func runDisassemble(cmd *cobra.Command, args []string) error {
	scr, err := open(args[0])
	if err != nil {
		return err
	}
	defer scr.Close()

	sym := scr.SymbolByName(strings.ToUpper(args[1]))
	if sym == nil {
		return fmt.Errorf("no symbol named %s", args[1])
	}
	if sym.Address() == daedalus.Unset {
		return fmt.Errorf("%s carries no code", sym.Name())
	}

	fmt.Printf("%s:\n", colorize.FuncName(sym.Name()))

	pc := sym.Address()
	for pc < scr.CodeSize() {
		instr, err := scr.InstructionAt(pc)
		if err != nil {
			return err
		}

		fmt.Printf("  %s  %s\n", colorize.Address(pc), colorize.Instruction(formatInstruction(scr, instr)))

		pc += uint32(instr.Size)
		if instr.Op == daedalus.OpReturn {
			break
		}
	}
	return nil
}

// formatInstruction renders one instruction with resolved operands.
func formatInstruction(scr *daedalus.Script, instr daedalus.Instruction) string {
	symName := func(index uint32) string {
		if sym := scr.SymbolByIndex(index); sym != nil && sym.Name() != "" {
			return sym.Name()
		}
		return fmt.Sprintf("#%d", index)
	}

	switch instr.Op {
	case daedalus.OpCall:
		if sym := scr.SymbolByAddress(instr.Address); sym != nil {
			return fmt.Sprintf("%s %s", instr.Op, sym.Name())
		}
		return fmt.Sprintf("%s %#x", instr.Op, instr.Address)
	case daedalus.OpJump, daedalus.OpJumpIfZero:
		return fmt.Sprintf("%s %#x", instr.Op, instr.Address)
	case daedalus.OpPushInt:
		return fmt.Sprintf("%s %d", instr.Op, instr.Immediate)
	case daedalus.OpCallExternal, daedalus.OpPushVar, daedalus.OpPushInstance, daedalus.OpSetInstance:
		return fmt.Sprintf("%s %s", instr.Op, symName(instr.Symbol))
	case daedalus.OpPushArrayVar:
		return fmt.Sprintf("%s %s[%d]", instr.Op, symName(instr.Symbol), instr.Index)
	}
	return instr.Op.String()
}

// externalSignature is the YAML shape of one external declaration. Host
// implementers can generate registration scaffolding from the manifest.
type externalSignature struct {
	Name       string   `yaml:"name"`
	Returns    string   `yaml:"returns,omitempty"`
	Parameters []string `yaml:"parameters,omitempty"`
}

func runExternals(cmd *cobra.Command, args []string) error {
	scr, err := open(args[0])
	if err != nil {
		return err
	}
	defer scr.Close()

	var manifest []externalSignature
	for i := range scr.Symbols() {
		sym := &scr.Symbols()[i]
		if !sym.IsExternal() {
			continue
		}

		sig := externalSignature{Name: sym.Name()}
		if sym.HasReturn() {
			sig.Returns = sym.ReturnType().String()
		}
		for _, par := range scr.ParametersForFunction(sym) {
			if par == nil {
				continue
			}
			sig.Parameters = append(sig.Parameters, par.Type().String())
		}
		manifest = append(manifest, sig)
	}

	if asYaml {
		out, err := yaml.Marshal(manifest)
		if err != nil {
			return err
		}
		os.Stdout.Write(out)
		return nil
	}

	for _, sig := range manifest {
		ret := "void"
		if sig.Returns != "" {
			ret = sig.Returns
		}
		fmt.Printf("%s %s(%s)\n", ret, colorize.SymName(sig.Name), strings.Join(sig.Parameters, ", "))
	}
	return nil
}
