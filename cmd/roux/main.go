// Roux CLI - loads compiled code images and runs them
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/roux-lang/roux/compiler"
	"github.com/roux-lang/roux/vm"
)

func main() {
	disasm := flag.Bool("d", false, "Disassemble images instead of running them")
	configPath := flag.String("config", "", "Path to a TOML runtime configuration file")
	trace := flag.Bool("trace", false, "Log every executed instruction")
	verbosity := flag.Int("v", 0, "Log verbosity (0 = errors only)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: roux [options] image.rxc...\n\n")
		fmt.Fprintf(os.Stderr, "Runs compiled code images in a fresh runtime and prints visible results.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  roux prog.rxc           # Run an image\n")
		fmt.Fprintf(os.Stderr, "  roux -d prog.rxc        # Show its instruction listing\n")
		fmt.Fprintf(os.Stderr, "  roux -trace prog.rxc    # Run with an instruction trace\n")
	}
	flag.Parse()

	commonlog.Configure(*verbosity, nil)

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	opts := vm.DefaultOptions()
	if *configPath != "" {
		loaded, err := vm.LoadOptions(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		opts = loaded
	}
	opts.Trace = *trace

	rt := vm.NewRuntime(opts)
	compiler.New(rt)

	for _, path := range flag.Args() {
		image, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		code, err := vm.DecodeImage(image, rt)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", path, err)
			os.Exit(1)
		}

		if *disasm {
			fmt.Printf("== %s (%x)\n", path, vm.ImageHash(image))
			fmt.Print(vm.Disassemble(code, rt.Pool))
			continue
		}

		result, err := rt.Run(code, rt.Global)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", path, err)
			os.Exit(1)
		}
		if rt.Visible() {
			fmt.Println(vm.FormatValue(result))
		}
	}
}
