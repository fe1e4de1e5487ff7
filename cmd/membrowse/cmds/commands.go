package cmds

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/membrowse/membrowse-action/pkg/analyzer"
	"github.com/membrowse/membrowse-action/pkg/classify"
	"github.com/membrowse/membrowse-action/pkg/config"
	"github.com/membrowse/membrowse-action/pkg/demangle"
	"github.com/membrowse/membrowse-action/pkg/logflags"
	"github.com/membrowse/membrowse-action/pkg/report"
	"github.com/membrowse/membrowse-action/pkg/symindex"
	"github.com/membrowse/membrowse-action/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configPath overrides the default configuration file.
	configPath string

	// report flags
	format  string
	output  string
	top     int
	workers int

	// memory layout flags of report and sections
	regions       []string
	linkerScripts []string
	defines       []string

	// symbols flags
	prefix string
	fuzzy  string
	class  string

	// demangle and version flags
	verbose bool

	conf *config.Config
)

const membrowseCommandLongDesc = `membrowse analyzes the memory layout of ELF firmware images.

It reads the section and symbol tables of a linked binary or object file,
classifies every symbol as code, read-only data, initialized data or
zero-initialized data, demangles C++ names and uses the DWARF debug
information, when present, to find where each symbol is defined.

The result is a report listing per section and per memory class usage,
the largest symbols and the anomalies found in the binary.`

// New returns an initialized command tree.
func New() *cobra.Command {
	rootCommand := &cobra.Command{
		Use:           "membrowse",
		Short:         "membrowse is a memory footprint analyzer for ELF firmware.",
		Long:          membrowseCommandLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logflags.Setup(log, logOutput, logDest); err != nil {
				return err
			}
			return loadConfig()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logflags.Close()
		},
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'membrowse help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'membrowse help log').")
	rootCommand.PersistentFlags().StringVarP(&configPath, "config", "", "", "Configuration file, defaults to config.yml in the membrowse configuration directory.")

	// 'report' subcommand.
	reportCommand := &cobra.Command{
		Use:   "report <binary>",
		Short: "Analyze a binary and print the memory report.",
		Long: `Analyze a binary and print the memory report.

The report is written as JSON or YAML to standard output, or to the file
given with --output. Memory regions can be described with --region, using
the same fields as a MEMORY command of a linker script:

	membrowse report firmware.elf --region "FLASH 0x08000000 512K rx" --region "RAM 0x20000000 128K rwx"

The regions can also be read from the MEMORY command of the linker scripts
used to link the binary. Symbols the scripts take from the C preprocessor
or from the command line of the linker are set with --define:

	membrowse report firmware.elf --linker-script stm32f4.ld --define _flash_size=512K

Regions given on the command line replace the ones of the configuration
file, --region takes precedence over --linker-script.`,
		Args: cobra.ExactArgs(1),
		RunE: reportCmd,
	}
	reportCommand.Flags().StringVarP(&format, "format", "f", "json", "Output format, json or yaml.")
	reportCommand.Flags().StringVarP(&output, "output", "o", "", "Write the report to this file instead of standard output.")
	reportCommand.Flags().IntVar(&top, "top", config.DefaultTopSymbols, "Number of entries in the list of largest symbols.")
	reportCommand.Flags().IntVar(&workers, "workers", 0, "Number of goroutines processing symbols, 0 uses one per CPU.")
	addLayoutFlags(reportCommand)
	rootCommand.AddCommand(reportCommand)

	// 'sections' subcommand.
	sectionsCommand := &cobra.Command{
		Use:   "sections <binary>",
		Short: "Print the section table with memory classes.",
		Args:  cobra.ExactArgs(1),
		RunE:  sectionsCmd,
	}
	addLayoutFlags(sectionsCommand)
	rootCommand.AddCommand(sectionsCommand)

	// 'symbols' subcommand.
	symbolsCommand := &cobra.Command{
		Use:   "symbols <binary>",
		Short: "List the symbols of a binary.",
		Long: `List the symbols of a binary with their size, memory class and location.

Symbols can be filtered by the prefix of their demangled qualified name or
of their raw name, for example:

	membrowse symbols firmware.elf --prefix Hardware::UART::
	membrowse symbols firmware.elf --class bss`,
		Args: cobra.ExactArgs(1),
		RunE: symbolsCmd,
	}
	symbolsCommand.Flags().StringVarP(&prefix, "prefix", "p", "", "Only list symbols whose name starts with prefix.")
	symbolsCommand.Flags().StringVar(&fuzzy, "fuzzy", "", "Only list symbols whose name contains these characters in order.")
	symbolsCommand.Flags().StringVarP(&class, "class", "c", "", "Only list symbols of this memory class (text, rodata, data, bss, other).")
	rootCommand.AddCommand(symbolsCommand)

	// 'demangle' subcommand.
	demangleCommand := &cobra.Command{
		Use:   "demangle [names...]",
		Short: "Demangle C++ symbol names.",
		Long: `Demangle C++ symbol names given as arguments, or read one per line from
standard input when no argument is given. Names that are not mangled are
printed unchanged.`,
		RunE: demangleCmd,
	}
	demangleCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print the decomposed signature as JSON.")
	rootCommand.AddCommand(demangleCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "membrowse\n%s\n", version.MembrowseVersion)
			if verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print the Go version and the module dependencies.")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	loader		Log loading of the ELF headers and sections
	symtab		Log symbol table decoding
	demangle	Log names that could not be demangled
	correlate	Log recoverable errors reading the debug information
	report		Log the reduction of the results
	analyzer	Log the analysis pipeline (default)

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func addLayoutFlags(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&regions, "region", nil, `Memory region as "NAME ORIGIN LENGTH [ATTRIBUTES]", can be repeated.`)
	cmd.Flags().StringArrayVar(&linkerScripts, "linker-script", nil, "Read memory regions from the MEMORY command of this linker script, can be repeated.")
	cmd.Flags().StringArrayVar(&defines, "define", nil, "Define a linker script symbol as NAME=VALUE, can be repeated.")
}

func loadConfig() error {
	var err error
	if configPath != "" {
		conf, err = config.LoadConfigFile(configPath)
		return errors.Wrap(err, "could not load configuration")
	}
	conf, err = config.LoadConfig()
	if err != nil {
		logflags.AnalyzerLogger().Warnf("%v, using defaults", err)
		conf = &config.Config{}
	}
	return nil
}

// analysisOptions merges the configuration file and the command line
// flags, flags win when set.
func analysisOptions(cmd *cobra.Command) (analyzer.Options, error) {
	opts := analyzer.OptionsFromConfig(conf)
	flags := cmd.Flags()
	if flags.Changed("top") {
		opts.TopSymbols = top
	}
	if flags.Changed("workers") {
		opts.Workers = workers
	}
	var scripts []string
	if conf != nil {
		scripts = conf.LinkerScripts
	}
	if flags.Changed("linker-script") {
		scripts = linkerScripts
	}
	switch {
	case flags.Changed("region"):
		opts.Regions = nil
		for _, in := range regions {
			r, err := config.ParseRegion(in)
			if err != nil {
				return opts, err
			}
			opts.Regions = append(opts.Regions, r)
		}
	case len(scripts) > 0:
		defs := make(map[string]uint64, len(defines))
		for _, in := range defines {
			name, v, err := config.ParseDefine(in)
			if err != nil {
				return opts, err
			}
			defs[name] = v
		}
		var err error
		if opts.Regions, err = config.LoadLinkerScripts(scripts, defs); err != nil {
			return opts, err
		}
	}
	return opts, nil
}

func analyze(cmd *cobra.Command, path string) (*report.Report, error) {
	opts, err := analysisOptions(cmd)
	if err != nil {
		return nil, err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return analyzer.Analyze(ctx, path, opts)
}

func reportCmd(cmd *cobra.Command, args []string) error {
	if format != "json" && format != "yaml" {
		return errors.Errorf("unknown format %q, expected json or yaml", format)
	}
	r, err := analyze(cmd, args[0])
	if err != nil {
		return err
	}

	if output == "" {
		return writeReport(cmd.OutOrStdout(), r, format)
	}
	fh, err := os.Create(output)
	if err != nil {
		return err
	}
	if err := writeReport(fh, r, format); err != nil {
		fh.Close()
		return err
	}
	return errors.Wrap(fh.Close(), "could not write report")
}

func writeReport(w io.Writer, r *report.Report, format string) error {
	if format == "yaml" {
		buf, err := yaml.Marshal(r)
		if err != nil {
			return errors.Wrap(err, "could not encode report")
		}
		_, err = w.Write(buf)
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(r), "could not encode report")
}

func sectionsCmd(cmd *cobra.Command, args []string) error {
	r, err := analyze(cmd, args[0])
	if err != nil {
		return err
	}
	printSections(cmd.OutOrStdout(), r)
	return nil
}

func symbolsCmd(cmd *cobra.Command, args []string) error {
	var want classify.MemoryClass
	if class != "" {
		var err error
		want, err = classify.Parse(class)
		if err != nil {
			return err
		}
	}
	r, err := analyze(cmd, args[0])
	if err != nil {
		return err
	}

	syms := r.Symbols
	switch {
	case prefix != "":
		syms = symindex.New(r.Symbols).WithPrefix(prefix)
	case fuzzy != "":
		syms = symindex.New(r.Symbols).Fuzzy(fuzzy)
	}
	if class != "" {
		filtered := syms[:0:0]
		for _, s := range syms {
			if s.Class == want {
				filtered = append(filtered, s)
			}
		}
		syms = filtered
	}
	printSymbols(cmd.OutOrStdout(), syms)
	return nil
}

func demangleCmd(cmd *cobra.Command, args []string) error {
	dm := demangle.NewDemangler(conf.GetDemangleCacheSize())
	out := cmd.OutOrStdout()
	emit := func(name string) error {
		sig := dm.Demangle(name)
		if !verbose {
			_, err := fmt.Fprintln(out, sig.Display)
			return err
		}
		buf, err := json.Marshal(sig)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "%s\n", buf)
		return err
	}

	if len(args) > 0 {
		for _, name := range args {
			if err := emit(name); err != nil {
				return err
			}
		}
		return nil
	}
	s := bufio.NewScanner(cmd.InOrStdin())
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for s.Scan() {
		name := strings.TrimSpace(s.Text())
		if name == "" {
			continue
		}
		if err := emit(name); err != nil {
			return err
		}
	}
	return s.Err()
}
