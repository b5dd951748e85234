// micrite: screening host sequencing data for microbial reads.
// Copyright (c) 2024 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/micrite/blob/master/LICENSE.txt>.


package cmd

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/exascience/micrite/config"
	"github.com/exascience/micrite/diag"
	"github.com/exascience/micrite/taxonomy"
	"github.com/exascience/micrite/utils"
)

// ProgramMessage is the first line printed when the micrite binary is
// called.
var ProgramMessage string

func init() {
	ProgramMessage = fmt.Sprint(
		"\n", utils.ProgramName, " version ", utils.ProgramVersion,
		" compiled with ", runtime.Version(),
		" - see ", utils.ProgramURL, " for more information.\n",
	)
}

// HelpMessage is printed to show the --help flag
const HelpMessage = "Print command details:\n" +
	"[--help]\n"

const commonHelp = "[--config file]\n" +
	"[--sample name]\n" +
	"[--strict]\n" +
	"[--nr-of-threads n]\n" +
	"[--timed]\n" +
	"[--profile file]\n" +
	"[--log-path path]\n"

func getFilename(s, help string) string {
	switch s {
	case "-h", "--h", "-help", "--help":
		fmt.Fprint(os.Stderr, help)
		os.Exit(0)
	default:
		if strings.HasPrefix(s, "-") {
			log.Println("Filename(s) in command line missing.")
			fmt.Fprint(os.Stderr, help)
			os.Exit(1)
		}
	}
	return s
}

func parseFlags(flags *flag.FlagSet, requiredArgs int, help string) {
	if len(os.Args) < requiredArgs {
		fmt.Fprintln(os.Stderr, "Incorrect number of parameters.")
		fmt.Fprint(os.Stderr, help)
		os.Exit(1)
	}
	flags.SetOutput(ioutil.Discard)
	if err := flags.Parse(os.Args[requiredArgs:]); err != nil {
		x := 0
		if err != flag.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			x = 1
		}
		fmt.Fprint(os.Stderr, help)
		os.Exit(x)
	}
	if flags.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Cannot parse remaining parameters:", flags.Args())
		fmt.Fprint(os.Stderr, help)
		os.Exit(1)
	}
}

func logCheckFile(parameter, format string, v ...interface{}) {
	if parameter != "" {
		log.Printf(format+" for command line parameter %v.\n", append(v, parameter)...)
	} else {
		log.Printf(format+".\n", v...)
	}
}

func checkExist(parameter, filename string) bool {
	if len(filename) == 0 {
		logCheckFile(parameter, "Error: Missing filename")
		return false
	}
	if filename[0] == '-' {
		logCheckFile(parameter, "Error: Missing filename before %v", filename)
		return false
	}
	if _, err := os.Stat(filename); err == nil {
		return true
	} else if os.IsNotExist(err) {
		logCheckFile(parameter, "Error: File %v does not exist", filename)
		return false
	} else if os.IsPermission(err) {
		logCheckFile(parameter, "Error: No permission to read file %v", filename)
		return false
	} else {
		logCheckFile(parameter, "Error %v when trying to access file %v", err, filename)
		return false
	}
}

func checkCreate(parameter, filename string) bool {
	if len(filename) == 0 {
		logCheckFile(parameter, "Error: Missing filename")
		return false
	}
	if filename[0] == '-' {
		logCheckFile(parameter, "Error: Missing filename before %v", filename)
		return false
	}
	if _, err := os.Stat(filename); err == nil {
		// Assume that the file has been written by previous micrite runs, and can be overwritten.
		return true
	}
	err := os.MkdirAll(filepath.Dir(filename), 0700)
	if err == nil {
		err = ioutil.WriteFile(filename, nil, 0666)
	}
	if err != nil {
		if os.IsPermission(err) {
			logCheckFile(parameter, "Error: No permission to create file %v", filename)
		} else {
			logCheckFile(parameter, "Error %v when trying to create file %v", err, filename)
		}
		return false
	}
	_ = os.Remove(filename)
	return true
}

func createLogFilename() string {
	t := time.Now()
	zone, _ := t.Zone()
	return fmt.Sprintf("logs/micrite/micrite-%d-%02d-%02d-%02d-%02d-%02d-%09d-%v.log", t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), zone)
}

func setLogOutput(path string) {
	logPath := createLogFilename()
	var fullPath string
	if path == "" {
		fullPath = filepath.Join(os.Getenv("HOME"), logPath)
	} else {
		fullPath = filepath.Join(path, logPath)
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0700); err != nil {
		log.Panic(err)
	}
	f, err := os.Create(fullPath)
	if err != nil {
		log.Panic(err)
	}
	fmt.Fprintln(f, ProgramMessage)

	orgStderr, err := unix.Dup(2)
	if err != nil {
		log.Panic(err)
	}
	ferr := os.NewFile(uintptr(orgStderr), "/dev/stderr")
	if err := unix.Dup2(int(f.Fd()), 2); err != nil {
		log.Panic(err)
	}

	multi := io.MultiWriter(f, ferr)

	log.SetOutput(multi)
	log.Println("Created log file at", fullPath)
	log.Println("Command line:", os.Args)
}

func timedRun(timed bool, profile, msg string, phase int64, f func() error) (err error) {
	if profile != "" {
		filename := profile + strconv.FormatInt(phase, 10) + ".prof"
		file, ferr := os.Create(filename)
		if ferr != nil {
			return errors.Wrapf(ferr, "creating profile %v", filename)
		}
		defer func() {
			if nerr := file.Close(); err == nil {
				err = nerr
			}
		}()
		if err := pprof.StartCPUProfile(file); err != nil {
			return err
		}
		defer pprof.StopCPUProfile()
	}
	if timed {
		log.Println(msg)
		start := time.Now()
		defer func() {
			end := time.Now()
			log.Println("Elapsed time: ", end.Sub(start))
		}()
	}
	return f()
}

// commonOptions are the flags shared by all commands.
type commonOptions struct {
	configFile, sample, profile, logPath string
	strict, timed                        bool
	nrOfThreads                          int
}

func (options *commonOptions) register(flags *flag.FlagSet) {
	flags.StringVar(&options.configFile, "config", "", "read settings from the specified YAML file")
	flags.StringVar(&options.sample, "sample", "", "sample name stamped on the results")
	flags.BoolVar(&options.strict, "strict", false, "treat malformed records as fatal errors")
	flags.IntVar(&options.nrOfThreads, "nr-of-threads", 0, "number of worker threads")
	flags.BoolVar(&options.timed, "timed", false, "measure the runtime")
	flags.StringVar(&options.profile, "profile", "", "write a runtime profile to the specified file(s)")
	flags.StringVar(&options.logPath, "log-path", "", "write log files to the specified directory")
}

func (options *commonOptions) check() (ok bool) {
	ok = true
	if options.configFile != "" && !checkExist("--config", options.configFile) {
		ok = false
	}
	if options.profile != "" && !checkCreate("--profile", options.profile) {
		ok = false
	}
	if options.nrOfThreads < 0 {
		log.Println("Error: Invalid nr-of-threads: ", options.nrOfThreads)
		ok = false
	}
	return
}

// load reads the configuration and lets the flags that were given on
// the command line override it.
func (options *commonOptions) load(flags *flag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(options.configFile)
	if err != nil {
		return nil, err
	}
	given := givenFlags(flags)
	if given["sample"] {
		cfg.Sample = options.sample
	}
	if given["strict"] {
		cfg.Strict = options.strict
	}
	if options.nrOfThreads > 0 {
		runtime.GOMAXPROCS(options.nrOfThreads)
	}
	return cfg, nil
}

func (options *commonOptions) describe(command io.Writer) {
	if options.configFile != "" {
		fmt.Fprint(command, " --config ", options.configFile)
	}
	if options.sample != "" {
		fmt.Fprint(command, " --sample ", options.sample)
	}
	if options.strict {
		fmt.Fprint(command, " --strict")
	}
	if options.nrOfThreads > 0 {
		fmt.Fprint(command, " --nr-of-threads ", options.nrOfThreads)
	}
	if options.timed {
		fmt.Fprint(command, " --timed")
	}
	if options.profile != "" {
		fmt.Fprint(command, " --profile ", options.profile)
	}
	if options.logPath != "" {
		fmt.Fprint(command, " --log-path ", options.logPath)
	}
}

func givenFlags(flags *flag.FlagSet) map[string]bool {
	given := make(map[string]bool)
	flags.Visit(func(f *flag.Flag) { given[f.Name] = true })
	return given
}

func newRunID() string {
	return uuid.New().String()
}

// parseTaxids parses a comma-separated list of taxids.
func parseTaxids(s string) ([]uint32, error) {
	if s == "" {
		return nil, nil
	}
	var taxids []uint32
	for _, field := range strings.Split(s, ",") {
		taxid, err := strconv.ParseUint(strings.TrimSpace(field), 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid taxid %q", field)
		}
		taxids = append(taxids, uint32(taxid))
	}
	return taxids, nil
}

// loadTree reads the taxonomy from a classification report or an NCBI
// taxdump directory. Exactly one of them must be given.
func loadTree(report, taxdump string, tally *diag.Tally) (*taxonomy.Tree, error) {
	if taxdump != "" {
		return taxonomy.FromTaxdump(taxdump)
	}
	f, err := os.Open(report)
	if err != nil {
		return nil, errors.Wrapf(err, "opening report %v", report)
	}
	defer f.Close()
	rows, err := taxonomy.ReadReport(f, tally)
	if err != nil {
		return nil, errors.Wrapf(err, "reading report %v", report)
	}
	return taxonomy.FromReport(rows)
}

func checkTaxonomySource(report, taxdump string) bool {
	switch {
	case report == "" && taxdump == "":
		log.Println("Error: Missing taxonomy, specify --report or --taxdump.")
		return false
	case report != "" && taxdump != "":
		log.Println("Error: Specify only one of --report and --taxdump.")
		return false
	case report != "":
		return checkExist("--report", report)
	default:
		return checkExist("--taxdump", taxdump)
	}
}

// writeFile creates filename and hands a buffered writer to write.
func writeFile(filename string, write func(io.Writer) error) (err error) {
	f, err := os.Create(filename)
	if err != nil {
		return errors.Wrapf(err, "creating %v", filename)
	}
	defer func() {
		if nerr := f.Close(); err == nil && nerr != nil {
			err = errors.Wrapf(nerr, "closing %v", filename)
		}
	}()
	w := bufio.NewWriter(f)
	if err = write(w); err != nil {
		return errors.Wrapf(err, "writing %v", filename)
	}
	return w.Flush()
}
