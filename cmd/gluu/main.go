package main

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/docopt/docopt-go"
	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"
)

func init() {
	if os.Getenv("DEBUG") == "1" {
		log.SetLevel(log.DebugLevel)
	}
	logrus.SetReportCaller(true)
	formatter := &logrus.TextFormatter{
		CallerPrettyfier: caller(),
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyFile: "caller",
		},
	}
	formatter.TimestampFormat = "15:04:05.999999999"
	logrus.SetFormatter(formatter)
}

func caller() func(*runtime.Frame) (function string, file string) {
	return func(f *runtime.Frame) (function string, file string) {
		p, _ := os.Getwd()
		return "", fmt.Sprintf("%s:%d", strings.TrimPrefix(f.File, p), f.Line)
	}
}

// Opts is bound from docopt's parse of usage below (spec §6's CLI
// surface).
type Opts struct {
	Create   bool
	Upload   bool
	Apply    bool
	Validate bool

	// docopt-go matches struct fields to usage keys by stripping
	// "-"/"<"/">" and comparing case-insensitively, so dash-joined
	// long flags (--block-size -> BlockSize) and bare positionals
	// (<dir> -> Dir) need no tag, same as cmd/pb's Opts. Underscored
	// positionals do need one: the underscore survives stripping and
	// has no Go-identifier equivalent to compare against.
	Dir          string
	PatchDataDir string `docopt:"<patch_data_dir>"`
	InstallDir   string `docopt:"<install_dir>"`

	BlockSize        string
	Compress         bool
	CompressionLevel string
	DictPath         string
	RegenDict        bool
	Output           string
	PatchData        string
	All              bool
	NoCompression    bool
}

func main() {
	os.Exit(run())
}

func run() (rc int) {
	usage := `gluu

Usage:
  gluu create <dir> [--block-size=<n>] [--compress] [--compression-level=<n>] [--dict-path=<path>] [--regen-dict] [--output=<dir>] [--patch-data=<loc>]
  gluu upload <patch_data_dir> [--all]
  gluu apply <install_dir> [--patch-data=<loc>] [--no-compression]
  gluu validate <install_dir>

Options:
  -h --help                     Show this screen.
  --version                     Show version.
  --block-size=<n>               Average chunk size in bytes [default: 65536].
  --compress                     Enable Zstd compression.
  --compression-level=<n>        Zstd compression level [default: 5].
  --dict-path=<path>             Dictionary to reuse when the previous changelog has one.
  --regen-dict                   Force dictionary retraining.
  --output=<dir>                 Patch data output directory [default: ./patchdata].
  --patch-data=<loc>             Local path or http(s):// URL to patch data.
  --all                          Upload every object, not just new ones.
  --no-compression                Treat the manifest as uncompressed regardless of its own flag.
`
	parser := &docopt.Parser{OptionsFirst: false}
	o, err := parser.ParseArgs(usage, os.Args[1:], "0.1.0")
	if err != nil {
		log.Error(err)
		return 22
	}
	var opts Opts
	if err := o.Bind(&opts); err != nil {
		log.Error(err)
		return 22
	}
	log.Debugf("%+v", opts)

	cfg := configFromEnv()

	switch true {
	case opts.Create:
		if err := runCreate(opts); err != nil {
			log.Error(err)
			return 1
		}
	case opts.Upload:
		if err := runUpload(opts, cfg); err != nil {
			log.Error(err)
			return 1
		}
	case opts.Apply:
		if err := runApply(opts, cfg); err != nil {
			log.Error(err)
			return 1
		}
	case opts.Validate:
		ok, err := runValidate(opts)
		if err != nil {
			log.Error(err)
			return 1
		}
		if !ok {
			fmt.Println("validation failed")
			return 1
		}
		fmt.Println("validation passed")
	}
	return 0
}

func atoiOr(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
