// Package overlayconfig parses the flags metafs-mount accepts into a
// Config the overlay and its logger are built from.
package overlayconfig

import (
	"flag"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Config holds everything a mount invocation needs.
type Config struct {
	// SourceDir is the real-FS directory the overlay delegates to. Must
	// end in "/data"; the metadata database is derived from it.
	SourceDir string
	// MountPoint is where the overlay is exposed to the guest.
	MountPoint string

	Debug      bool
	LogLevel   zerolog.Level
	AllowOther bool

	// FUSEOptions are passed through verbatim to fuse.MountOptions.Options.
	FUSEOptions []string
}

type stringList []string

func (l *stringList) String() string {
	if l == nil {
		return ""
	}
	return strings.Join(*l, ",")
}

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// Parse registers and parses flags on fs, the way example/loopback and
// example/unionfs parse their own mount flags, and returns the resulting
// Config. args is the argument list following the program name (e.g.
// os.Args[1:]).
func Parse(fs *flag.FlagSet, args []string) (Config, error) {
	var (
		debug    = fs.Bool("debug", false, "print debugging messages")
		other    = fs.Bool("allow-other", false, "mount with -o allowother")
		logLevel = fs.String("log-level", "info", "log level: debug, info, warn, error")
		fuseOpts stringList
	)
	fs.Var(&fuseOpts, "o", "pass an option straight through to the FUSE mount (may be repeated)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() != 2 {
		return Config{}, fmt.Errorf("usage: %s [flags] SOURCE/data MOUNTPOINT", fs.Name())
	}

	source := filepath.Clean(fs.Arg(0))
	if filepath.Base(source) != "data" {
		return Config{}, fmt.Errorf("source %q must end in /data", source)
	}

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		return Config{}, fmt.Errorf("log-level %q: %w", *logLevel, err)
	}

	return Config{
		SourceDir:   source,
		MountPoint:  filepath.Clean(fs.Arg(1)),
		Debug:       *debug,
		LogLevel:    level,
		AllowOther:  *other,
		FUSEOptions: []string(fuseOpts),
	}, nil
}
