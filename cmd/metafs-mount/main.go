// Command metafs-mount mounts a metadata overlay: a real-FS directory
// whose mode/uid/gid/rdev bits are overridden by a side-channel
// database, exposed to the guest through FUSE.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/quietfs/metafs/overlay"
	"github.com/quietfs/metafs/overlayconfig"
	"github.com/rs/zerolog"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	cfg, err := overlayconfig.Parse(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fs.Usage()
		os.Exit(2)
	}

	log := newLogger(cfg)

	server, root, err := overlay.Mount(cfg.SourceDir, cfg.MountPoint, overlay.Options{
		AllowOther:  cfg.AllowOther,
		Debug:       cfg.Debug,
		FUSEOptions: cfg.FUSEOptions,
		Log:         log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("mount")
	}
	defer root.Close()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info().Msg("received signal, unmounting")
		if err := server.Unmount(); err != nil {
			log.Warn().Err(err).Msg("unmount")
		}
	}()

	log.Info().Str("source", cfg.SourceDir).Str("mount", cfg.MountPoint).Msg("mounted")
	server.Wait()
}

func newLogger(cfg overlayconfig.Config) zerolog.Logger {
	var w interface {
		Write([]byte) (int, error)
	} = os.Stderr
	if cfg.Debug {
		w = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return zerolog.New(w).Level(cfg.LogLevel).With().Timestamp().Logger()
}
