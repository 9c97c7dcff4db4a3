package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	c "kdev/internal"
	"kdev/internal/config"
	"kdev/internal/iomgr"
	"kdev/internal/replay"
	"kdev/internal/system"
	"kdev/internal/util"

	"github.com/lmittmann/tint"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const PROBE_DUMP = 512

func setupLogging(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose { level = slog.LevelDebug }
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	})))
	return slog.Default()
}

// load layers the config file, .env and KDEV_* variables under whatever flags were set.
func load(cmd *cobra.Command, cfg *config.Config, cfgPath string) error {
	changed := config.Changed(cmd.Flags())

	if cfgPath != "" {
		fc, err := config.LoadFileConfig(cfgPath)
		if err != nil {
			return errors.Wrap(err, "load config")
		}
		if err := config.ApplyFileConfig(cfg, fc, changed); err != nil {
			return err
		}
	}
	if err := config.LoadDotenv(".env"); err != nil {
		return errors.Wrap(err, "load .env")
	}
	if err := config.ApplyEnvConfig(cfg, os.LookupEnv, changed); err != nil {
		return err
	}
	return cfg.Validate()
}

func runReplay(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if cfg.Iolog == "" {
		return errors.New("iolog is required")
	}
	f, err := os.Open(cfg.Iolog)
	if err != nil {
		return err
	}
	defer f.Close()

	dev, err := iomgr.Open(cfg.Device, cfg.IOConfig(log))
	if err != nil {
		return err
	}
	defer dev.Close()

	st, err := replay.Run(ctx, dev, replay.NewSource(f), cfg.ReplayOptions(log))
	fmt.Printf("reads %d  writes %d  bytes %s  completed %d  elapsed %s  iops %.0f\n",
		st.Reads, st.Writes, util.HumanBytes(st.Bytes), st.Completed, st.Elapsed, st.IOPS())
	return err
}

func runProbe(cfg config.Config, log *slog.Logger) error {
	dev, err := iomgr.Open(cfg.Device, cfg.IOConfig(log))
	if err != nil {
		return err
	}
	defer dev.Close()

	fmt.Printf("path        %s\n", dev.Path())
	fmt.Printf("disk        %s\n", dev.Disk())
	fmt.Printf("block size  %d\n", dev.BlockSize())
	fmt.Printf("size        %s (%d bytes)\n", util.HumanBytes(dev.Size()), dev.Size())
	fmt.Printf("queue depth %d\n", dev.MaxQueueDepth())

	if dev.Size() == 0 { return nil }
	n := min(uint64(c.OS_PAGE), dev.Size())
	buf, err := system.AllocSlab(int(n))
	if err != nil { return err }
	defer system.DeallocSlab(buf)

	q := iomgr.NewIOContext()
	if err := dev.EnqueueRead(q, 0, buf); err != nil { return err }
	if err := dev.Drain(q); err != nil { return err }
	if err := q.Err(); err != nil { return errors.Wrap(err, "read first block") }

	fmt.Print(util.HexDump(buf, PROBE_DUMP))
	return q.Close()
}

func main() {
	cfg := config.DefaultConfig()
	var cfgPath string
	var log *slog.Logger

	root := &cobra.Command{
		Use:           "kdev",
		Short:         "Batched kernel AIO against a raw block device",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := load(cmd, &cfg, cfgPath); err != nil {
				return err
			}
			log = setupLogging(cfg.Verbose)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "TOML config file")
	config.RegisterFlags(root.PersistentFlags(), &cfg)

	root.AddCommand(&cobra.Command{
		Use:     "replay",
		Short:   "Replay the reads and writes of a fio iolog against the device",
		Example: "  kdev replay --device /dev/loop0 --iolog seq_rw.log --depth 256",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runReplay(ctx, cfg, log)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "probe",
		Short: "Print the device's geometry and identity and dump its first block",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cfg, log)
		},
	})

	if err := root.Execute(); err != nil {
		var e *iomgr.Error
		if errors.As(err, &e) {
			fmt.Fprintf(os.Stderr, "kdev: %v (%d)\n", err, e.Errno())
		} else {
			fmt.Fprintf(os.Stderr, "kdev: %v\n", err)
		}
		os.Exit(1)
	}
}
