// remapctl manages remap devices and their on-spare metadata: scan
// candidate devices for reassembly, initialize a new main/spare pair,
// and inspect the metadata a spare carries.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/behrlich/go-remap"
	"github.com/behrlich/go-remap/internal/discover"
)

// config is the optional TOML configuration file.
type config struct {
	ConfidenceThreshold int    `toml:"confidence_threshold"`
	LogLevel            string `toml:"log_level"`
	SpareOverhead       int    `toml:"spare_overhead_percent"`
}

var (
	log = logrus.New()
	cfg config

	flagConfig  string
	flagVerbose bool
)

func main() {
	root := &cobra.Command{
		Use:   "remapctl",
		Short: "Manage bad-sector remap devices",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(); err != nil {
				return err
			}
			if flagVerbose || cfg.LogLevel == "debug" {
				log.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default ~/.config/remapctl.toml)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	root.AddCommand(scanCmd(), initCmd(), inspectCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() error {
	path := flagConfig
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		path = filepath.Join(home, ".config", "remapctl.toml")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if flagConfig == "" && os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	log.Debugf("loaded config from %s", path)
	return nil
}

func scanCmd() *cobra.Command {
	var threshold int
	cmd := &cobra.Command{
		Use:   "scan <device>...",
		Short: "Scan candidate devices for remap metadata and propose reassembly",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if threshold == 0 {
				threshold = cfg.ConfidenceThreshold
			}
			descs := discover.Scan(args, discover.Options{Threshold: threshold})
			if len(descs) == 0 {
				log.Info("no reassemblable metadata found")
				return nil
			}
			for _, d := range descs {
				fmt.Printf("spare %s: confidence %d/100, version counter %d, %d remaps\n",
					d.SparePath, d.Confidence, d.Counter, len(d.Records))
				fmt.Printf("  main device: %s sectors, lbs %d, pbs %d\n",
					humanize.Comma(int64(d.Fingerprint.SizeSectors)),
					d.Fingerprint.LogicalBlockSize,
					d.Fingerprint.PhysicalBlockSize)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&threshold, "threshold", 0, "minimum confidence score (default from config or 70)")
	return cmd
}

func initCmd() *cobra.Command {
	var name string
	var verify bool
	cmd := &cobra.Command{
		Use:   "init <main-device> <spare-device>",
		Short: "Attach a main/spare pair, initializing spare metadata if blank",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := remap.DefaultParams(args[0], args[1])
			if name != "" {
				params.Name = name
			}
			if cfg.SpareOverhead > 0 {
				params.SpareOverheadPercent = cfg.SpareOverhead
			}
			params.VerifyAfterPersist = verify

			device, err := remap.New(params, nil)
			if err != nil {
				return err
			}
			defer device.Close()

			status := device.Status()
			log.Infof("device attached: %s", status.TableLine())
			fmt.Println(device.Stats())
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "device name (default remap0)")
	cmd.Flags().BoolVar(&verify, "verify", false, "read back metadata after persisting")
	return cmd
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <spare-device>",
		Short: "Show the metadata copies a spare device carries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			descs := discover.Scan(args, discover.Options{Threshold: 1})
			if len(descs) == 0 {
				return fmt.Errorf("%s carries no valid remap metadata", args[0])
			}
			d := descs[0]
			fmt.Printf("version counter: %d\n", d.Counter)
			fmt.Printf("confidence:      %d/100\n", d.Confidence)
			fmt.Printf("sector size:     %d\n", d.Target.SectorSize)
			fmt.Printf("main device:     %s sectors\n", humanize.Comma(int64(d.Fingerprint.SizeSectors)))
			fmt.Printf("remaps:          %d\n", len(d.Records))
			for _, r := range d.Records {
				fmt.Printf("  %d -> %d (%d sectors, %s)\n", r.Main, r.Spare, r.Length, r.State)
			}
			return nil
		},
	}
}
