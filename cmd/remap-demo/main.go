package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/behrlich/go-remap"
	"github.com/behrlich/go-remap/internal/logging"
)

func main() {
	var (
		sizeStr    = flag.String("size", "64M", "Size of the demo main device (e.g., 64M, 1G)")
		spareStr   = flag.String("spare", "16M", "Size of the demo spare data region (e.g., 16M)")
		badSectors = flag.String("bad", "100,2048,2049", "Comma-separated main sectors that fail writes")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("Invalid size '%s': %v", *sizeStr, err)
	}
	spareSize, err := parseSize(*spareStr)
	if err != nil {
		log.Fatalf("Invalid spare size '%s': %v", *spareStr, err)
	}

	// Set up logging
	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logging.SetDefault(logging.NewLogger(logConfig))
	logger := logging.Default()

	const sectorSize = 512
	mainSectors := uint64(size) / sectorSize
	// The spare carries the metadata region in front of its data region.
	spareSectors := uint64(spareSize)/sectorSize + remap.DataRegionStart

	mainStore := remap.NewDemoStore(mainSectors, sectorSize)
	spare := remap.NewDemoStore(spareSectors, sectorSize)

	logger.Info("creating demo remap device",
		"main", formatSize(size), "spare_data", formatSize(spareSize))

	params := remap.DefaultParams("demo:main", "demo:spare")
	params.Name = "remap-demo"
	device, err := remap.NewDemoDevice(params, mainStore, spare, nil)
	if err != nil {
		logger.Error("failed to create device", "error", err)
		os.Exit(1)
	}
	defer device.Close()

	// Mark the requested sectors as failing media.
	var bad []uint64
	for _, field := range strings.Split(*badSectors, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		sector, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			log.Fatalf("Invalid bad sector '%s': %v", field, err)
		}
		mainStore.FailWrites(sector, 1)
		bad = append(bad, sector)
	}

	// Write across the device, including the bad sectors. The writes to
	// failing sectors come back clean because the engine relocates them.
	buf := make([]byte, sectorSize)
	for i := range buf {
		buf[i] = 0xA5
	}
	for _, sector := range bad {
		done := make(chan error, 1)
		device.Submit(&remap.Request{
			Op:         remap.OpWrite,
			Sector:     sector,
			Count:      1,
			Buf:        buf,
			OnComplete: func(err error) { done <- err },
		})
		if err := <-done; err != nil {
			logger.Error("write failed without suppression", "sector", sector, "error", err)
		} else {
			logger.Info("write completed despite failing media", "sector", sector)
		}
	}

	// Give the background worker a moment to persist the new remaps.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if device.ActiveRemapCount() == len(bad) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	for _, sector := range bad {
		if r, ok := device.Find(sector); ok {
			logger.Info("sector relocated", "main", r.MainSector, "spare", r.SpareSector, "state", r.State)
		}
	}

	fmt.Println()
	fmt.Println(device.Stats())
	reply, err := device.HandleMessage([]string{"metadata_status"})
	if err == nil {
		fmt.Println(reply)
	}
	fmt.Println("status:", device.Status().String())
}

// parseSize parses a size string like "64M" or "1G" into bytes
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	multiplier := int64(1)
	switch s[len(s)-1] {
	case 'K':
		multiplier = 1 << 10
		s = s[:len(s)-1]
	case 'M':
		multiplier = 1 << 20
		s = s[:len(s)-1]
	case 'G':
		multiplier = 1 << 30
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * multiplier, nil
}

// formatSize renders a byte count like "64M"
func formatSize(n int64) string {
	switch {
	case n >= 1<<30 && n%(1<<30) == 0:
		return fmt.Sprintf("%dG", n>>30)
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%dM", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%dK", n>>10)
	default:
		return fmt.Sprintf("%d", n)
	}
}
