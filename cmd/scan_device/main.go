package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/go-recover/blockreader"
	"github.com/dsoprea/go-recover/recoverable"
	"github.com/dsoprea/go-recover/session"
)

type rootParameters struct {
	DevicePath  string `short:"d" long:"device" description:"Device or image file-path to scan" required:"true"`
	ScanType    string `short:"t" long:"scan-type" description:"Scan type: quick or deep" default:"quick"`
	Categories  string `short:"c" long:"categories" description:"Comma-separated file categories to keep (empty means all)"`
	FileTypes   string `short:"y" long:"file-types" description:"Comma-separated file types to keep, overrides --categories (empty means all)"`
	StartOffset uint64 `short:"s" long:"start-offset" description:"Absolute byte offset to begin scanning at"`
	EndOffset   uint64 `short:"e" long:"end-offset" description:"Absolute byte offset to stop scanning at (0 means device end)"`
}

var (
	rootArguments = new(rootParameters)
)

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}

	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}

	return out
}

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	reader := blockreader.NewReader()

	err = reader.Open(rootArguments.DevicePath)
	log.PanicIf(err)

	defer reader.Close()

	cfg := session.ScanConfig{
		DevicePath:  rootArguments.DevicePath,
		ScanType:    session.ScanType(rootArguments.ScanType),
		StartOffset: rootArguments.StartOffset,
		EndOffset:   rootArguments.EndOffset,
	}

	for _, c := range splitNonEmpty(rootArguments.Categories) {
		cfg.Categories = append(cfg.Categories, recoverable.FileCategory(c))
	}

	for _, t := range splitNonEmpty(rootArguments.FileTypes) {
		cfg.FileTypes = append(cfg.FileTypes, recoverable.FileType(t))
	}

	s := session.NewSession(cfg, reader)

	fmt.Fprintf(os.Stderr, "scanning %s (%s, %s)\n", rootArguments.DevicePath, cfg.ScanType, humanize.Bytes(reader.Size()))

	s.Start()

	encoder := json.NewEncoder(os.Stdout)

	for ev := range s.Events() {
		switch ev.Kind {
		case session.EventFileFound:
			log.PanicIf(encoder.Encode(ev.File))

		case session.EventProgress:
			fmt.Fprintf(os.Stderr, "\r%.1f%% scanned, %s/%s, %d found, eta %s",
				ev.Progress.Percentage,
				humanize.Bytes(ev.Progress.BytesScanned),
				humanize.Bytes(ev.Progress.TotalBytes),
				ev.Progress.FilesFound,
				ev.Progress.EstimatedRemain,
			)

		case session.EventError:
			fmt.Fprintf(os.Stderr, "\nerror at offset %d: %v\n", ev.ErrOffset, ev.Err)

		case session.EventComplete:
			fmt.Fprintf(os.Stderr, "\ndone: %s, %d files found\n", s.Status(), ev.FilesFound)
		}
	}
}
