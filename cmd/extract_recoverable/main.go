package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/go-recover/blockreader"
	"github.com/dsoprea/go-recover/recoverable"
)

type rootParameters struct {
	DevicePath      string `short:"d" long:"device" description:"Device or image file-path the results were scanned from" required:"true"`
	ResultsFilepath string `short:"f" long:"results-filepath" description:"File-path of a newline-delimited-JSON result stream captured from scan_device" required:"true"`
	FileID          string `short:"i" long:"id" description:"ID of the recoverable file to extract" required:"true"`
	OutputFilepath  string `short:"o" long:"output-filepath" description:"File-path to write to ('-' for STDOUT)" required:"true"`
}

var (
	rootArguments = new(rootParameters)
)

func findRecord(resultsFilepath, id string) (rf recoverable.File, found bool) {
	f, err := os.Open(resultsFilepath)
	log.PanicIf(err)

	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var candidate recoverable.File

		err := json.Unmarshal(line, &candidate)
		log.PanicIf(err)

		if candidate.ID.String() == id {
			return candidate, true
		}
	}

	log.PanicIf(scanner.Err())

	return recoverable.File{}, false
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

	rf, found := findRecord(rootArguments.ResultsFilepath, rootArguments.FileID)
	if !found {
		fmt.Printf("File not found.\n")
		os.Exit(2)
	}

	reader := blockreader.NewReader()

	err = reader.Open(rootArguments.DevicePath)
	log.PanicIf(err)

	defer reader.Close()

	var g *os.File

	if rootArguments.OutputFilepath == "-" {
		g = os.Stdout
	} else {
		g, err = os.Create(rootArguments.OutputFilepath)
		log.PanicIf(err)

		defer g.Close()
	}

	// A metadata-sourced file carries a fragment list reflecting its
	// on-disk extents; a carving-sourced file has exactly one fragment
	// (its single contiguous extent as determined by the extractor).
	fragments := rf.Fragments
	if len(fragments) == 0 {
		fragments = []recoverable.FileFragment{{Offset: rf.Offset, Size: rf.Size}}
	}

	var written uint64

	for _, frag := range fragments {
		remaining := frag.Size
		offset := frag.Offset

		const copyChunk = 4 * 1024 * 1024

		for remaining > 0 {
			readLen := uint64(copyChunk)
			if readLen > remaining {
				readLen = remaining
			}

			buf, err := reader.ReadAt(offset, readLen)
			log.PanicIf(err)

			n, err := g.Write(buf)
			log.PanicIf(err)

			written += uint64(n)
			offset += uint64(len(buf))
			remaining -= uint64(len(buf))

			if uint64(len(buf)) < readLen {
				// Short read at device end; stop rather than spin.
				remaining = 0
			}
		}
	}

	if rootArguments.OutputFilepath != "-" {
		fmt.Printf("(%d) bytes written.\n", written)
	}
}
