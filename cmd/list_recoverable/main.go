package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/go-recover/recoverable"
)

type rootParameters struct {
	ResultsFilepath string `short:"f" long:"results-filepath" description:"File-path of a newline-delimited-JSON result stream captured from scan_device" required:"true"`
	NameFilter      string `short:"p" long:"pattern" description:"Filename filter (glob)"`
	ShowDetail      bool   `short:"d" long:"detail" description:"Show additional entry detail"`
}

var (
	rootArguments = new(rootParameters)
)

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

	f, err := os.Open(rootArguments.ResultsFilepath)
	log.PanicIf(err)

	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	count := 0

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rf recoverable.File

		err := json.Unmarshal(line, &rf)
		if err != nil {
			if err == io.EOF {
				break
			}

			log.PanicIf(err)
		}

		if rootArguments.NameFilter != "" {
			isMatched, err := filepath.Match(rootArguments.NameFilter, rf.Name)
			log.PanicIf(err)

			if !isMatched {
				continue
			}
		}

		count++

		if rootArguments.ShowDetail {
			fmt.Printf("## %s\n\n", rf.String())

			if rf.Metadata != nil {
				fmt.Printf("  width=%d height=%d camera=%q original-name=%q\n",
					rf.Metadata.Width, rf.Metadata.Height, rf.Metadata.CameraModel, rf.Metadata.OriginalName)
			}

			for i, frag := range rf.Fragments {
				fmt.Printf("  fragment[%d] offset=%d size=%s\n", i, frag.Offset, humanize.Bytes(frag.Size))
			}

			fmt.Printf("\n")
		} else {
			name := rf.Name
			if name == "" {
				name = fmt.Sprintf("<unnamed>.%s", rf.Extension)
			}

			fmt.Printf("%15s %10s %10s %s\n", humanize.Bytes(rf.Size), rf.Recoverability, rf.Source, name)
		}
	}

	log.PanicIf(scanner.Err())

	fmt.Fprintf(os.Stderr, "%d recoverable files listed\n", count)
}
