// Package main provides the gapdump CLI tool for inspecting gapdb stores.
//
// Usage:
//
//	gapdump -db=<path> <command> [options]
//
// Commands:
//
//	header          Print the index header
//	index           Print index entries (-from, -to)
//	record          Print one record (-rec, -hex)
//	freetree        Print the free-space extents
//	check           Validate the store, exit 1 on corruption
//	export          Write records to a portable stream (-out, -compression)
//	import          Load a stream into a new store (-in)
package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/staden/gapdb"
	"github.com/staden/gapdb/internal/logging"
)

var (
	dbPath    = flag.String("db", "", "Path to the store, without the .aux suffix (required)")
	recNum    = flag.Int("rec", -1, "Record number for the record command")
	hexOutput = flag.Bool("hex", false, "Print record data as a hex dump")
	fromRec   = flag.Int("from", 0, "First record for the index command")
	toRec     = flag.Int("to", -1, "Last record (exclusive) for the index command, -1 = all")
	outPath   = flag.String("out", "", "Output file for export")
	inPath    = flag.String("in", "", "Input file for import")
	compress  = flag.String("compression", "snappy", "Export compression: none, snappy, zlib, lz4, zstd")
	blockSize = flag.Int("block_size", 0, "Block size for import, 0 = taken from the stream")
	verbose   = flag.Bool("v", false, "Log engine messages to stderr")
	help      = flag.Bool("help", false, "Print help")
)

func main() {
	flag.Parse()

	if *help || len(flag.Args()) == 0 {
		printUsage()
		return
	}

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -db flag is required")
		os.Exit(1)
	}

	var err error
	switch command := flag.Arg(0); command {
	case "header":
		err = cmdHeader()
	case "index":
		err = cmdIndex()
	case "record":
		err = cmdRecord()
	case "freetree":
		err = cmdFreeTree()
	case "check":
		err = cmdCheck()
	case "export":
		err = cmdExport()
	case "import":
		err = cmdImport()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("gapdump - gapdb store inspection tool")
	fmt.Println()
	fmt.Println("Usage: gapdump -db=<path> <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  header      Print the index header")
	fmt.Println("  index       Print index entries in [-from, -to)")
	fmt.Println("  record      Print record -rec (use -hex for a hex dump)")
	fmt.Println("  freetree    Print the free-space extents")
	fmt.Println("  check       Validate the store")
	fmt.Println("  export      Export all records to -out")
	fmt.Println("  import      Import records from -in into a new store")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
}

func logger() gapdb.Logger {
	if *verbose {
		return logging.NewLogger(os.Stderr, logging.LevelInfo)
	}
	return logging.Discard
}

func openReadOnly() (*gapdb.DB, error) {
	opts := gapdb.DefaultOptions()
	opts.ReadOnly = true
	opts.Logger = logger()
	return gapdb.Open(*dbPath, opts)
}

func cmdHeader() error {
	db, err := openReadOnly()
	if err != nil {
		return err
	}
	defer db.Close()

	h, err := db.Header()
	if err != nil {
		return err
	}
	fmt.Printf("Format:        %s\n", h.Format)
	fmt.Printf("File size:     %d\n", h.FileSize)
	fmt.Printf("Block size:    %d\n", h.BlockSize)
	fmt.Printf("Records:       %d\n", h.NumRecords)
	fmt.Printf("Max records:   %d\n", h.MaxRecords)
	fmt.Printf("Last time:     %d\n", h.LastTime)
	fmt.Printf("Flags:         %#x\n", h.Flags)
	if h.BlockSizeChanged() {
		fmt.Println("               block size changed")
	}
	fmt.Printf("Free time:     %d\n", h.FreeTime)
	fmt.Printf("Free record:   %d\n", h.FreeRecord)
	return nil
}

func cmdIndex() error {
	db, err := openReadOnly()
	if err != nil {
		return err
	}
	defer db.Close()

	n := db.NumRecords()
	to := int32(*toRec)
	if to < 0 || to > n {
		to = n
	}
	fmt.Printf("%10s %14s %10s %12s %10s\n", "record", "image", "used", "allocated", "time")
	for rec := int32(*fromRec); rec < to; rec++ {
		info, err := db.RecordInfo(rec)
		if err != nil {
			return err
		}
		if !info.HasImage() {
			continue
		}
		fmt.Printf("%10d %14d %10d %12d %10d\n", rec, info.Image, info.Used, info.Allocated, info.Time)
	}
	return nil
}

func cmdRecord() error {
	if *recNum < 0 {
		return errors.New("-rec flag is required")
	}
	db, err := openReadOnly()
	if err != nil {
		return err
	}
	defer db.Close()

	rec := int32(*recNum)
	info, err := db.RecordInfo(rec)
	if err != nil {
		return err
	}
	data, err := readRecord(db, rec, info)
	if err != nil {
		return err
	}
	fmt.Printf("record %d: image %d, used %d, allocated %d, time %d\n",
		rec, info.Image, info.Used, info.Allocated, info.Time)
	if *hexOutput {
		fmt.Print(hex.Dump(data))
	} else {
		fmt.Printf("%s\n", data)
	}
	return nil
}

func readRecord(db *gapdb.DB, rec int32, info gapdb.RecordInfo) ([]byte, error) {
	if !info.HasImage() {
		return nil, nil
	}
	c, err := db.Connect(gapdb.LockRead)
	if err != nil {
		return nil, err
	}
	defer db.Disconnect(c)
	buf := make([]byte, info.Used)
	n, err := db.ReadRecord(c, rec, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func cmdFreeTree() error {
	db, err := openReadOnly()
	if err != nil {
		return err
	}
	defer db.Close()

	extents, err := db.FreeExtents()
	if err != nil {
		return err
	}
	var total int64
	for i, e := range extents {
		if i == len(extents)-1 {
			fmt.Printf("%14d  (end of file)\n", e.Pos)
			continue
		}
		fmt.Printf("%14d %12d\n", e.Pos, e.Len)
		total += e.Len
	}
	fmt.Printf("%d holes, %d bytes free\n", len(extents)-1, total)
	return nil
}

func cmdCheck() error {
	db, err := openReadOnly()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.CheckFreeSpace(); err != nil {
		return fmt.Errorf("free space: %w", err)
	}
	h, err := db.Header()
	if err != nil {
		return err
	}
	var live int
	for rec := int32(0); rec < h.NumRecords; rec++ {
		info, err := db.RecordInfo(rec)
		if err != nil {
			return err
		}
		if !info.HasImage() {
			continue
		}
		if info.Image+info.Allocated > h.FileSize {
			return fmt.Errorf("record %d: image [%d,%d) past end of file %d",
				rec, info.Image, info.Image+info.Allocated, h.FileSize)
		}
		live++
	}
	if err := db.Err(); err != nil {
		return err
	}
	fmt.Printf("OK: %d records, %d with data\n", h.NumRecords, live)
	return nil
}
