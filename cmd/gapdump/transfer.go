package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/staden/gapdb"
	"github.com/staden/gapdb/internal/compression"
	"github.com/staden/gapdb/internal/export"
)

func cmdExport() error {
	if *outPath == "" {
		return errors.New("-out flag is required")
	}
	codec, err := compression.ParseType(*compress)
	if err != nil {
		return err
	}
	db, err := openReadOnly()
	if err != nil {
		return err
	}
	defer db.Close()

	h, err := db.Header()
	if err != nil {
		return err
	}
	f, err := os.Create(*outPath)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	w, err := export.NewWriter(bw, export.Header{
		BlockSize:  h.BlockSize,
		Format:     uint8(h.Format),
		NumRecords: h.NumRecords,
	}, codec)
	if err != nil {
		f.Close()
		return err
	}
	if err := exportRecords(db, h.NumRecords, w); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	n, size := w.Count()
	fmt.Printf("exported %d records (%d bytes) to %s\n", n, size, *outPath)
	return nil
}

func exportRecords(db *gapdb.DB, n int32, w *export.Writer) error {
	for rec := int32(0); rec < n; rec++ {
		info, err := db.RecordInfo(rec)
		if err != nil {
			return err
		}
		if !info.HasImage() {
			continue
		}
		data, err := readRecord(db, rec, info)
		if err != nil {
			return fmt.Errorf("record %d: %w", rec, err)
		}
		if err := w.Write(rec, data); err != nil {
			return err
		}
	}
	return nil
}

func cmdImport() error {
	if *inPath == "" {
		return errors.New("-in flag is required")
	}
	f, err := os.Open(*inPath)
	if err != nil {
		return err
	}
	defer f.Close()

	r, err := export.NewReader(bufio.NewReader(f))
	if err != nil {
		return err
	}
	sh := r.Header()

	opts := gapdb.DefaultOptions()
	opts.Logger = logger()
	opts.CreateIfMissing = true
	opts.ErrorIfExists = true
	opts.Format = gapdb.Format(sh.Format)
	opts.BlockSize = sh.BlockSize
	if *blockSize > 0 {
		opts.BlockSize = int32(*blockSize)
	}
	if sh.NumRecords > opts.MaxRecords {
		opts.MaxRecords = sh.NumRecords
	}
	db, err := gapdb.Open(*dbPath, opts)
	if err != nil {
		return err
	}
	n, err := importRecords(db, r)
	if cerr := db.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	fmt.Printf("imported %d records into %s\n", n, *dbPath)
	return nil
}

func importRecords(db *gapdb.DB, r *export.Reader) (int, error) {
	c, err := db.Connect(gapdb.LockWrite)
	if err != nil {
		return 0, err
	}
	defer db.Disconnect(c)

	var n int
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if err := db.WriteRecord(c, rec.Rec, rec.Data); err != nil {
			return n, fmt.Errorf("record %d: %w", rec.Rec, err)
		}
		n++
	}
}
