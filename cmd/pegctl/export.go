package main

import (
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// journalEntry mirrors the event records served by /v1/events.
type journalEntry struct {
	ID        string    `json:"ID"`
	Kind      string    `json:"Kind"`
	Actor     string    `json:"Actor"`
	Details   string    `json:"Details"`
	Digest    string    `json:"Digest"`
	CreatedAt time.Time `json:"CreatedAt"`
}

type eventRow struct {
	ID        string `parquet:"name=id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Kind      string `parquet:"name=kind, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Actor     string `parquet:"name=actor, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Details   string `parquet:"name=details, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Digest    string `parquet:"name=digest, type=UTF8, encoding=PLAIN_DICTIONARY"`
	CreatedAt string `parquet:"name=created_at, type=UTF8, encoding=PLAIN_DICTIONARY"`
	UnixNano  int64  `parquet:"name=unix_nano, type=INT64"`
}

// writeEventsParquet stores entries as a snappy-compressed parquet file at path.
func writeEventsParquet(path string, entries []journalEntry) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create parquet: %w", err)
	}
	pw, err := writer.NewParquetWriter(writerfile.NewWriterFile(file), new(eventRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, entry := range entries {
		row := &eventRow{
			ID:        entry.ID,
			Kind:      entry.Kind,
			Actor:     entry.Actor,
			Details:   entry.Details,
			Digest:    entry.Digest,
			CreatedAt: entry.CreatedAt.UTC().Format(time.RFC3339Nano),
			UnixNano:  entry.CreatedAt.UnixNano(),
		}
		if err := pw.Write(row); err != nil {
			file.Close()
			return fmt.Errorf("write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("finish parquet: %w", err)
	}
	return file.Close()
}
