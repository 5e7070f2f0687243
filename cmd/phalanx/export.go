package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/mtzanidakis/phalanx/internal/dedup"
	"github.com/mtzanidakis/phalanx/internal/store"
)

// Report is the exported record of one scan.
type Report struct {
	Version     string            `json:"version"`
	ExportedAt  time.Time         `json:"exported_at"`
	Group       store.Group       `json:"group"`
	Tasks       []store.Task      `json:"tasks"`
	Attempts    []store.Attempt   `json:"attempts"`
	Discoveries []store.Discovery `json:"discoveries"`
	Stats       dedup.Stats       `json:"stats"`
}

func buildReport(ctx context.Context, db *store.Store, engine *dedup.Engine, groupID string) (*Report, error) {
	g, err := db.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("group %s not found", groupID)
	}

	tasks, err := db.ListGroupTasks(ctx, groupID)
	if err != nil {
		return nil, err
	}
	attempts, err := engine.History(ctx, groupID, "", 0)
	if err != nil {
		return nil, err
	}
	discs, err := db.ListDiscoveries(ctx, groupID, 0)
	if err != nil {
		return nil, err
	}
	stats, err := engine.Stats(ctx, groupID)
	if err != nil {
		return nil, err
	}

	return &Report{
		Version:     version,
		ExportedAt:  time.Now().UTC(),
		Group:       *g,
		Tasks:       tasks,
		Attempts:    attempts,
		Discoveries: discs,
		Stats:       stats,
	}, nil
}

func writeReport(path string, report *Report) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	enc := json.NewEncoder(zw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	// Close explicitly to catch write errors
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	return nil
}

func readReport(path string) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open report: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	var report Report
	if err := json.NewDecoder(zr).Decode(&report); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &report, nil
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
