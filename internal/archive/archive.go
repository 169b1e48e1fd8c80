// Package archive writes point-in-time snapshots of the scan core to a blob
// store and records each one in the export ledger.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/channelscan/internal/coordinator"
	"github.com/JakeFAU/channelscan/internal/scan"
)

// Source is the part of the coordinator the archiver needs.
type Source interface {
	RefreshAll(ctx context.Context) (coordinator.Snapshot, error)
	RecordExport(ctx context.Context, desc scan.ExportDescriptor) (scan.ExportDescriptor, error)
}

// Archiver snapshots the core into a blob store.
type Archiver struct {
	source Source
	blobs  scan.BlobStore
	hasher scan.Hasher
	prefix string
	logger *zap.Logger
}

// New constructs an Archiver. Objects are written under prefix.
func New(source Source, blobs scan.BlobStore, hasher scan.Hasher, prefix string, logger *zap.Logger) (*Archiver, error) {
	if source == nil || blobs == nil || hasher == nil {
		return nil, errors.New("archive requires a source, blob store and hasher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		source: source,
		blobs:  blobs,
		hasher: hasher,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}, nil
}

// Run writes one snapshot and returns its recorded descriptor.
func (a *Archiver) Run(ctx context.Context) (scan.ExportDescriptor, error) {
	snap, err := a.source.RefreshAll(ctx)
	if err != nil {
		return scan.ExportDescriptor{}, fmt.Errorf("take snapshot: %w", err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return scan.ExportDescriptor{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	checksum, err := a.hasher.Hash(data)
	if err != nil {
		return scan.ExportDescriptor{}, fmt.Errorf("hash snapshot: %w", err)
	}
	name := path.Join(a.prefix, fmt.Sprintf("snapshot-%s.json", snap.TakenAt.UTC().Format("20060102T150405.000Z")))
	uri, err := a.blobs.PutObject(ctx, name, "application/json", data)
	if err != nil {
		return scan.ExportDescriptor{}, fmt.Errorf("write snapshot: %w", err)
	}
	desc, err := a.source.RecordExport(ctx, scan.ExportDescriptor{
		Name:      uri,
		SizeBytes: int64(len(data)),
		Rows:      len(snap.Channels),
		Checksum:  checksum,
		CreatedAt: snap.TakenAt,
	})
	if err != nil {
		return scan.ExportDescriptor{}, fmt.Errorf("record snapshot: %w", err)
	}
	a.logger.Info("snapshot archived",
		zap.String("uri", uri),
		zap.Int("channels", desc.Rows),
		zap.Int64("bytes", desc.SizeBytes),
	)
	return desc, nil
}
