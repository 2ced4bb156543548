package view

import (
	"io"
	"os"

	"github.com/rakunlabs/atflow/internal/apperr"
	"github.com/rakunlabs/atflow/internal/dataregistry"
	"github.com/rakunlabs/atflow/internal/entitystore"
	"github.com/rakunlabs/atflow/internal/hashid"
	"github.com/rakunlabs/atflow/internal/model"
)

// Export reads a Data entry's on-disk content, verifying its recorded
// content hash when the entry is hashed and extern-stored (spec.md
// §4.7): extern files can be edited out-of-band, so a mismatch is
// reported rather than silently served.
func Export(data *dataregistry.Registry, store *entitystore.Store, ref entitystore.Referer) ([]byte, error) {
	id, d, err := data.Lookup(ref)
	if err != nil {
		return nil, err
	}

	path := data.OnDiskPath(d)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Systemf("export_read_failed", err, map[string]any{"id": id, "path": path})
	}

	if d.HashFlag && d.Storage == model.StorageExtern {
		if hashid.OfBytes(raw) != d.ContentHash {
			return nil, apperr.System("export_content_hash_mismatch", map[string]any{"id": id, "path": path})
		}
	}

	return raw, nil
}

// ExportTo copies a Data entry's content to dest, the same way Export
// reads it but streaming instead of buffering.
func ExportTo(data *dataregistry.Registry, ref entitystore.Referer, dest string) error {
	_, d, err := data.Lookup(ref)
	if err != nil {
		return err
	}

	if d.HashFlag && d.Storage == model.StorageExtern {
		hash, err := hashid.OfFile(data.OnDiskPath(d))
		if err != nil {
			return apperr.Systemf("export_read_failed", err, map[string]any{"path": data.OnDiskPath(d)})
		}
		if hash != d.ContentHash {
			return apperr.System("export_content_hash_mismatch", map[string]any{"path": data.OnDiskPath(d)})
		}
	}

	src, err := os.Open(data.OnDiskPath(d))
	if err != nil {
		return apperr.Systemf("export_open_failed", err, map[string]any{"path": data.OnDiskPath(d)})
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return apperr.Systemf("export_create_dest_failed", err, map[string]any{"dest": dest})
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return apperr.Systemf("export_copy_failed", err, map[string]any{"dest": dest})
	}

	return nil
}
