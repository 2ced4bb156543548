// Package dataregistry implements registration and lookup of files and
// directories as content-addressed Data entities (spec.md §4.3).
package dataregistry

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/rakunlabs/atflow/internal/apperr"
	"github.com/rakunlabs/atflow/internal/entitystore"
	"github.com/rakunlabs/atflow/internal/hashid"
	"github.com/rakunlabs/atflow/internal/model"
)

// Registry registers and resolves Data entities.
type Registry struct {
	store   *entitystore.Store
	dataDir string // <store>/data_dir — platform-stored blobs live here
	baseDir string // relative user_path values resolve against this

	// InContainer, when true, restricts legal absolute external paths to
	// the mount prefix below (spec.md §4.3) and forbids extern storage.
	InContainer bool
	MountPrefix string
}

func New(store *entitystore.Store, dataDir, baseDir string) *Registry {
	return &Registry{store: store, dataDir: dataDir, baseDir: baseDir, MountPrefix: "/temp_dir/"}
}

// Descriptor is the user-supplied shape of a data registration request.
type Descriptor struct {
	Name     string
	Type     model.DataType
	Storage  model.DataStorage
	HashFlag bool
	Format   string
	UserPath string
}

// Register resolves desc's path, computes (or synthesizes) its content
// hash, copies platform-stored hashed files into the data directory, and
// stores the resulting Data entity.
func (r *Registry) Register(desc Descriptor, creatingUser hashid.ID) (hashid.ID, model.Data, error) {
	if desc.Type == model.DataDirectory {
		if desc.Storage == model.StoragePlatform {
			return "", model.Data{}, apperr.User("directory_cannot_be_platform_stored", map[string]any{"name": desc.Name})
		}
		if desc.HashFlag {
			return "", model.Data{}, apperr.User("directory_cannot_be_hashed", map[string]any{"name": desc.Name})
		}
	}

	resolvedPath, err := r.resolvePath(desc.UserPath)
	if err != nil {
		return "", model.Data{}, err
	}

	if r.InContainer && desc.Storage == model.StorageExtern {
		return "", model.Data{}, apperr.User("extern_storage_forbidden_in_container", nil)
	}

	d := model.Data{
		Name:     desc.Name,
		Type:     desc.Type,
		Storage:  desc.Storage,
		HashFlag: desc.HashFlag,
		Format:   desc.Format,
		UserPath: desc.UserPath,
	}

	if desc.HashFlag {
		hash, err := hashid.OfFile(resolvedPath)
		if err != nil {
			return "", model.Data{}, apperr.Systemf("hash_file_failed", err, map[string]any{"path": resolvedPath})
		}
		d.ContentHash = hash
	} else {
		synthetic, err := hashid.RandomID()
		if err != nil {
			return "", model.Data{}, apperr.Systemf("random_id_failed", err, nil)
		}
		d.ContentHash = synthetic
	}

	switch {
	case desc.Storage == model.StoragePlatform && desc.HashFlag:
		dest := filepath.Join(r.dataDir, string(d.ContentHash))
		if err := copyDeduped(resolvedPath, dest); err != nil {
			return "", model.Data{}, apperr.Systemf("copy_to_data_dir_failed", err, map[string]any{"path": resolvedPath})
		}
		d.InternalPath = string(d.ContentHash)
	case desc.Storage == model.StorageExtern:
		d.InternalPath = resolvedPath
	default:
		d.InternalPath = string(d.ContentHash)
	}

	id, stored, err := r.store.InsertData(d, string(creatingUser))
	if err != nil {
		return "", model.Data{}, err
	}

	return id, stored, nil
}

// resolvePath validates desc.UserPath against host-OS absolute-path shape
// and, inside a container, the mount-prefix restriction (spec.md §4.3).
func (r *Registry) resolvePath(userPath string) (string, error) {
	if userPath == "" {
		return "", apperr.User("user_path_required", nil)
	}

	if !filepath.IsAbs(userPath) && !isWindowsAbs(userPath) {
		return filepath.Join(r.baseDir, userPath), nil
	}

	if runtime.GOOS == "windows" {
		if !isWindowsAbs(userPath) {
			return "", apperr.System("absolute_path_shape_mismatch", map[string]any{"path": userPath, "os": "windows"})
		}
	} else if !strings.HasPrefix(userPath, "/") {
		return "", apperr.System("absolute_path_shape_mismatch", map[string]any{"path": userPath, "os": runtime.GOOS})
	}

	if r.InContainer && !strings.HasPrefix(userPath, r.MountPrefix) {
		return "", apperr.User("absolute_path_outside_mount_prefix", map[string]any{"path": userPath, "prefix": r.MountPrefix})
	}

	return userPath, nil
}

func isWindowsAbs(p string) bool {
	return len(p) >= 3 && p[1] == ':' && (p[2] == '\\' || p[2] == '/')
}

// copyDeduped copies src to dest unless dest already exists (content
// already present under this hash), then makes dest read-only.
func copyDeduped(src, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}

	return os.Chmod(dest, 0o444)
}

// OnDiskPath returns the host-visible path for a stored Data entity: the
// data-directory path for platform storage, or the recorded user path for
// extern storage.
func (r *Registry) OnDiskPath(d model.Data) string {
	if d.Storage == model.StoragePlatform {
		return filepath.Join(r.dataDir, d.InternalPath)
	}
	return d.InternalPath
}

// Lookup resolves a Referer to a Data entity.
func (r *Registry) Lookup(ref entitystore.Referer) (hashid.ID, model.Data, error) {
	id, err := r.store.ResolveData(ref)
	if err != nil {
		return "", model.Data{}, apperr.Userf("data_not_found", err, map[string]any{"name": ref.Name, "prefix": ref.Prefix})
	}
	d, ok := r.store.GetData(id)
	if !ok {
		return "", model.Data{}, apperr.System("data_disappeared", map[string]any{"id": id})
	}
	return id, d, nil
}
