package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/atflow/internal/config"
	"github.com/rakunlabs/atflow/internal/containerrt"
	"github.com/rakunlabs/atflow/internal/dataregistry"
	"github.com/rakunlabs/atflow/internal/entitystore"
	"github.com/rakunlabs/atflow/internal/noderegistry"
	"github.com/rakunlabs/atflow/internal/runexec"
	"github.com/rakunlabs/atflow/internal/server"
	"github.com/rakunlabs/atflow/internal/view"
	"github.com/rakunlabs/atflow/internal/workflowregistry"
)

var (
	name    = "atd"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// ///////////////////////////////////////////////////////////////////

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := loadOrNewStore(cfg.Store.EntityStoreDir)
	if err != nil {
		return fmt.Errorf("failed to load entity store: %w", err)
	}

	data := dataregistry.New(store, cfg.Store.DataDir, cfg.Store.BaseDir)
	data.InContainer = runningInContainer()

	rt := containerrt.New(cfg.Tools.ContainerRuntime)

	nodes := noderegistry.New(store, data, rt)
	workflows := workflowregistry.New(store)
	exec := runexec.New(store, data, rt, cfg.Store.TempDir)
	v := view.New(store)

	srv := server.New(cfg.Server, cfg.Store.EntityStoreDir, store, data, nodes, workflows, exec, v)

	slog.Info("starting server", "host", cfg.Server.Host, "port", cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down, persisting store", "dir", cfg.Store.EntityStoreDir)
		if err := store.Persist(cfg.Store.EntityStoreDir); err != nil {
			slog.Error("failed to persist store on shutdown", "error", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func loadOrNewStore(dir string) (*entitystore.Store, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return entitystore.New(), nil
	}
	return entitystore.Load(dir)
}

// runningInContainer is a coarse host-environment check: the presence
// of /.dockerenv is the same signal most container runtimes leave
// behind regardless of which one launched the process.
func runningInContainer() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	_, err := os.Stat("/.dockerenv")
	return err == nil
}
