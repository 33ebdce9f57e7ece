package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"logrelay/config"
	"logrelay/delivery"
	"logrelay/internal/netcheck"
	"logrelay/internal/watch"
	remote "logrelay/remote/client"
	"logrelay/remote/dispatch"
	"logrelay/storage/store"
	"logrelay/syncer"
)

const defaultConfigPath = "./config/agent.yml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to the agent configuration file")
	flag.Parse()

	logger := log.New(os.Stdout, "[AGENT] ", log.LstdFlags|log.Lshortfile)
	logger.Println("Starting log relay agent...")

	// 1. Load configuration (generates and persists a device identity on
	// first launch).
	cfgManager, err := config.LoadManager(*configPath, logger)
	if err != nil {
		logger.Fatalf("FATAL: Failed to load configuration: %v", err)
	}
	snapshot := cfgManager.Snapshot()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Open the record store and run startup recovery before any sweep.
	logger.Println("Initializing record store...")
	recordStore, err := store.NewPebbleStore(snapshot.DataDir, logger)
	if err != nil {
		logger.Fatalf("FATAL: Failed to initialize record store: %v", err)
	}
	defer recordStore.Close()

	if _, err := recordStore.RecoverPending(ctx); err != nil {
		logger.Fatalf("FATAL: Startup recovery failed: %v", err)
	}

	// 3. Build the remote side: client, probe, dispatcher.
	logger.Println("Initializing remote client...")
	remoteClient, err := remote.NewClient(&snapshot.Remote, logger)
	if err != nil {
		logger.Fatalf("FATAL: Failed to initialize remote client: %v", err)
	}
	defer remoteClient.Close()

	requestTimeout, err := time.ParseDuration(snapshot.Dispatch.RequestTimeout)
	if err != nil || requestTimeout <= 0 {
		logger.Printf("Warning: invalid dispatch.request_timeout '%s', using default 15s", snapshot.Dispatch.RequestTimeout)
		requestTimeout = 15 * time.Second
	}
	probe := netcheck.NewResolver(snapshot.Dispatch.ProbeHost, 5*time.Second, logger)
	dispatcher := dispatch.New(remoteClient, probe, requestTimeout, snapshot.Dispatch.QueueDepth, logger)

	// 4. Controllers and sync loops.
	controller := delivery.New(cfgManager, recordStore, dispatcher, logger)
	configSyncer := syncer.New(cfgManager, dispatcher, logger)

	var wg sync.WaitGroup

	// Dispatch settings follow configuration swaps. Queue depth stays fixed
	// for the life of the process.
	dispatchChanges := cfgManager.Subscribe()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-dispatchChanges:
				current := cfgManager.Snapshot()
				if d, err := time.ParseDuration(current.Dispatch.RequestTimeout); err == nil {
					dispatcher.SetTimeout(d)
				} else {
					logger.Printf("Warning: invalid dispatch.request_timeout '%s', keeping current", current.Dispatch.RequestTimeout)
				}
				probe.SetHost(current.Dispatch.ProbeHost)
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		controller.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		configSyncer.Run(ctx)
	}()

	// 5. File watchers: log directory, agent config file, machine config
	// file.
	if snapshot.LogPath != "" {
		logWatcher, err := watch.NewLogWatcher(snapshot.LogPath, recordStore, controller.Notify, logger)
		if err != nil {
			logger.Fatalf("FATAL: Failed to create log watcher: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := logWatcher.Run(ctx); err != nil {
				logger.Printf("Log watcher stopped: %v", err)
			}
		}()
	} else {
		logger.Println("Warning: log_path not set, file ingestion disabled")
	}

	agentConfigWatcher, err := watch.NewFileWatcher(cfgManager.Path(), func() {
		if _, err := cfgManager.Reload(); err != nil {
			logger.Printf("Error reloading config: %v", err)
			return
		}
		if err := configSyncer.UploadAgentConfig(ctx); err != nil {
			logger.Printf("Error uploading agent config: %v", err)
		}
	}, logger)
	if err != nil {
		logger.Fatalf("FATAL: Failed to create config watcher: %v", err)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := agentConfigWatcher.Run(ctx); err != nil {
			logger.Printf("Config watcher stopped: %v", err)
		}
	}()

	if snapshot.MachineConfigPath != "" {
		machineConfigWatcher, err := watch.NewFileWatcher(snapshot.MachineConfigPath, func() {
			if err := configSyncer.UploadMachineConfig(ctx); err != nil {
				logger.Printf("Error uploading machine config: %v", err)
			}
		}, logger)
		if err != nil {
			logger.Fatalf("FATAL: Failed to create machine config watcher: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := machineConfigWatcher.Run(ctx); err != nil {
				logger.Printf("Machine config watcher stopped: %v", err)
			}
		}()
	}

	// 6. Announce ourselves: push both config documents, send the first
	// heartbeat, and sweep whatever survived the last run.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := configSyncer.UploadAgentConfig(ctx); err != nil {
			logger.Printf("Error uploading agent config: %v", err)
		}
		if err := configSyncer.UploadMachineConfig(ctx); err != nil {
			logger.Printf("Error uploading machine config: %v", err)
		}
		if err := configSyncer.Ping(ctx); err != nil {
			logger.Printf("Error executing ping: %v", err)
		}
		controller.Notify()
	}()

	logger.Println("Agent started. Press Ctrl+C to stop.")

	// 7. Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Println("Received shutdown signal, initiating graceful shutdown...")
	cancel()

	wg.Wait()
	logger.Println("Agent shut down gracefully.")
}
