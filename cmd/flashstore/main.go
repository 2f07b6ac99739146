package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KevoDB/flashstore/pkg/client"
	"github.com/KevoDB/flashstore/pkg/common/log"
	"github.com/KevoDB/flashstore/pkg/config"
	"github.com/KevoDB/flashstore/pkg/flash"
)

// Options holds the command line settings
type Options struct {
	ServerMode  bool
	DaemonMode  bool
	DataDir     string
	RemoteAddr  string
	DumpFile    string
	RestoreFile string

	// flags that override the stored configuration when given
	ListenAddr  string
	LogLevel    string
	Memory      bool
	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string

	set map[string]bool
}

func main() {
	opts := parseFlags()

	if opts.RemoteAddr != "" {
		runRemote(opts)
		return
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %s\n", err)
		os.Exit(1)
	}

	level, _ := log.ParseLevel(cfg.LogLevel)
	log.SetLevel(level)

	if opts.DumpFile != "" || opts.RestoreFile != "" {
		if err := runImageTool(cfg, opts); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
		return
	}

	if opts.ServerMode {
		runServer(cfg, opts)
		return
	}

	node := NewNode(cfg, log.GetDefaultLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = node.Open(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening flash storage: %s\n", err)
		os.Exit(1)
	}
	defer shutdown(node)

	prompt := "flashstore> "
	if cfg.FlashImage != "" {
		prompt = fmt.Sprintf("flashstore:%s> ", cfg.FlashImage)
	}
	runInteractive(node.Store(), prompt)
}

// parseFlags parses command line flags and returns the Options
func parseFlags() Options {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "flashstore - A key/value store on NOR flash\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: flashstore [options] [data_dir]\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "By default, flashstore runs in interactive mode with a command-line interface.\n")
		fmt.Fprintf(flag.CommandLine.Output(), "If -server flag is provided, flashstore runs as a server exposing a gRPC API.\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Without a data directory the flash part lives in memory.\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\nInteractive mode commands (when not using -server):\n")
		fmt.Fprintf(flag.CommandLine.Output(), "  APPEND key value        - Store a value under a new key\n")
		fmt.Fprintf(flag.CommandLine.Output(), "  GET key                 - Retrieve a value by key\n")
		fmt.Fprintf(flag.CommandLine.Output(), "  INVALIDATE key          - Delete a key\n")
		fmt.Fprintf(flag.CommandLine.Output(), "  GC                      - Reclaim space held by deleted keys\n")
		fmt.Fprintf(flag.CommandLine.Output(), "  .help                   - Show detailed help\n")
		fmt.Fprintf(flag.CommandLine.Output(), "  .exit                   - Exit the program\n\n")
	}

	serverMode := flag.Bool("server", false, "Run in server mode, exposing a gRPC API")
	daemonMode := flag.Bool("daemon", false, "Run in daemon mode (detached from terminal)")
	listenAddr := flag.String("address", "localhost:50051", "Address to listen on in server mode")
	remoteAddr := flag.String("remote", "", "Run the console against the flashstore server at this address")
	logLevel := flag.String("log-level", "INFO", "Log level: DEBUG, INFO, WARN, ERROR")
	memory := flag.Bool("memory", false, "Keep the flash part in memory even with a data directory")

	// Image options
	dumpFile := flag.String("dump", "", "Write a compressed image of the flash part to this file and exit")
	restoreFile := flag.String("restore", "", "Restore the flash part from this image file and exit")

	// TLS options
	tlsEnabled := flag.Bool("tls", false, "Enable TLS for secure connections")
	tlsCertFile := flag.String("cert", "", "TLS certificate file path")
	tlsKeyFile := flag.String("key", "", "TLS private key file path")
	tlsCAFile := flag.String("ca", "", "TLS CA certificate file for peer verification")

	flag.Parse()

	var dataDir string
	if flag.NArg() > 0 {
		dataDir = flag.Arg(0)
	}

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	return Options{
		ServerMode:  *serverMode,
		DaemonMode:  *daemonMode,
		DataDir:     dataDir,
		RemoteAddr:  *remoteAddr,
		DumpFile:    *dumpFile,
		RestoreFile: *restoreFile,
		ListenAddr:  *listenAddr,
		LogLevel:    *logLevel,
		Memory:      *memory,
		TLSEnabled:  *tlsEnabled,
		TLSCertFile: *tlsCertFile,
		TLSKeyFile:  *tlsKeyFile,
		TLSCAFile:   *tlsCAFile,
		set:         set,
	}
}

// loadConfig reads the manifest in the data directory, creating it on
// first use, then applies environment and flag overrides
func loadConfig(opts Options) (*config.Config, error) {
	var cfg *config.Config
	if opts.DataDir == "" {
		cfg = config.NewDefaultConfig("")
		cfg.FlashImage = ""
	} else {
		var err error
		cfg, err = config.LoadConfigFromManifest(opts.DataDir)
		if errors.Is(err, config.ErrManifestNotFound) {
			cfg = config.NewDefaultConfig(opts.DataDir)
			if err := cfg.SaveManifest(opts.DataDir); err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, err
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	cfg.Update(func(c *config.Config) {
		if opts.set["address"] {
			c.ListenAddr = opts.ListenAddr
		}
		if opts.set["log-level"] {
			c.LogLevel = opts.LogLevel
		}
		if opts.Memory {
			c.FlashImage = ""
		}
		if opts.set["tls"] {
			c.TLSEnabled = opts.TLSEnabled
		}
		if opts.set["cert"] {
			c.TLSCertFile = opts.TLSCertFile
		}
		if opts.set["key"] {
			c.TLSKeyFile = opts.TLSKeyFile
		}
		if opts.set["ca"] {
			c.TLSCAFile = opts.TLSCAFile
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runImageTool dumps or restores the flash image while no service is running
func runImageTool(cfg *config.Config, opts Options) error {
	if cfg.FlashImage == "" {
		return errors.New("image tools need a data directory with a flash image")
	}
	dev, err := flash.OpenFileDevice(cfg.FlashImage, cfg.FlashSize)
	if err != nil {
		return err
	}
	defer dev.Close()

	if opts.RestoreFile != "" {
		f, err := os.Open(opts.RestoreFile)
		if err != nil {
			return fmt.Errorf("failed to open image: %w", err)
		}
		defer f.Close()
		if err := flash.RestoreImage(f, dev); err != nil {
			return err
		}
		fmt.Printf("Restored %s from %s\n", cfg.FlashImage, opts.RestoreFile)
		return nil
	}

	f, err := os.Create(opts.DumpFile)
	if err != nil {
		return fmt.Errorf("failed to create image: %w", err)
	}
	if err := flash.DumpImage(f, dev); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}
	fmt.Printf("Wrote %s to %s\n", cfg.FlashImage, opts.DumpFile)
	return nil
}

// runRemote starts the console against a server
func runRemote(opts Options) {
	options := client.DefaultClientOptions()
	options.Endpoint = opts.RemoteAddr
	options.TLSEnabled = opts.TLSEnabled
	options.CertFile = opts.TLSCertFile
	options.KeyFile = opts.TLSKeyFile
	options.CAFile = opts.TLSCAFile

	c, err := client.NewClient(options)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to %s: %s\n", opts.RemoteAddr, err)
		os.Exit(1)
	}
	defer c.Close()

	runInteractive(c, fmt.Sprintf("flashstore@%s> ", opts.RemoteAddr))
}

// runServer opens the node and serves gRPC until a signal arrives or the
// storage loop stops
func runServer(cfg *config.Config, opts Options) {
	if opts.DaemonMode {
		setupDaemonMode()
	}

	node := NewNode(cfg, log.GetDefaultLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := node.Open(ctx)
	cancel()
	if err != nil {
		log.Fatal("failed to open flash storage: %v", err)
	}

	if err := node.StartServer(); err != nil {
		shutdown(node)
		log.Fatal("failed to start server: %v", err)
	}
	fmt.Printf("flashstore server started on %s\n", node.Addr())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
	case <-node.Stopped():
		log.Error("storage service stopped: %v", node.Err())
	}

	shutdown(node)
	fmt.Println("Shutdown complete")
}

func shutdown(node *Node) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := node.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error shutting down: %v\n", err)
	}
}

// setupDaemonMode configures process to run as a daemon
func setupDaemonMode() {
	// Redirect standard file descriptors to /dev/null
	null, err := os.OpenFile("/dev/null", os.O_RDWR, 0)
	if err != nil {
		log.Fatal("failed to open /dev/null: %v", err)
	}

	for _, f := range []*os.File{os.Stdin, os.Stdout, os.Stderr} {
		if err := syscall.Dup2(int(null.Fd()), int(f.Fd())); err != nil {
			log.Fatal("failed to redirect %s: %v", f.Name(), err)
		}
	}

	// Create a new process group
	if _, err := syscall.Setsid(); err != nil {
		log.Fatal("failed to create new session: %v", err)
	}
}
