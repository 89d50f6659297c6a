package main

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chatd/config"
	"chatd/db"
	"chatd/server"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "chatd",
	Short: "Multi-user chat server",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		database, err := db.New(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("initializing database: %w", err)
		}
		defer database.Close()

		srv := server.New(database, &server.ServerConfig{
			ListenAddr:          cfg.ListenAddr,
			MaxFrameSize:        cfg.MaxFrameSize,
			IdleTimeout:         time.Duration(cfg.IdleTimeout) * time.Second,
			WriteTimeout:        time.Duration(cfg.WriteTimeout) * time.Second,
			MediaPortRangeStart: cfg.MediaPortRangeStart,
			MediaPortRangeEnd:   cfg.MediaPortRangeEnd,
		})

		go startControlSocket(srv, cfg.ControlSocketPath)

		if cfg.AdminAddr != "" {
			go func() {
				if err := srv.StartAdminAPI(cfg.AdminAddr); err != nil {
					log.Printf("Admin API stopped: %v", err)
				}
			}()
		}

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigChan
			log.Printf("Received signal %v, shutting down...", sig)
			srv.Shutdown("server shutting down")
			os.Remove(cfg.ControlSocketPath)
			os.Exit(0)
		}()

		return srv.Start()
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show stats from a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return controlCommand("stats")
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown [reason]",
	Short: "Stop a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		reason := "maintenance"
		if len(args) > 0 {
			reason = args[0]
		}
		return controlCommand("shutdown|" + reason)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "chatd.toml", "path to config file")
	rootCmd.AddCommand(serveCmd, statsCmd, shutdownCmd)
}

// controlCommand sends one line to the control socket and prints the reply.
func controlCommand(line string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	conn, err := net.Dial("unix", cfg.ControlSocketPath)
	if err != nil {
		return fmt.Errorf("connecting to control socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return err
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return err
	}
	fmt.Print(reply)
	return nil
}

func startControlSocket(srv *server.Server, path string) {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		log.Printf("Failed to create control socket: %v", err)
		return
	}
	defer listener.Close()
	defer os.Remove(path)

	log.Printf("Control socket listening on %s", path)

	for {
		conn, err := listener.Accept()
		if err != nil {
			continue
		}
		go handleControlCommand(srv, conn, path)
	}
}

func handleControlCommand(srv *server.Server, conn net.Conn, socketPath string) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 2)
	switch parts[0] {
	case "stats":
		stats := srv.GetStats()
		fmt.Fprintf(conn, "OK|connections=%d,users=%s\n",
			stats.Connections, strings.Join(stats.Online, ";"))

	case "shutdown":
		reason := "maintenance"
		if len(parts) >= 2 && parts[1] != "" {
			reason = parts[1]
		}
		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()

		// Give time for the reply to flush.
		time.Sleep(100 * time.Millisecond)

		log.Printf("Shutdown requested: reason=%s", reason)
		srv.Shutdown(reason)
		os.Remove(socketPath)
		os.Exit(0)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
