package main

import (
	"bufio"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"jim/config"
	"jim/server"
	"jim/storage"
)

const controlSocketPath = "/tmp/jim.sock"

func main() {
	cfg := config.Load()

	logger := log.New(os.Stderr, "", log.LstdFlags)

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		logger.Fatalf("failed to open storage: %v", err)
	}
	defer store.Close()

	srv := server.New(store, &server.Config{
		Addr:         cfg.Addr,
		Port:         cfg.Port,
		MaxClients:   cfg.MaxClients,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		MaxFrame:     cfg.MaxFrame,
	}, logger)

	go startControlSocket(srv, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Printf("received signal %v, shutting down", sig)
		srv.Shutdown()
		os.Remove(controlSocketPath)
	}()

	if err := srv.Start(); err != nil {
		logger.Fatalf("server error: %v", err)
	}
}

func startControlSocket(srv *server.Server, logger *log.Logger) {
	os.Remove(controlSocketPath)

	listener, err := net.Listen("unix", controlSocketPath)
	if err != nil {
		logger.Printf("failed to create control socket: %v", err)
		return
	}
	defer listener.Close()
	defer os.Remove(controlSocketPath)

	logger.Printf("control socket listening on %s", controlSocketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		go handleControlCommand(srv, conn, logger)
	}
}

func handleControlCommand(srv *server.Server, conn net.Conn, logger *log.Logger) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	switch strings.TrimSpace(line) {
	case "stats":
		conn.Write([]byte("OK|" + srv.Stats() + "\n"))

	case "shutdown":
		conn.Write([]byte("OK|Shutting down\n"))
		logger.Printf("shutdown requested via control socket")
		srv.Shutdown()
		os.Remove(controlSocketPath)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
