package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"dtk/internal/api"
	"dtk/internal/demo"
	"dtk/internal/rpc"
)

// openBrowser is best effort; a headless environment just skips it.
func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	_ = cmd.Start()
}

var (
	serveHost string
	servePort int

	demoPath      string
	demoProtocol  string
	demoPort      int
	demoNoBrowser bool
	demoFormat    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the toolkit over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp()
		if err != nil {
			return err
		}
		host := serveHost
		if host == "" {
			host = a.cfg.Server.Host
		}
		port := servePort
		if port == 0 {
			port = a.cfg.Server.Port
		}
		return serveHTTP(a, fmt.Sprintf("%s:%d", host, port))
	},
}

func serveHTTP(a *app, addr string) error {
	srv := api.NewServer(addr, a.service, a.logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Tour the analysis suite against a repository",
	Long: `Run a fixed suite of analyses over a repository and report per-step
timing together with cache behavior. With --protocol http the toolkit stays
up afterwards serving the same methods over POST /rpc.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp()
		if err != nil {
			return err
		}
		runner := demo.NewRunner(a.sched, a.logger)
		rep, err := runner.Run(cmd.Context(), demoPath)
		if err != nil {
			return err
		}
		if err := printResult(rep, demoFormat); err != nil {
			return err
		}

		switch demoProtocol {
		case "", "cli":
			return nil
		case "http":
			addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, demoPort)
			fmt.Fprintf(os.Stderr, "serving on http://%s/rpc (Ctrl-C to stop)\n", addr)
			if !demoNoBrowser {
				openBrowser("http://" + addr + "/methods")
			}
			return serveHTTP(a, addr)
		case "rpc":
			fmt.Fprintln(os.Stderr, "switching to JSON-RPC on stdio (Ctrl-C to stop)")
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return rpc.NewServer(os.Stdin, os.Stdout, a.service, a.logger).Run(ctx)
		default:
			return fmt.Errorf("unknown protocol %q: want cli, http, or rpc", demoProtocol)
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Bind host (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Bind port (default from config)")

	demoCmd.Flags().StringVar(&demoPath, "path", ".", "Repository to analyze")
	demoCmd.Flags().StringVar(&demoProtocol, "protocol", "cli", "Front end to keep serving (cli, http, rpc)")
	demoCmd.Flags().IntVar(&demoPort, "port", 8080, "Port for --protocol http")
	demoCmd.Flags().BoolVar(&demoNoBrowser, "no-browser", false, "Do not open a browser for --protocol http")
	demoCmd.Flags().StringVar(&demoFormat, "format", "table", "Output format (table, json, yaml)")

	rootCmd.AddCommand(serveCmd, demoCmd)
}
