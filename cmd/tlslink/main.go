// Package main is the entry point for the tlslink binary. It provides a
// CLI for running a TLS-protected echo server, connecting to one, and
// inspecting credential material.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tlslink/tlslink/pkg/authz"
	"github.com/tlslink/tlslink/pkg/config"
	"github.com/tlslink/tlslink/pkg/creds"
	"github.com/tlslink/tlslink/pkg/logging"
	"github.com/tlslink/tlslink/pkg/session"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tlslink",
		Short: "TLS session tooling",
		Long: `tlslink runs TLS sessions over plain TCP for interop testing.

The serve subcommand accepts connections and echoes decrypted application
data back to the peer. The connect subcommand dials a server and bridges
stdin/stdout over the session. check-creds inspects credential material
without opening a connection.`,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newConnectCmd())
	rootCmd.AddCommand(newCheckCredsCmd())

	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a TLS echo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd)
			if err != nil {
				return err
			}
			defer env.close()
			return runServer(cmd.Context(), env)
		},
	}
}

func newConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Connect to a TLS server and bridge stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd)
			if err != nil {
				return err
			}
			defer env.close()
			return runClient(cmd.Context(), env)
		},
	}
}

func newCheckCredsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-creds",
		Short: "Validate and describe the configured credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd)
			if err != nil {
				return err
			}
			defer env.close()
			return describeCredentials(env)
		},
	}
}

// environment is everything a subcommand needs, assembled once from the
// configuration.
type environment struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *session.Metrics
	policy  authz.Policy
	watcher *creds.Watcher

	serverSet *creds.Set
	serverErr error
	clientSet *creds.Set
	clientErr error

	metricsSrv *http.Server
}

func setup(cmd *cobra.Command) (*environment, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}

	logging.SetupLogger(logging.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})
	logger := logging.NewSlog(logging.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})

	env := &environment{
		cfg:     cfg,
		logger:  logger,
		metrics: session.NewMetrics(),
	}

	if env.policy, err = buildPolicy(cmd.Context(), cfg); err != nil {
		return nil, err
	}

	if err := env.buildCredentials(); err != nil {
		return nil, err
	}

	if cfg.Metrics.Address != "" {
		env.metricsSrv = startMetricsServer(cfg.Metrics.Address, env.metrics)
	}

	return env, nil
}

func (e *environment) buildCredentials() error {
	c := e.cfg.Credentials
	build := func(role creds.Role) (*creds.Set, error) {
		var material creds.Material
		switch c.Variant {
		case "x509":
			m, err := creds.LoadX509(c.CertFile, c.KeyFile, "")
			if err != nil {
				return nil, err
			}
			if bundle := c.TrustBundle(); bundle != nil {
				if m.Roots, err = bundle.CertPool(); err != nil {
					return nil, err
				}
			}
			material = m
		case "psk":
			m, err := creds.LoadPSK(c.PSKFile, c.PSKIdentity)
			if err != nil {
				return nil, err
			}
			material = m
		case "anon":
			material = creds.Anon{}
		default:
			return nil, fmt.Errorf("unknown credential variant %q", c.Variant)
		}

		opts := []creds.Option{}
		if c.Priority != "" {
			opts = append(opts, creds.WithPriority(c.Priority))
		}
		if !c.SkipVerify {
			opts = append(opts, creds.WithVerifyPeer())
		}
		return creds.New(role, material, opts...)
	}

	// A config may only be usable for one role (e.g. x509 without a server
	// certificate); each subcommand surfaces the error for the role it
	// actually needs.
	e.serverSet, e.serverErr = build(creds.RoleServer)
	e.clientSet, e.clientErr = build(creds.RoleClient)
	if e.serverErr != nil && e.clientErr != nil {
		return e.clientErr
	}

	if c.Variant == "x509" && c.Watch && e.serverErr == nil {
		var files []string
		for _, f := range []string{c.CertFile, c.KeyFile, c.CAFile} {
			if f != "" {
				files = append(files, f)
			}
		}
		watcher, werr := creds.NewWatcher(
			func() (*creds.Set, error) { return build(creds.RoleServer) },
			e.logger,
			files...,
		)
		if werr != nil {
			return fmt.Errorf("watch credential files: %w", werr)
		}
		e.watcher = watcher
	}
	return nil
}

// serverCreds returns the freshest server credential set.
func (e *environment) serverCreds() *creds.Set {
	if e.watcher != nil {
		return e.watcher.Current()
	}
	return e.serverSet
}

func (e *environment) close() {
	if e.watcher != nil {
		e.watcher.Close()
	}
	if e.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.metricsSrv.Shutdown(ctx)
	}
}

func buildPolicy(ctx context.Context, cfg *config.Config) (authz.Policy, error) {
	switch cfg.Authz.Mode {
	case "", "none":
		return nil, nil
	case "rules":
		rules := make([]authz.Rule, len(cfg.Authz.Rules))
		for i, r := range cfg.Authz.Rules {
			rules[i] = authz.Rule{
				Match:  r.Match,
				Allow:  r.Allow,
				Format: authz.MatchFormat(r.Format),
			}
		}
		return authz.NewRuleList(rules, cfg.Authz.DefaultAllow)
	case "rego":
		src, err := os.ReadFile(cfg.Authz.RegoFile)
		if err != nil {
			return nil, fmt.Errorf("read rego policy: %w", err)
		}
		return authz.NewRegoPolicy(ctx, authz.RegoOptions{
			Entrypoint: cfg.Authz.Entrypoint,
			Modules:    map[string]string{cfg.Authz.RegoFile: string(src)},
		})
	default:
		return nil, fmt.Errorf("unknown authz mode %q", cfg.Authz.Mode)
	}
}

func startMetricsServer(addr string, m *session.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return srv
}

func runServer(ctx context.Context, env *environment) error {
	if env.serverErr != nil {
		return fmt.Errorf("server credentials: %w", env.serverErr)
	}
	ln, err := net.Listen("tcp", env.cfg.Endpoint.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", env.cfg.Endpoint.ListenAddress, err)
	}
	defer ln.Close()
	log.Info().Str("addr", env.cfg.Endpoint.ListenAddress).Msg("listening")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			defer conn.Close()
			if err := serveConn(ctx, env, conn); err != nil {
				log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("connection failed")
			}
		}()
	}
}

func serveConn(ctx context.Context, env *environment, conn net.Conn) error {
	sess, err := session.New(env.serverCreds(), env.cfg.Endpoint.Hostname, env.cfg.Endpoint.AuthzID,
		creds.RoleServer,
		session.WithLogger(env.logger),
		session.WithMetrics(env.metrics),
		session.WithAuthzPolicy(env.policy),
	)
	if err != nil {
		return err
	}
	defer sess.Close()
	sess.SetTransport(session.NewNetTransport(conn))

	if err := driveHandshake(ctx, sess); err != nil {
		return err
	}
	if err := sess.CheckPeerCredentials(ctx); err != nil {
		return err
	}
	if peer := sess.PeerName(); peer != "" {
		log.Info().Str("peer", peer).Msg("peer verified")
	}

	return echoLoop(ctx, sess, env.cfg.Endpoint.GracefulEOF)
}

// echoLoop reads decrypted bytes and writes them straight back until the
// peer terminates.
func echoLoop(ctx context.Context, sess *session.Session, gracefulEOF bool) error {
	buf := make([]byte, 32*1024)
	for {
		if ctx.Err() != nil {
			return driveBye(ctx, sess)
		}

		n, err := sess.Read(buf, gracefulEOF)
		switch {
		case errors.Is(err, session.ErrWouldBlock):
			continue
		case errors.Is(err, io.EOF):
			return driveBye(ctx, sess)
		case err != nil:
			return err
		}

		out := buf[:n]
		for len(out) > 0 {
			w, werr := sess.Write(out)
			if errors.Is(werr, session.ErrWouldBlock) {
				continue
			}
			if werr != nil {
				return werr
			}
			out = out[w:]
		}
	}
}

func runClient(ctx context.Context, env *environment) error {
	if env.clientErr != nil {
		return fmt.Errorf("client credentials: %w", env.clientErr)
	}
	conn, err := net.Dial("tcp", env.cfg.Endpoint.ConnectAddress)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", env.cfg.Endpoint.ConnectAddress, err)
	}
	defer conn.Close()

	sess, err := session.New(env.clientSet, env.cfg.Endpoint.Hostname, env.cfg.Endpoint.AuthzID,
		creds.RoleClient,
		session.WithLogger(env.logger),
		session.WithMetrics(env.metrics),
		session.WithAuthzPolicy(env.policy),
	)
	if err != nil {
		return err
	}
	defer sess.Close()

	// stdin and the session are pumped from different goroutines.
	sess.RequireThreadSafety()
	sess.SetTransport(session.NewNetTransport(conn))

	if err := driveHandshake(ctx, sess); err != nil {
		return err
	}
	if err := sess.CheckPeerCredentials(ctx); err != nil {
		return err
	}
	if bits, err := sess.KeyBits(); err == nil {
		log.Info().Int("key_bits", bits).Str("peer", sess.PeerName()).Msg("session established")
	}

	errc := make(chan error, 2)

	// stdin -> session
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				out := buf[:n]
				for len(out) > 0 {
					w, werr := sess.Write(out)
					if errors.Is(werr, session.ErrWouldBlock) {
						continue
					}
					if werr != nil {
						errc <- werr
						return
					}
					out = out[w:]
				}
			}
			if err != nil {
				errc <- driveBye(ctx, sess)
				return
			}
		}
	}()

	// session -> stdout
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := sess.Read(buf, env.cfg.Endpoint.GracefulEOF)
			switch {
			case errors.Is(err, session.ErrWouldBlock):
				continue
			case errors.Is(err, io.EOF):
				errc <- nil
				return
			case err != nil:
				errc <- err
				return
			}
			if _, werr := os.Stdout.Write(buf[:n]); werr != nil {
				errc <- werr
				return
			}
		}
	}()

	return <-errc
}

// driveHandshake steps the handshake until completion. The transport polls
// internally, so a blocked step is simply retried.
func driveHandshake(ctx context.Context, sess *session.Session) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		st, err := sess.HandshakeStep()
		if err != nil {
			return err
		}
		if st == session.StatusComplete {
			return nil
		}
	}
}

func driveBye(ctx context.Context, sess *session.Session) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		st, err := sess.ByeStep()
		if err != nil {
			return err
		}
		if st == session.StatusComplete {
			return nil
		}
	}
}

func describeCredentials(env *environment) error {
	set := env.serverCreds()
	if set == nil {
		set = env.clientSet
	}
	fmt.Printf("variant:  %s\n", set.Material().Variant())
	fmt.Printf("priority: %s\n", set.Priority())

	m, ok := set.Material().(creds.X509)
	if !ok {
		return nil
	}

	for i, cert := range m.Chain {
		fmt.Printf("cert[%d]:\n", i)
		fmt.Printf("  subject:    %s\n", cert.Subject)
		fmt.Printf("  issuer:     %s\n", cert.Issuer)
		fmt.Printf("  not before: %s\n", cert.NotBefore.Format(time.RFC3339))
		fmt.Printf("  not after:  %s\n", cert.NotAfter.Format(time.RFC3339))
		if left := time.Until(cert.NotAfter); left > 0 {
			fmt.Printf("  expires in: %s\n", left.Round(time.Hour))
		} else {
			fmt.Printf("  EXPIRED %s ago\n", (-left).Round(time.Hour))
		}
	}
	return nil
}
