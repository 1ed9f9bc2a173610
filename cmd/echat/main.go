package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/4xmen/echat/internal/api"
	"github.com/4xmen/echat/internal/auth"
	"github.com/4xmen/echat/internal/db"
	"github.com/4xmen/echat/internal/handlers"
	"github.com/4xmen/echat/internal/session"
	"github.com/4xmen/echat/pkg/config"
	"github.com/4xmen/echat/pkg/i18n"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:               "echat",
	Short:             "E-Chat realtime session client",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and store the session credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		return authenticate(cmd, false)
	},
}

var signupCmd = &cobra.Command{
	Use:   "signup",
	Short: "Create an account and store the session credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		return authenticate(cmd, true)
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Discard the stored session credential",
	RunE:  runLogout,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect the realtime session and serve the local view API",
	RunE:  runSession,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show credential, storage and client status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cfg, cmd.OutOrStdout(), statusOptions{JSON: flagJSON})
	},
}

var (
	flagEmail string
	flagJSON  bool
)

func init() {
	for _, cmd := range []*cobra.Command{loginCmd, signupCmd} {
		cmd.Flags().StringVarP(&flagEmail, "email", "e", "", "account email (prompted when empty)")
	}
	statusCmd.Flags().BoolVarP(&flagJSON, "json", "j", false, "print status as JSON")

	rootCmd.AddCommand(loginCmd, signupCmd, logoutCmd, runCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("echat")
	}
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return err
	}
	setupLogger(cfg)
	return nil
}

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.IsDevelopment() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func openAuth() (*db.DB, *auth.Service, *api.Client, error) {
	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	client := api.NewClient(cfg.APIURL, &http.Client{})
	return database, auth.New(database, client), client, nil
}

func authenticate(cmd *cobra.Command, signup bool) error {
	in := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()

	email := strings.TrimSpace(flagEmail)
	if email == "" {
		fmt.Fprint(out, "Email: ")
		line, err := in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read email: %w", err)
		}
		email = strings.TrimSpace(line)
	}

	password, err := readPassword(out, in)
	if err != nil {
		return err
	}

	database, svc, _, err := openAuth()
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var id *auth.Identity
	if signup {
		id, err = svc.Signup(ctx, email, password)
	} else {
		id, err = svc.Login(ctx, email, password)
	}
	if err != nil {
		return errors.New(i18n.New(cfg.NotifyLang).Translate(err.Error()))
	}

	fmt.Fprintf(out, "Logged in as %s (id %d)\n", id.Email, id.UserID)
	return nil
}

// readPassword reads without echo from a terminal, and a plain line
// otherwise.
func readPassword(out io.Writer, in *bufio.Reader) (string, error) {
	fmt.Fprint(out, "Password: ")
	fd := int(os.Stdin.Fd())
	if terminal.IsTerminal(fd) {
		bytePassword, err := terminal.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(bytePassword), nil
	}

	line, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	database, svc, _, err := openAuth()
	if err != nil {
		return err
	}
	defer database.Close()

	if err := svc.Logout(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
	return nil
}

func runSession(cmd *cobra.Command, args []string) error {
	database, svc, client, err := openAuth()
	if err != nil {
		return err
	}
	defer database.Close()

	id, err := svc.Restore()
	if err != nil {
		if errors.Is(err, auth.ErrNotLoggedIn) {
			return fmt.Errorf("%w: run `echat login` first", err)
		}
		return err
	}
	client.SetToken(id.Token)

	tr := i18n.New(cfg.NotifyLang)
	sess := session.New(session.Options{
		Identity:          *id,
		Backend:           client,
		Credentials:       svc,
		WSEndpoint:        cfg.WebSocketEndpoint(),
		ReconnectDelay:    cfg.ReconnectDelay,
		ReconnectAttempts: cfg.ReconnectAttempts,
		TypingIdle:        cfg.TypingIdle,
		TypingTTL:         cfg.TypingTTL,
		Translator:        tr,
		Logger:            log.Logger,
	})

	rate, err := limiter.NewRateFromFormatted(cfg.RateLimit)
	if err != nil {
		return fmt.Errorf("invalid RATE_LIMIT %q: %w", cfg.RateLimit, err)
	}

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(sess, handlers.RouterOptions{
		Limiter:       limiter.New(memory.NewStore(), rate),
		MaxUploadSize: cfg.MaxUploadSize,
		Translator:    tr,
		Logger:        log.Logger,
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("email", id.Email).Msg("serving view API")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	select {
	case err = <-runErr:
	case err = <-serveErr:
		sess.Close()
		<-runErr
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warn().Err(shutdownErr).Msg("view API shutdown")
	}

	switch {
	case errors.Is(err, session.ErrLoggedOut):
		fmt.Fprintln(cmd.OutOrStdout(), "Session ended: logged out")
		return nil
	case errors.Is(err, context.Canceled), err == nil:
		log.Info().Msg("shutting down")
		return nil
	default:
		return err
	}
}
