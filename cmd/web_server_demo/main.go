package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/gorilla/sessions"
	"github.com/joho/godotenv"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	openid "github.com/modauth/openid-consumer-golang"
	"github.com/modauth/openid-consumer-golang/protocol"
	slogecho "github.com/samber/slog-echo"
	"github.com/urfave/cli/v2"
)

var serverAddr = ":7070"

type Server struct {
	cfg       *openid.Config
	handshake *openid.Handshake
}

func main() {
	app := &cli.App{
		Name:    "openid-consumer-demo",
		Usage:   "openid relying-party demo server",
		Version: versioninfo.Short(),
		Action:  run,
		Commands: []*cli.Command{
			{
				Name:   "records",
				Usage:  "print the number of live provider associations",
				Action: runRecords,
			},
		},
	}

	app.RunAndExitOnError()
}

func configFromEnv() *openid.Config {
	godotenv.Load()

	cfg := openid.DefaultConfig()

	if v := os.Getenv("OPENID_DB_LOCATION"); v != "" {
		cfg.DBLocation = v
	}
	if v := os.Getenv("OPENID_COOKIE_NAME"); v != "" {
		cfg.CookieName = v
	}
	if v := os.Getenv("OPENID_COOKIE_LIFESPAN"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.CookieLifespan = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("OPENID_USE_COOKIE"); v != "" {
		cfg.UseCookie = v != "false" && v != "0"
	}
	if v := os.Getenv("OPENID_TRUSTED"); v != "" {
		cfg.Trusted = strings.Fields(v)
	}
	if v := os.Getenv("OPENID_DISTRUSTED"); v != "" {
		cfg.Distrusted = strings.Fields(v)
	}
	if v := os.Getenv("OPENID_TRUST_ROOT"); v != "" {
		cfg.TrustRoot = v
	}
	if v := os.Getenv("OPENID_SERVER_NAME"); v != "" {
		cfg.ServerName = v
	}
	if v := os.Getenv("OPENID_LOGIN_PAGE"); v != "" {
		cfg.LoginPage = v
	}

	return cfg
}

func run(cmd *cli.Context) error {
	cfg := configFromEnv()

	cookieSecret := os.Getenv("OPENID_COOKIE_SECRET")
	if cookieSecret == "" {
		cookieSecret = "demo-cookie-secret"
	}

	s := &Server{
		cfg:       cfg,
		handshake: openid.NewHandshake(cfg, protocol.NewClient(protocol.ClientArgs{})),
	}

	e := echo.New()

	e.Use(slogecho.New(slog.Default()))
	e.Use(session.Middleware(sessions.NewCookieStore([]byte(cookieSecret))))

	e.GET("/*", s.handleProtected)

	httpd := http.Server{
		Addr:    serverAddr,
		Handler: e,
	}

	fmt.Println("starting http server...")

	if err := httpd.ListenAndServe(); err != nil {
		return err
	}

	return nil
}

func runRecords(cmd *cli.Context) error {
	cfg := configFromEnv()

	backend, err := openid.OpenBackend(cfg.DBLocation)
	if err != nil {
		return err
	}
	defer backend.Close()

	n, err := (openid.AssociationStore{Backend: backend}).Count()
	if err != nil {
		return err
	}

	fmt.Printf("%d live associations in %s\n", n, cfg.DBLocation)
	return nil
}
