package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo"
	echo_middleware "github.com/labstack/echo/middleware"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/v0l/payments-go/engine"
	"github.com/v0l/payments-go/engine/worker"
	"github.com/v0l/payments-go/fiat/revolut"
	"github.com/v0l/payments-go/fiat/stripe"
	"github.com/v0l/payments-go/httputils"
	"github.com/v0l/payments-go/lightning/bitvora"
	"github.com/v0l/payments-go/lightning/lnd"
	"github.com/v0l/payments-go/services/updater"
	"github.com/v0l/payments-go/webhook"
)

var (
	VERSION = "dev"

	onLoggerDebugLevelF = flag.Bool("logger-debug-level", false, "Enable debug level logger.")
)

func main() {
	var wg sync.WaitGroup
	defaultLogger("INFO")
	flag.Parse()
	if *onLoggerDebugLevelF {
		defaultLogger("DEBUG")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	zap.L().Info("Starting payments webhook service...", zap.String("version", VERSION))
	defer func() { zap.L().Info("Done.") }()

	bridge := webhook.NewBridge(webhook.ReplayWindow{MaxSkew: 5 * time.Minute})

	store := worker.NewMemoryStore()
	var publisher worker.Publisher
	if addr := os.Getenv("NATS_ADDR"); addr != "" {
		nc, err := nats.Connect(addr)
		if err != nil {
			zap.L().Panic("Failed connect to NATS.", zap.Error(err))
		}
		defer nc.Close()
		ec, err := nats.NewEncodedConn(nc, nats.JSON_ENCODER)
		if err != nil {
			zap.L().Panic("Failed create encoded conn to NATS.", zap.Error(err))
		}
		defer ec.Close()
		publisher = updater.NewServer(ec)
		zap.L().Info("NATS - connected!")
	}
	w := worker.NewWorker(store, engine.NewProcessor(), publisher)
	sink := func(ev *engine.Event) error { return w.HandleEvent(ctx, ev) }

	e := echo.New()
	e.Use(echo_middleware.CORSWithConfig(echo_middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{echo.GET, echo.POST, echo.OPTIONS, echo.HEAD},
	}))
	e.Use(echo_middleware.Recover())
	e.Use(echo_middleware.Logger())
	e.Use(echo_middleware.BodyLimit("64K"))

	var paths []string

	if key := os.Getenv("STRIPE_KEY"); key != "" {
		p := stripe.NewProvider(stripe.Config{
			APIKey:        key,
			WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
			SuccessURL:    os.Getenv("STRIPE_SUCCESS_URL"),
			CancelURL:     os.Getenv("STRIPE_CANCEL_URL"),
		})
		bridge.Register(stripe.Verifier{})
		e.POST("/webhook/stripe", p.WebhookHandler(bridge, sink))
		paths = append(paths, "/webhook/stripe")
	}

	if token := os.Getenv("REVOLUT_TOKEN"); token != "" {
		p := revolut.NewProvider(revolut.Config{
			APIKey:        token,
			URL:           os.Getenv("REVOLUT_URL"),
			WebhookSecret: os.Getenv("REVOLUT_WEBHOOK_SECRET"),
		})
		bridge.Register(revolut.Verifier{})
		e.POST("/webhook/revolut", p.WebhookHandler(bridge, sink))
		paths = append(paths, "/webhook/revolut")
	}

	if token := os.Getenv("BITVORA_TOKEN"); token != "" {
		n := bitvora.NewNode(bitvora.Config{
			APIKey:        token,
			WebhookSecret: os.Getenv("BITVORA_WEBHOOK_SECRET"),
		})
		bridge.Register(bitvora.Verifier{})
		e.POST("/webhook/bitvora", n.WebhookHandler(bridge))
		paths = append(paths, "/webhook/bitvora")
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx, n)
		}()
	}

	if host := os.Getenv("LND_HOST"); host != "" {
		n, err := lnd.NewNode(lnd.Config{
			Host:         host,
			TLSCertPath:  os.Getenv("LND_TLS_CERT"),
			MacaroonPath: os.Getenv("LND_MACAROON"),
		})
		if err != nil {
			zap.L().Panic("Failed connect to lnd.", zap.Error(err))
		}
		defer n.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx, n)
		}()
	}

	if debugPort := os.Getenv("DEBUG_PORT"); debugPort != "" {
		debugServer := &http.Server{Addr: ":" + debugPort, Handler: httputils.DebugMux()}
		wg.Add(1)
		go func() {
			defer wg.Done()
			zap.L().Info("start debug server", zap.String("address", ":"+debugPort))
			if err := debugServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				zap.L().Error("failed run debug server", zap.Error(err))
			}
		}()
		go func() {
			<-ctx.Done()
			_ = debugServer.Close()
		}()
	}

	portWeb := os.Getenv("PORT")
	if portWeb == "" {
		portWeb = "8081"
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		zap.L().Info("start webhook server",
			zap.String("address", ":"+portWeb),
			zap.Strings("paths", paths),
		)
		if err := e.Start(":" + portWeb); err != nil {
			zap.L().Error("failed run webhook server", zap.Error(err))
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			zap.L().Error("failed shutdown webhook server", zap.Error(err))
		}
		if err := e.Close(); err != nil {
			zap.L().Error("failed close webhook server", zap.Error(err))
		}
		zap.L().Debug("success shutdown webhook server")
	}()
	wg.Wait()
}

// Configure configure zap logger.
//
// Available values of level:
// - DEBUG
// - INFO
// - WARN
// - ERROR
// - DPANIC
// - PANIC
// - FATAL
func defaultLogger(levelSet string) {
	level := zapcore.InfoLevel
	if err := level.Set(levelSet); err != nil {
		panic(err)
	}
	config := zap.NewDevelopmentConfig()
	config.Level.SetLevel(level)
	l, err := config.Build(zap.AddStacktrace(zap.ErrorLevel))
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(l)
	zap.RedirectStdLog(l.Named("stdlog"))
}
