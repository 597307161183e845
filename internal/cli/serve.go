package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jvs-project/replvol/internal/admin"
	"github.com/jvs-project/replvol/internal/attach"
	"github.com/jvs-project/replvol/internal/events"
	"github.com/jvs-project/replvol/internal/fence"
	"github.com/jvs-project/replvol/internal/httpapi"
	"github.com/jvs-project/replvol/internal/lock"
	"github.com/jvs-project/replvol/internal/registry"
	"github.com/jvs-project/replvol/internal/state"
	"github.com/jvs-project/replvol/pkg/config"
	"github.com/jvs-project/replvol/pkg/logging"
	"github.com/jvs-project/replvol/pkg/metrics"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon",
	Long: `Run the replvol daemon in the foreground.

The daemon owns every connection and volume and serves administrative
requests, the status dump and Prometheus metrics over HTTP. Only one
daemon may run per state directory.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, nil)
	},
}

// daemon is the wired set of components behind one server.
type daemon struct {
	cfg     *config.Config
	log     *logging.Logger
	lock    *lock.Manager
	webhook *events.WebhookSink
	fence   *fence.Coordinator
	server  *httpapi.Server
}

func newDaemon(cfg *config.Config) (*daemon, error) {
	log := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	logging.SetGlobal(log)

	d := &daemon{cfg: cfg, log: log, lock: lock.NewManager(cfg.StateDir)}
	rec, err := d.lock.Acquire("serve")
	if err != nil {
		return nil, err
	}
	log.Info("state directory locked", map[string]any{"dir": cfg.StateDir, "session": rec.SessionID})

	var met *metrics.Registry
	if cfg.Metrics.Enabled {
		met = metrics.NewRegistry()
	}

	var sinks events.Fanout
	if cfg.Events.File != "" {
		sinks = append(sinks, events.NewFileAppender(cfg.Events.File))
	}
	if len(cfg.Events.Webhooks) > 0 {
		d.webhook = events.NewWebhookSink(cfg.Events.Webhooks)
		sinks = append(sinks, d.webhook)
	}
	var bus events.Broadcaster = events.Nop{}
	if len(sinks) > 0 {
		bus = sinks
	}

	reg := registry.New(registry.Options{
		MinorCount: cfg.MinorCount,
		Events:     bus,
		Log:        log,
	})
	engine := state.New(state.Options{
		FallbackBackoff: cfg.Fencing.FallbackBackoff,
		Events:          bus,
		Metrics:         met,
		Log:             log,
	})
	d.fence = fence.New(engine, fence.Options{
		Helper:  cfg.Helper,
		Timeout: cfg.Fencing.HelperTimeout,
		Events:  bus,
		Metrics: met,
		Log:     log,
	})
	neg := attach.New(engine, attach.Options{
		Events:  bus,
		Metrics: met,
		Log:     log,
	})
	dispatcher := admin.New(admin.Options{
		Registry: reg,
		Engine:   engine,
		Attach:   neg,
		Metrics:  met,
		Log:      log,
	})
	d.server = httpapi.New(httpapi.Options{
		Dispatcher: dispatcher,
		Metrics:    met,
		Log:        log,
	})
	return d, nil
}

// Close stops the background workers and releases the lock.
func (d *daemon) Close() error {
	var result *multierror.Error
	d.fence.Close()
	if d.webhook != nil {
		if err := d.webhook.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close webhooks: %w", err))
		}
	}
	if err := d.lock.Release(); err != nil {
		result = multierror.Append(result, fmt.Errorf("release lock: %w", err))
	}
	return result.ErrorOrNil()
}

// serve runs the daemon until ctx is done. A nil listener listens on the
// configured address.
func serve(ctx context.Context, cfg *config.Config, ln net.Listener) (err error) {
	d, err := newDaemon(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := d.Close(); cerr != nil {
			err = multierror.Append(err, cerr).ErrorOrNil()
		}
	}()

	if ln == nil {
		ln, err = net.Listen("tcp", cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}
	srv := &http.Server{Handler: d.server, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.log.Info("serving", map[string]any{"addr": ln.Addr().String()})
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		d.log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
