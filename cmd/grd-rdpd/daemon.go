package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/GNOME/gnome-remote-desktop-sub002/internal/config"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/credentials"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/dvc/transport"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/egl"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/health"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/workerpool"
)

// hostPressurePollInterval controls how often the daemon samples CPU/
// memory utilization and propagates the result to every live session's
// pacing controller.
const hostPressurePollInterval = 5 * time.Second

// Daemon owns every long-lived resource one grd-rdpd process holds:
// configuration, the credentials façade, the shared health monitor, a
// bounded worker pool used for per-frame encode tasks, and the registry
// of currently connected sessions.
type Daemon struct {
	cfg *config.Config

	creds  credentials.Store
	health *health.Monitor
	pool   *workerpool.Pool

	// egl is the one EGL worker thread shared by every session's
	// Renderer for GPU-interop "unmap previous" tasks (spec §4.7, §5).
	// This headless build has no real display/EGL binding, so it runs
	// with a no-op init and its task queue only ever carries
	// ReleaseGPUMapping calls for dma-buf/mem-fd backed buffers, which
	// the synthetic capture source in this daemon never mints; it is
	// wired so a real PipeWire dma-buf producer has a place to plug in.
	egl *egl.Thread

	sessionsMu sync.Mutex
	sessions   map[*Session]struct{}

	srv *http.Server
}

func newDaemon(cfg *config.Config) (*Daemon, error) {
	creds, err := credentials.New(credentials.Backend(cfg.CredentialsBackend), cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("construct credentials store: %w", err)
	}

	eglThread, err := egl.New(nil)
	if err != nil {
		return nil, fmt.Errorf("start egl worker: %w", err)
	}

	d := &Daemon{
		cfg:      cfg,
		creds:    creds,
		health:   health.NewMonitor(),
		pool:     workerpool.New(4, 256),
		egl:      eglThread,
		sessions: make(map[*Session]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/rdpgfx", d.handleConnect)
	mux.HandleFunc("/healthz", d.handleHealthz)

	d.srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.ListenPort),
		Handler: mux,
	}

	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		certPEM, keyErr := os.ReadFile(cfg.TLSCertFile)
		keyPEMBytes, keyErr2 := os.ReadFile(cfg.TLSKeyFile)
		if keyErr != nil || keyErr2 != nil {
			return nil, fmt.Errorf("read TLS material: cert=%v key=%v", keyErr, keyErr2)
		}
		keyPEM := rdpListenerKeyMaterial(keyPEMBytes)
		defer keyPEM.zero()

		tlsCfg, err := buildListenerTLSConfig(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("build TLS config: %w", err)
		}
		d.srv.TLSConfig = tlsCfg
	}

	return d, nil
}

// Run starts the HTTP/DVC listener and the host-pressure sampling loop,
// blocking until a shutdown signal arrives.
func (d *Daemon) Run() error {
	stopHostPressure := make(chan struct{})
	go d.hostPressureLoop(stopHostPressure)

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if d.srv.TLSConfig != nil {
			err = d.srv.ListenAndServeTLS("", "")
		} else {
			err = d.srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		close(stopHostPressure)
		return err
	case <-sigChan:
		log.Info("shutdown signal received")
	}

	close(stopHostPressure)

	d.pool.StopAccepting()
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d.pool.Drain(drainCtx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := d.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	d.egl.Close()
	return <-serveErr
}

func (d *Daemon) handleHealthz(w http.ResponseWriter, r *http.Request) {
	summary := d.health.Summary()
	status, _ := summary["status"].(string)
	if status != string(health.Healthy) && status != "" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	fmt.Fprintf(w, `{"status":%q}`, status)
}

func (d *Daemon) handleConnect(w http.ResponseWriter, r *http.Request) {
	sess := newSession(d)

	sc, err := transport.Accept(w, r, sess.handlePDU)
	if err != nil {
		log.Warn("dvc accept failed", "error", err)
		return
	}
	sess.conn = sc

	d.registerSession(sess)
	defer d.unregisterSession(sess)

	sess.Run()
}

func (d *Daemon) registerSession(s *Session) {
	d.sessionsMu.Lock()
	d.sessions[s] = struct{}{}
	d.sessionsMu.Unlock()
}

func (d *Daemon) unregisterSession(s *Session) {
	d.sessionsMu.Lock()
	delete(d.sessions, s)
	d.sessionsMu.Unlock()
	s.Close()
}

func (d *Daemon) hostPressureLoop(done chan struct{}) {
	ticker := time.NewTicker(hostPressurePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			stats, err := d.health.CollectHostStats()
			if err != nil {
				log.Warn("host stats collection failed", "error", err)
				continue
			}

			under := stats.UnderMemoryPressure()
			d.sessionsMu.Lock()
			for s := range d.sessions {
				s.setHostPressure(under)
			}
			d.sessionsMu.Unlock()

			d.reportPoolHealth()
		}
	}
}

// reportPoolHealth folds the render worker pool's lifetime counters into
// the shared health monitor: a pool that is rejecting submissions is a
// render pipeline falling behind its tick rate, not a transient blip.
func (d *Daemon) reportPoolHealth() {
	stats := d.pool.Stats()
	status := health.Healthy
	msg := fmt.Sprintf("submitted=%d rejected=%d completed=%d panicked=%d queued=%d/%d",
		stats.Submitted, stats.Rejected, stats.Completed, stats.Panicked, stats.Queued, stats.Workers)

	switch {
	case stats.Panicked > 0:
		status = health.Degraded
	case stats.Rejected > 0:
		status = health.Degraded
	}

	d.health.Update(health.ComponentRenderWorkerPool, status, msg)
}
