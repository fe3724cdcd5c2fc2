// =============================================================================
// HEALTH SERVICE - MIRRORS THE DELAY SERVICE STATE
// =============================================================================
//
// Standard grpc.health.v1.Health, backed by grpc-go's health.Server. A small
// loop copies the delay service lifecycle into it:
//
//   ┌───────────┬──────────────────────┐
//   │ State     │ Health status        │
//   ├───────────┼──────────────────────┤
//   │ created   │ NOT_SERVING          │
//   │ started   │ SERVING              │
//   │ shutdown  │ NOT_SERVING          │
//   └───────────┴──────────────────────┘
//
// Both the overall service ("") and ServiceName report the same status;
// any other name is SERVICE_UNKNOWN (NotFound on Check).
//
// KUBERNETES INTEGRATION:
//
//   readinessProbe:
//     grpc:
//       port: 9000
//       service: "delaystore.DelayService"
//
// =============================================================================

package grpc

import (
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/WuJingLearn/rocketmq/internal/delay"
)

// ServiceName is the health service name of the delay store.
const ServiceName = "delaystore.DelayService"

// HealthReporter keeps a health.Server in step with a delay.Service.
type HealthReporter struct {
	server   *health.Server
	service  *delay.Service
	interval time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	last healthpb.HealthCheckResponse_ServingStatus

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthReporter creates a reporter; statuses start NOT_SERVING.
func NewHealthReporter(svc *delay.Service, interval time.Duration, logger *slog.Logger) *HealthReporter {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &HealthReporter{
		server:   health.NewServer(),
		service:  svc,
		interval: interval,
		logger:   logger,
		last:     healthpb.HealthCheckResponse_UNKNOWN,
		done:     make(chan struct{}),
	}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Server returns the gRPC health implementation.
func (h *HealthReporter) Server() *health.Server {
	return h.server
}

// Start begins mirroring the service state.
func (h *HealthReporter) Start() {
	h.startOnce.Do(func() {
		h.Sync()
		h.wg.Add(1)
		go h.loop()
	})
}

// Stop ends the loop and reports NOT_SERVING from then on.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()
		h.server.Shutdown()
	})
}

// Sync copies the current service state into the health server.
func (h *HealthReporter) Sync() healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if h.service != nil && h.service.State() == delay.StateStarted {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.set(st)
	return st
}

func (h *HealthReporter) set(st healthpb.HealthCheckResponse_ServingStatus) {
	h.mu.Lock()
	changed := st != h.last
	h.last = st
	h.mu.Unlock()
	if !changed {
		return
	}

	h.server.SetServingStatus("", st)
	h.server.SetServingStatus(ServiceName, st)
	h.logger.Info("health status changed", "status", st.String())
}

func (h *HealthReporter) loop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.Sync()
		}
	}
}
