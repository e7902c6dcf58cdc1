//go:build windows

// Package service provides Windows Service integration.
// When running as a Windows service, the agent enters the SCM control loop.
// When running from a terminal, it runs in foreground (debug mode).
package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/windows/svc"
)

const serviceName = "VitalisAgent"

// stopTimeout bounds how long a stop request waits for the agent to finish
// its current cycle and background reconciliation.
const stopTimeout = 20 * time.Second

// AgentService implements the Windows service interface (svc.Handler).
type AgentService struct {
	logger  *zap.Logger
	startFn func(ctx context.Context) error
}

// New creates a new Windows service wrapper.
// The startFn is called with a cancellable context when the service starts
// and is expected to return once the context is cancelled.
func New(logger *zap.Logger, startFn func(ctx context.Context) error) *AgentService {
	return &AgentService{
		logger:  logger,
		startFn: startFn,
	}
}

// IsWindowsService checks if the process is running as a Windows service.
func IsWindowsService() bool {
	isService, err := svc.IsWindowsService()
	if err != nil {
		return false
	}
	return isService
}

// Run starts the Windows service control loop.
func (s *AgentService) Run() error {
	return svc.Run(serviceName, s)
}

// Execute implements the svc.Handler interface for Windows SCM integration.
// It manages the service lifecycle: start, running, stop/shutdown.
func (s *AgentService) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (ssec bool, errno uint32) {
	changes <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.startFn(ctx) }()

	changes <- svc.Status{
		State:   svc.Running,
		Accepts: svc.AcceptStop | svc.AcceptShutdown,
	}
	s.logger.Info("Windows service started")

	for {
		select {
		case err := <-done:
			// The agent stopped on its own.
			if err != nil {
				s.logger.Error("Agent exited", zap.Error(err))
				return false, 1
			}
			return false, 0
		case c := <-r:
			switch c.Cmd {
			case svc.Interrogate:
				changes <- c.CurrentStatus
			case svc.Stop, svc.Shutdown:
				s.logger.Info("Windows service stopping")
				changes <- svc.Status{State: svc.StopPending}
				cancel()
				select {
				case err := <-done:
					if err != nil {
						s.logger.Error("Agent stopped with error", zap.Error(err))
					}
				case <-time.After(stopTimeout):
					s.logger.Warn("Agent did not stop in time", zap.Duration("timeout", stopTimeout))
				}
				return false, 0
			default:
				s.logger.Warn("Unexpected service control request",
					zap.Uint32("cmd", uint32(c.Cmd)))
			}
		}
	}
}
