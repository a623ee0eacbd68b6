package noop

import "github.com/blockmesh/blockmesh/internal/log_service"

// NoopLogService discards everything. Handy for tests and benchmarks.
type NoopLogService struct{}

func NewNoopLogService() *NoopLogService {
	return &NoopLogService{}
}

func (NoopLogService) Debug(event log_service.LogEvent) {}
func (NoopLogService) Info(event log_service.LogEvent)  {}
func (NoopLogService) Warn(event log_service.LogEvent)  {}
func (NoopLogService) Error(event log_service.LogEvent) {}

var _ log_service.LogService = (*NoopLogService)(nil)
