package zaplog

import (
	"go.uber.org/zap"

	"github.com/blockmesh/blockmesh/internal/log_service"
)

// ZapLogService adapts a zap sugared logger to the LogService interface.
// Used by the CLI for console output; file logging stays on localdisc.
type ZapLogService struct {
	nodeID string
	logger *zap.SugaredLogger
}

func NewZapLogService(nodeID string) *ZapLogService {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return &ZapLogService{
		nodeID: nodeID,
		logger: logger.Sugar(),
	}
}

func (ls *ZapLogService) SetNodeID(nodeID string) {
	ls.nodeID = nodeID
}

func (ls *ZapLogService) fields(event log_service.LogEvent) []any {
	kv := make([]any, 0, 2*len(event.Metadata)+2)
	kv = append(kv, "node", ls.nodeID)
	for k, v := range event.Metadata {
		kv = append(kv, k, v)
	}
	return kv
}

func (ls *ZapLogService) Debug(event log_service.LogEvent) {
	ls.logger.Debugw(event.Message, ls.fields(event)...)
}

func (ls *ZapLogService) Info(event log_service.LogEvent) {
	ls.logger.Infow(event.Message, ls.fields(event)...)
}

func (ls *ZapLogService) Warn(event log_service.LogEvent) {
	ls.logger.Warnw(event.Message, ls.fields(event)...)
}

func (ls *ZapLogService) Error(event log_service.LogEvent) {
	ls.logger.Errorw(event.Message, ls.fields(event)...)
}

func (ls *ZapLogService) Sync() {
	_ = ls.logger.Sync()
}

var _ log_service.LogService = (*ZapLogService)(nil)
