package identity

import (
	"time"

	"github.com/smallbiznis/fieldtrack/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("identity",
	fx.Provide(NewDirectory),
)

// NewDirectory returns nil when identity validation is switched off, which
// callers treat as "no directory configured".
func NewDirectory(cfg config.Config, log *zap.Logger) Directory {
	if !cfg.Identity.Enabled || cfg.Identity.BaseURL == "" {
		return nil
	}
	return NewHTTPDirectory(cfg.Identity.BaseURL, time.Duration(cfg.Identity.TimeoutMS)*time.Millisecond, log)
}
