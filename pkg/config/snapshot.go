package config

import (
	"time"

	"github.com/polisai/polis-esb/pkg/domain"
)

// RouteSnapshot is one parsed version of the routes file.
type RouteSnapshot struct {
	Generation int64
	LoadedAt   time.Time
	Routes     []domain.RouteSpec
}
