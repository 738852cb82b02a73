// Package fetcher reads the push oracle and pool state over JSON-RPC. Both
// facades share one lazily dialed Chain.
package fetcher

import (
	"fallback-oracle/internal/arbiter"
	"fallback-oracle/internal/twap"
)

var (
	_ arbiter.PushReader = (*Tellor)(nil)
	_ twap.PoolSource    = (*UniswapV3)(nil)
)
