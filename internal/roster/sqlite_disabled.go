//go:build !sqlite
// +build !sqlite

package roster

import (
	"errors"

	logx "quotecast/pkg/logx"
)

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	_ = cfg
	_ = log
	return nil, errors.New("sqlite roster driver not built (build with -tags sqlite)")
}
