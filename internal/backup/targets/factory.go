package targets

import (
	"github.com/chestnet/chestnet-go/internal/backup"
	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/errors"
)

// NewTarget builds a storage target from its configuration block.
func NewTarget(cfg *conf.BackupTarget) (backup.Target, error) {
	switch cfg.Type {
	case "local":
		return NewLocalTarget(cfg.Settings)
	case "sftp":
		return NewSFTPTarget(cfg.Settings)
	case "ftp":
		return NewFTPTarget(cfg.Settings)
	case "rsync":
		return NewRsyncTarget(cfg.Settings)
	default:
		return nil, errors.Newf("unknown backup target type: %s", cfg.Type).
			Component("backup").
			Category(errors.CategoryConfiguration).
			Build()
	}
}
