package bootstrap

import (
	"fmt"

	"MeshGate/pkg/config"
	"MeshGate/pkg/db/mysql"
	rdb "MeshGate/pkg/db/redis"
	"MeshGate/pkg/logger"
)

// InitAll initializes config, logger, validation and the store clients,
// and returns a cleanup func. A validation failure is fatal: the
// gateway must not accept traffic on a bad configuration.
func InitAll(configPath string) (cleanup func(), err error) {
	if configPath != "" {
		if err = config.InitFromFile(configPath); err != nil {
			return nil, err
		}
	} else {
		if err = config.Init(); err != nil {
			return nil, err
		}
	}

	if err = logger.Init(config.Conf.LogConfig); err != nil {
		return nil, fmt.Errorf("init logger failed: %w", err)
	}

	if err = config.Validate(config.Conf); err != nil {
		return nil, err
	}

	if err = rdb.Init(config.Conf.RedisConfig); err != nil {
		return nil, fmt.Errorf("init redis failed: %w", err)
	}

	auditEnabled := config.Conf.AuditConfig != nil && config.Conf.AuditConfig.Enabled
	if auditEnabled {
		if err = mysql.Init(config.Conf.MySQLConfig); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("init mysql failed: %w", err)
		}
	}

	cleanup = func() {
		if auditEnabled {
			mysql.Close()
		}
		rdb.Close()
		_ = logger.L().Sync()
	}
	return cleanup, nil
}
