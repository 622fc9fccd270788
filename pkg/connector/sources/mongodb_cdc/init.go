package mongodbcdc

import (
	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/connector/core"
	"github.com/ajitpratap0/tributary/pkg/connector/registry"
)

func init() {
	registry.MustRegister(Type, func(id uint64, cfg config.ConnectionConfig) (core.Connector, error) {
		return New(id, cfg)
	})
}
