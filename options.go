package pqls

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/genexlance/postquantumlattice-sub000/audit"
	"github.com/genexlance/postquantumlattice-sub000/persist"
	"github.com/genexlance/postquantumlattice-sub000/remote"
)

// Options configures a Shield instance.
type Options struct {
	// Origin identifies the installation (site URL or storage path). It seeds
	// the site identity derivation and is required.
	Origin string

	// Store is an already-built store. When nil, StoreConfig is used.
	Store persist.Store

	// StoreConfig selects and configures the persistence backend.
	StoreConfig persist.StoreConfig

	// Service is the encryption service implementation. When nil, an HTTP
	// client is built from ServiceURL and ServiceAPIKey.
	Service remote.Service

	ServiceURL    string
	ServiceAPIKey string

	// SecurityLevel for initial key generation. Defaults to SecurityStandard.
	SecurityLevel string

	// Audit configures the audit trail. Nil enables the store-backed logger
	// with default caps.
	Audit *audit.Config

	// Retry overrides the remote retry policy. Zero fields keep defaults.
	Retry remote.RetryPolicy

	// Logger receives operational log lines. Defaults to a fresh logrus
	// logger.
	Logger *logrus.Logger
}

func (o *Options) validate() error {
	if o.Origin == "" {
		return fmt.Errorf("origin is required")
	}
	if o.SecurityLevel != "" && !validSecurityLevel(o.SecurityLevel) {
		return fmt.Errorf("unknown security level %q", o.SecurityLevel)
	}
	if o.Service == nil && o.ServiceURL == "" {
		return fmt.Errorf("either a service implementation or a service URL is required")
	}
	return nil
}
