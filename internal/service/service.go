// Package service exposes the gateway and the administrative operations over HTTP.
package service

import "github.com/google/wire"

// ProviderSet is service providers.
var ProviderSet = wire.NewSet(NewMetricService, NewAdminService)
