// Package server wires the HTTP transport and the background worker into the kratos app.
package server

import "github.com/google/wire"

// ProviderSet is server providers.
var ProviderSet = wire.NewSet(NewHTTPServer, NewWorkerServer)
