/*
Package servicemesh provides service mesh components for microservices.

Subpackages:

  - discovery: Service discovery and registration (in-memory adapter only)

Usage:

	import "github.com/weelo/dispatch-core/pkg/servicemesh/discovery/adapters/memory"

	registry := memory.New()
	svc, err := registry.Register(ctx, discovery.RegisterOptions{Name: "api", Port: 8080})
*/
package servicemesh
