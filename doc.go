// Package reqguard provides a request-security middleware layer for
// multi-tenant web applications: stateful CSRF protection and tiered,
// identity-aware rate limiting.
//
// The two subsystems share one shape (concurrent mutable state under
// tenant isolation) but deliberately differ in failure policy:
// CSRF validation fails closed (an unreachable token store rejects the
// request), while the throttler fails open (an unreachable counting backend
// admits it). Availability of the application must not hinge on the
// rate-limit store; integrity of state-changing requests must not survive
// the loss of the token store.
//
// Typical wiring:
//
//	handler, err := reqguard.NewHandler(reqguard.Config{
//		CSRF: reqguard.CSRFConfig{Secret: secret},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer handler.Close()
//
//	mux := http.NewServeMux()
//	handler.RegisterManagementRoutes(mux)
//	mux.Handle("/", appRoutes)
//
//	// authMiddleware attaches reqguard.Identity via reqguard.WithIdentity.
//	http.ListenAndServe(":8080", authMiddleware(handler.Middleware(mux)))
//
// State lives behind the storage interfaces; the default in-memory store is
// per-process, and the valkey store shares token and counter state across
// replicas.
package reqguard
