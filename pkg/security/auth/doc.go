// Package auth checks scoped API keys on the admin API.
//
// Keys come from server.auth in the config file, inline or from a key
// file. Each request presents one as "Authorization: Bearer <key>" or in
// an X-API-Key header:
//
//	ring, err := auth.NewKeyring(&cfg.Server.Auth)
//	if err != nil {
//		return err
//	}
//	mux.Handle("POST /v1/decide", auth.Require(ring, auth.ScopeDecide, logger)(decide))
//
// Only digests of the secrets are kept in memory.
package auth
