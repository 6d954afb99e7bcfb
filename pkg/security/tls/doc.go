// Package tls serves the admin API over HTTPS.
//
// Certificates are read through a Reloader, so a renewed pair written over
// the old files is picked up on the next check without dropping
// connections:
//
//	tc, reloader, err := tls.ServerConfig(&cfg.Server.TLS, logger)
//	if err != nil {
//		return err
//	}
//	go reloader.Run(ctx)
//	ln = crypto_tls.NewListener(ln, tc)
//
// Setting client_ca_file requires every client to present a certificate
// signed by that CA. ClientIdentity reports the verified common name.
package tls
