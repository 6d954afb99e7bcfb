package logging

import (
	"fmt"
	"log/slog"
	"net/netip"
	"regexp"
)

var (
	ipv4Pattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	// Loose on purpose; candidates are confirmed with netip.ParseAddr.
	ipv6Pattern = regexp.MustCompile(`[0-9A-Fa-f]{0,4}(?::[0-9A-Fa-f]{0,4}){2,7}(?:%[0-9A-Za-z]+)?`)
)

// Redactor masks IP addresses in log values.
type Redactor struct{}

// NewRedactor returns an address redactor.
func NewRedactor() *Redactor {
	return &Redactor{}
}

// Redact masks every IP address in s.
func (r *Redactor) Redact(s string) string {
	s = ipv6Pattern.ReplaceAllStringFunc(s, func(m string) string {
		addr, err := netip.ParseAddr(m)
		if err != nil {
			return m
		}
		return maskAddr(addr)
	})
	return ipv4Pattern.ReplaceAllStringFunc(s, func(m string) string {
		addr, err := netip.ParseAddr(m)
		if err != nil {
			return m
		}
		return maskAddr(addr)
	})
}

// ReplaceAttr is a slog.HandlerOptions.ReplaceAttr hook. Strings are
// scanned; other values are scanned through their String method.
func (r *Redactor) ReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		if s := a.Value.String(); s != "" {
			a.Value = slog.StringValue(r.Redact(s))
		}
	case slog.KindAny:
		switch v := a.Value.Any().(type) {
		case netip.Addr:
			a.Value = slog.StringValue(maskAddr(v))
		case netip.Prefix:
			a.Value = slog.StringValue(maskAddr(v.Addr()) + fmt.Sprintf("/%d", v.Bits()))
		case error:
			a.Value = slog.StringValue(r.Redact(v.Error()))
		case fmt.Stringer:
			a.Value = slog.StringValue(r.Redact(v.String()))
		}
	}
	return a
}

func maskAddr(addr netip.Addr) string {
	addr = addr.Unmap()
	if addr.Is4() {
		b := addr.As4()
		return fmt.Sprintf("%d.x.x.x", b[0])
	}
	b := addr.As16()
	return fmt.Sprintf("%x:x", uint16(b[0])<<8|uint16(b[1]))
}
